// Package mongostore is the MongoDB backend of the delay history store.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/transit"
)

type Options struct {
	URI                string
	Database           string
	JourneysCollection string
	ServicesCollection string
}

// Store implements history.Store on MongoDB. Stop facts and services are
// stored one document each, keyed by _id.
type Store struct {
	client   *mongo.Client
	facts    *mongo.Collection
	services *mongo.Collection
}

func Connect(ctx context.Context, opts Options) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(opts.Database)
	return &Store{
		client:   client,
		facts:    db.Collection(opts.JourneysCollection),
		services: db.Collection(opts.ServicesCollection),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the compound index used by closest-match lookups.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.facts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "service_id", Value: 1},
			{Key: "stop_key", Value: 1},
			{Key: "destination_key", Value: 1},
			{Key: "scheduled_mins", Value: 1},
		},
		Options: options.Index().SetName("match_idx"),
	})
	if err != nil {
		return fmt.Errorf("create match index: %w", err)
	}
	return nil
}

// BulkUpsert replaces each fact by _id in one ordered bulk write. Updated
// counts matched documents, so an unchanged rerun reports every fact as
// updated.
func (s *Store) BulkUpsert(ctx context.Context, facts []transit.StopFact) (history.UpsertResult, error) {
	if len(facts) == 0 {
		return history.UpsertResult{}, nil
	}
	models := make([]mongo.WriteModel, 0, len(facts))
	for _, f := range facts {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: f.ID}}).
			SetReplacement(f).
			SetUpsert(true))
	}
	res, err := s.facts.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return history.UpsertResult{}, fmt.Errorf("bulk write stop facts: %w", err)
	}
	return history.UpsertResult{Inserted: int(res.UpsertedCount), Updated: int(res.MatchedCount)}, nil
}

func (s *Store) Find(ctx context.Context, f history.Filter) ([]transit.StopFact, error) {
	cur, err := s.facts.Find(ctx, filterDoc(f), findOptions(f))
	if err != nil {
		return nil, fmt.Errorf("find stop facts: %w", err)
	}
	var out []transit.StopFact
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode stop facts: %w", err)
	}
	return out, nil
}

func (s *Store) Each(ctx context.Context, f history.Filter, fn func(transit.StopFact) error) error {
	cur, err := s.facts.Find(ctx, filterDoc(f), findOptions(f))
	if err != nil {
		return fmt.Errorf("find stop facts: %w", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var sf transit.StopFact
		if err := cur.Decode(&sf); err != nil {
			return fmt.Errorf("decode stop fact: %w", err)
		}
		if err := fn(sf); err != nil {
			return err
		}
	}
	return cur.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.facts.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count stop facts: %w", err)
	}
	return n, nil
}

func findOptions(f history.Filter) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return opts
}

func filterDoc(f history.Filter) bson.D {
	doc := bson.D{}
	if f.ServiceID != 0 {
		doc = append(doc, bson.E{Key: "service_id", Value: f.ServiceID})
	}
	if f.StopKey != "" {
		doc = append(doc, bson.E{Key: "stop_key", Value: f.StopKey})
	}
	if f.DestinationKey != "" {
		doc = append(doc, bson.E{Key: "destination_key", Value: f.DestinationKey})
	}
	if f.Scheduled != nil {
		doc = append(doc, bson.E{Key: "scheduled_mins", Value: bson.D{
			{Key: "$gte", Value: f.Scheduled.Min},
			{Key: "$lte", Value: f.Scheduled.Max},
		}})
	}
	if f.DayOfWeek != nil {
		doc = append(doc, bson.E{Key: "day_of_week", Value: *f.DayOfWeek})
	}
	if f.IsHoliday != nil {
		doc = append(doc, bson.E{Key: "is_holiday", Value: *f.IsHoliday})
	}
	if f.IsPeak != nil {
		doc = append(doc, bson.E{Key: "is_peak", Value: *f.IsPeak})
	}
	if f.OnlyDelayed {
		doc = append(doc, bson.E{Key: "delay_mins", Value: bson.D{{Key: "$ne", Value: nil}}})
	}
	return doc
}

func (s *Store) UpsertServices(ctx context.Context, services []transit.Service) (history.UpsertResult, error) {
	if len(services) == 0 {
		return history.UpsertResult{}, nil
	}
	models := make([]mongo.WriteModel, 0, len(services))
	for _, svc := range services {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: svc.ID}}).
			SetUpdate(bson.D{{Key: "$set", Value: svc}}).
			SetUpsert(true))
	}
	res, err := s.services.BulkWrite(ctx, models)
	if err != nil {
		return history.UpsertResult{}, fmt.Errorf("bulk write services: %w", err)
	}
	return history.UpsertResult{Inserted: int(res.UpsertedCount), Updated: int(res.MatchedCount)}, nil
}

func (s *Store) GetService(ctx context.Context, id int64) (transit.Service, error) {
	var svc transit.Service
	err := s.services.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&svc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return transit.Service{}, &transit.NotFoundError{Kind: transit.KindService, Detail: fmt.Sprintf("service %d", id)}
	}
	if err != nil {
		return transit.Service{}, fmt.Errorf("get service %d: %w", id, err)
	}
	return svc, nil
}

func (s *Store) ListServiceIDs(ctx context.Context) ([]int64, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.services.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	var docs []struct {
		ID int64 `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode service ids: %w", err)
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// SearchServices matches query case-insensitively against line number and
// description.
func (s *Store) SearchServices(ctx context.Context, query string, limit int) ([]transit.Service, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.services.Find(ctx, searchDoc(query), options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("search services: %w", err)
	}
	var out []transit.Service
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return out, nil
}

func searchDoc(query string) bson.M {
	re := primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}
	return bson.M{"$or": bson.A{
		bson.M{"number": re},
		bson.M{"description": re},
	}}
}
