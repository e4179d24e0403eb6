// Package backend opens the configured delay history store.
package backend

import (
	"context"
	"fmt"
	"log"
	"time"

	"bus-delay-predictor/internal/config"
	"bus-delay-predictor/internal/db"
	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/mongostore"
)

// Open connects to the store named by cfg.StoreBackend and prepares its
// schema. The returned func releases the connection.
func Open(ctx context.Context, cfg *config.Config) (history.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			log.Printf("backend: could not ensure database exists: %v", err)
		}
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		if err := db.Ping(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		store := db.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		log.Printf("backend: using postgres")
		return store, store.Close, nil

	case "mongo":
		store, err := mongostore.Connect(ctx, mongostore.Options{
			URI:                cfg.MongoURI,
			Database:           cfg.MongoDatabase,
			JourneysCollection: cfg.MongoJourneysCollection,
			ServicesCollection: cfg.MongoServicesCollection,
		})
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(ctx); err != nil {
				log.Printf("backend: mongo disconnect: %v", err)
			}
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		log.Printf("backend: using mongo database %q", cfg.MongoDatabase)
		return store, closeFn, nil

	case "memory":
		log.Printf("backend: using in-memory store; data is lost on exit")
		return history.NewMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
