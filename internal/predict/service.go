package predict

import (
	"context"
	"fmt"
	"math"

	"bus-delay-predictor/internal/transit"
)

// Model evaluates a feature vector.
type Model interface {
	Predict(v FeatureVector) (float64, error)
	Version() string
}

// ServiceLookup fetches catalogue entries.
type ServiceLookup interface {
	GetService(ctx context.Context, id int64) (transit.Service, error)
}

// StopIndexLookup finds a stop's position on a service.
type StopIndexLookup interface {
	StopIndex(ctx context.Context, serviceID int64, stopKey string) (int, error)
}

type MatchView struct {
	JourneyID     string `json:"journey_id"`
	Date          string `json:"date"`
	ScheduledDep  string `json:"scheduled_dep"`
	ScheduledMins int    `json:"scheduled_mins"`
	ActualDep     string `json:"actual_dep,omitempty"`
	DelayMins     *int   `json:"delay_mins"`
	Distance      int    `json:"distance_mins"`
}

func NewMatchView(m Match) MatchView {
	v := MatchView{
		JourneyID:     m.Fact.JourneyID,
		Date:          m.Fact.Date,
		ScheduledDep:  m.Fact.ScheduledDep,
		ScheduledMins: m.Fact.ScheduledMins,
		DelayMins:     m.Fact.DelayMins,
		Distance:      m.Distance,
	}
	if m.Fact.ActualDep != nil {
		v.ActualDep = *m.Fact.ActualDep
	}
	return v
}

type Prediction struct {
	PredictedDelayMins int                `json:"predicted_delay_mins"`
	RawDelay           float64            `json:"raw_delay"`
	ScheduledDep       string             `json:"scheduled_dep"`
	ScheduledMins      int                `json:"scheduled_mins"`
	ModelVersion       string             `json:"model_version"`
	Scheme             Scheme             `json:"scheme"`
	DateMatch          *MatchView         `json:"date_match"`
	Features           map[string]float64 `json:"features,omitempty"`
}

// Service answers prediction requests: closest match, reference lookups,
// feature assembly and model evaluation.
type Service struct {
	resolver  *Resolver
	assembler *Assembler
	model     Model
	services  ServiceLookup
	stops     StopIndexLookup
}

func NewService(resolver *Resolver, assembler *Assembler, model Model, services ServiceLookup, stops StopIndexLookup) *Service {
	return &Service{resolver: resolver, assembler: assembler, model: model, services: services, stops: stops}
}

func (s *Service) Resolve(ctx context.Context, req transit.PredictionRequest) (Resolution, error) {
	return s.resolver.Resolve(ctx, req)
}

func (s *Service) ModelVersion() string { return s.model.Version() }

// Predict fails with *transit.NotFoundError when the history, service or
// stop it depends on is missing; it never substitutes defaults.
func (s *Service) Predict(ctx context.Context, req transit.PredictionRequest) (Prediction, error) {
	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return Prediction{}, err
	}
	svc, err := s.services.GetService(ctx, req.ServiceID)
	if err != nil {
		return Prediction{}, err
	}
	origin, destination, err := svc.Endpoints()
	if err != nil {
		return Prediction{}, err
	}
	stopIndex, err := s.stops.StopIndex(ctx, req.ServiceID, res.StopKey)
	if err != nil {
		return Prediction{}, err
	}

	vec := s.assembler.Assemble(Inputs{
		ScheduledMins: res.Context.Fact.ScheduledMins,
		DayOfWeek:     res.DayOfWeek,
		StopIndex:     stopIndex,
		IsHoliday:     res.IsHoliday,
		IsPeak:        res.IsPeak,
		ServiceID:     req.ServiceID,
		StopName:      req.StopName,
		Origin:        origin,
		Destination:   destination,
	})
	raw, err := s.model.Predict(vec)
	if err != nil {
		return Prediction{}, fmt.Errorf("model predict: %w", err)
	}
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Prediction{}, fmt.Errorf("model predict: non-finite output %v", raw)
	}

	p := Prediction{
		PredictedDelayMins: int(raw),
		RawDelay:           raw,
		ScheduledDep:       res.Context.Fact.ScheduledDep,
		ScheduledMins:      res.Context.Fact.ScheduledMins,
		ModelVersion:       s.model.Version(),
		Scheme:             s.assembler.Scheme(),
		Features:           vec.Map(),
	}
	if res.DateMatch != nil {
		v := NewMatchView(*res.DateMatch)
		p.DateMatch = &v
	}
	return p, nil
}
