// Package history defines the delay history store and an in-memory
// implementation of it.
package history

import (
	"context"
	"fmt"

	"bus-delay-predictor/internal/transit"
)

// Range is an inclusive integer range.
type Range struct {
	Min, Max int
}

// Filter selects stop facts. Zero-valued fields do not constrain the result.
type Filter struct {
	ServiceID      int64
	StopKey        string
	DestinationKey string
	Scheduled      *Range
	DayOfWeek      *int
	IsHoliday      *bool
	IsPeak         *bool
	// OnlyDelayed keeps facts that carry an observed delay.
	OnlyDelayed bool
	// Limit caps the number of facts returned; 0 means no cap.
	Limit int
}

// Match reports whether f satisfies the filter, ignoring Limit.
func (flt Filter) Match(f transit.StopFact) bool {
	if flt.ServiceID != 0 && f.ServiceID != flt.ServiceID {
		return false
	}
	if flt.StopKey != "" && f.StopKey != flt.StopKey {
		return false
	}
	if flt.DestinationKey != "" && f.DestinationKey != flt.DestinationKey {
		return false
	}
	if flt.Scheduled != nil && (f.ScheduledMins < flt.Scheduled.Min || f.ScheduledMins > flt.Scheduled.Max) {
		return false
	}
	if flt.DayOfWeek != nil && f.DayOfWeek != *flt.DayOfWeek {
		return false
	}
	if flt.IsHoliday != nil && f.IsHoliday != *flt.IsHoliday {
		return false
	}
	if flt.IsPeak != nil && f.IsPeak != *flt.IsPeak {
		return false
	}
	if flt.OnlyDelayed && f.DelayMins == nil {
		return false
	}
	return true
}

// UpsertResult counts the outcome of a bulk upsert. Updated counts records
// that already existed under the same key, whether or not they changed.
type UpsertResult struct {
	Inserted int
	Updated  int
}

func (r UpsertResult) Add(o UpsertResult) UpsertResult {
	return UpsertResult{Inserted: r.Inserted + o.Inserted, Updated: r.Updated + o.Updated}
}

// FactStore holds stop facts keyed by their identity key.
type FactStore interface {
	// BulkUpsert writes all facts as one unit.
	BulkUpsert(ctx context.Context, facts []transit.StopFact) (UpsertResult, error)
	// Find returns matching facts ordered by identity key.
	Find(ctx context.Context, f Filter) ([]transit.StopFact, error)
	// Each streams matching facts ordered by identity key.
	Each(ctx context.Context, f Filter, fn func(transit.StopFact) error) error
	Count(ctx context.Context) (int64, error)
}

// ServiceStore holds the service catalogue.
type ServiceStore interface {
	UpsertServices(ctx context.Context, services []transit.Service) (UpsertResult, error)
	GetService(ctx context.Context, id int64) (transit.Service, error)
	ListServiceIDs(ctx context.Context) ([]int64, error)
	SearchServices(ctx context.Context, query string, limit int) ([]transit.Service, error)
}

type Store interface {
	FactStore
	ServiceStore
}

// WriteError wraps a failed batch write.
type WriteError struct {
	Batch int
	Size  int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch %d (%d facts): %v", e.Batch, e.Size, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StopIndex returns the position of a stop on a service, taken from the
// lowest-keyed fact recorded for it.
func StopIndex(ctx context.Context, s FactStore, serviceID int64, stopKey string) (int, error) {
	facts, err := s.Find(ctx, Filter{ServiceID: serviceID, StopKey: stopKey, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("find stop index: %w", err)
	}
	if len(facts) == 0 {
		return 0, &transit.NotFoundError{Kind: transit.KindStop, Detail: fmt.Sprintf("stop %q on service %d", stopKey, serviceID)}
	}
	return facts[0].StopIndex, nil
}
