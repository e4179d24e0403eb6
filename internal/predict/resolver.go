package predict

import (
	"context"
	"fmt"
	"time"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

const DefaultWindow = 30

// Match is a historical fact chosen as nearest to a requested time.
type Match struct {
	Fact     transit.StopFact
	Distance int
}

// Resolution holds the matches found for one request along with the
// calendar attributes derived from it.
type Resolution struct {
	Date       time.Time
	TargetMins int
	DayOfWeek  int
	IsHoliday  bool
	IsPeak     bool
	StopKey    string
	DestKey    string
	Context    Match
	// DateMatch is nil when no fact shares the requested weekday.
	DateMatch *Match
}

// Resolver finds the nearest historical stop facts for a request. It only
// reads from the store and is safe for concurrent use.
type Resolver struct {
	store    history.FactStore
	calendar *timenorm.Calendar
	window   int
}

func NewResolver(store history.FactStore, cal *timenorm.Calendar, window int) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{store: store, calendar: cal, window: window}
}

// Resolve runs the context match, which must succeed, and the advisory date
// match, which may come back empty.
func (r *Resolver) Resolve(ctx context.Context, req transit.PredictionRequest) (Resolution, error) {
	day, err := timenorm.ParseDate(req.Date)
	if err != nil {
		return Resolution{}, err
	}
	target, err := timenorm.ClockToMinutes(req.Time)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		Date:       day,
		TargetMins: target,
		DayOfWeek:  timenorm.Weekday(day),
		IsHoliday:  r.calendar != nil && r.calendar.IsHoliday(day),
		StopKey:    transit.CanonicalName(req.StopName),
		DestKey:    transit.CanonicalName(req.Destination),
	}
	res.IsPeak = timenorm.IsPeakHour(target, res.DayOfWeek)

	base := history.Filter{
		ServiceID:      req.ServiceID,
		StopKey:        res.StopKey,
		DestinationKey: res.DestKey,
		Scheduled:      &history.Range{Min: target - r.window, Max: target + r.window},
	}

	contextFilter := base
	contextFilter.IsHoliday = &res.IsHoliday
	contextFilter.IsPeak = &res.IsPeak
	facts, err := r.store.Find(ctx, contextFilter)
	if err != nil {
		return Resolution{}, fmt.Errorf("context match: %w", err)
	}
	m, ok := Nearest(facts, target)
	if !ok {
		return Resolution{}, &transit.NotFoundError{
			Kind:   transit.KindHistory,
			Detail: fmt.Sprintf("no journeys of service %d at %q towards %q within %d minutes of %s", req.ServiceID, req.StopName, req.Destination, r.window, req.Time),
		}
	}
	res.Context = m

	dateFilter := base
	dateFilter.DayOfWeek = &res.DayOfWeek
	facts, err = r.store.Find(ctx, dateFilter)
	if err != nil {
		return Resolution{}, fmt.Errorf("date match: %w", err)
	}
	if dm, ok := Nearest(facts, target); ok {
		res.DateMatch = &dm
	}
	return res, nil
}

// Nearest returns the fact with the smallest |scheduled - target|. The first
// fact at the minimum distance wins, so the result follows store order.
func Nearest(facts []transit.StopFact, target int) (Match, bool) {
	best := -1
	bestDist := 0
	for i, f := range facts {
		d := f.ScheduledMins - target
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Fact: facts[best], Distance: bestDist}, true
}
