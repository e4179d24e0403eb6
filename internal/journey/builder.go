// Package journey turns one upstream journey detail into per-stop delay facts.
package journey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

// ErrNoStops is returned for a journey detail with an empty stop list.
var ErrNoStops = errors.New("journey has no stops")

// KeyStrategy selects how fact identity keys are formed.
type KeyStrategy string

const (
	// KeyJourney keys facts by service, journey, date, stop and position.
	KeyJourney KeyStrategy = "journey"
	// KeyLegacy keys facts by service and stop only, so later journeys
	// overwrite earlier ones at the same stop.
	KeyLegacy KeyStrategy = "legacy"
)

func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch KeyStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyJourney:
		return KeyJourney, nil
	case KeyLegacy:
		return KeyLegacy, nil
	}
	return "", fmt.Errorf("unknown key strategy %q", s)
}

// Builder converts journey details to stop facts. It holds no mutable state
// and may be shared between goroutines.
type Builder struct {
	Norm     timenorm.Normalizer
	Calendar *timenorm.Calendar
	Keys     KeyStrategy
	Now      func() time.Time
}

func NewBuilder(norm timenorm.Normalizer, cal *timenorm.Calendar, keys KeyStrategy) *Builder {
	return &Builder{Norm: norm, Calendar: cal, Keys: keys, Now: time.Now}
}

// Build returns exactly one fact per stop, in stop order. A stop without a
// usable scheduled time fails the whole journey.
func (b *Builder) Build(serviceID int64, journeyID string, detail transit.JourneyDetail) ([]transit.StopFact, error) {
	if len(detail.Stops) == 0 {
		return nil, ErrNoStops
	}
	if journeyID == "" {
		journeyID = detail.ID.String()
	}
	day, err := b.Norm.ServiceDate(detail.Datetime)
	if err != nil {
		return nil, fmt.Errorf("journey %s datetime: %w", journeyID, err)
	}
	dateText := timenorm.FormatDate(day)
	dow := timenorm.Weekday(day)
	holiday := b.Calendar != nil && b.Calendar.IsHoliday(day)

	origin := detail.Stops[0].Name
	destination := detail.Stops[len(detail.Stops)-1].Name
	destinationKey := transit.CanonicalName(destination)

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ingestedAt := now().UTC()

	facts := make([]transit.StopFact, 0, len(detail.Stops))
	dayOffset, prev := 0, -1
	for i, stop := range detail.Stops {
		schedText := stop.ScheduledText()
		if schedText == "" {
			return nil, fmt.Errorf("stop %d (%s): %w", i, stop.Name, &timenorm.FormatError{Reason: "no aimed departure or arrival"})
		}
		sched, err := timenorm.ClockToMinutes(schedText)
		if err != nil {
			return nil, fmt.Errorf("stop %d (%s): %w", i, stop.Name, err)
		}
		// Scheduled clocks are wall times; a large backwards jump means the
		// journey has crossed midnight.
		if prev >= 0 && sched+timenorm.MinutesPerDay/2 < prev {
			dayOffset++
		}
		prev = sched

		fact := transit.StopFact{
			ServiceID:      serviceID,
			JourneyID:      journeyID,
			StopIndex:      i,
			StopID:         stop.ID.String(),
			StopName:       stop.Name,
			StopKey:        transit.CanonicalName(stop.Name),
			Date:           dateText,
			Origin:         origin,
			Destination:    destination,
			DestinationKey: destinationKey,
			ScheduledDep:   timenorm.MinutesToClock(sched),
			ScheduledMins:  sched,
			DayOfWeek:      dow,
			IsPeak:         timenorm.IsPeakHour(sched, dow),
			IsHoliday:      holiday,
			IngestedAt:     ingestedAt,
		}
		if actualText := stop.ActualText(); actualText != "" {
			clock, mins, err := b.Norm.NormalizeActualOn(actualText, day.AddDate(0, 0, dayOffset))
			if err != nil {
				return nil, fmt.Errorf("stop %d (%s) actual time: %w", i, stop.Name, err)
			}
			delay := mins - sched
			fact.ActualDep = &clock
			fact.ActualMins = &mins
			fact.DelayMins = &delay
		}
		fact.ID = b.key(fact)
		facts = append(facts, fact)
	}
	return facts, nil
}

func (b *Builder) key(f transit.StopFact) string {
	stop := f.StopID
	if stop == "" {
		stop = strings.ReplaceAll(f.StopKey, " ", "-")
	}
	if b.Keys == KeyLegacy {
		return fmt.Sprintf("%d_%s", f.ServiceID, stop)
	}
	return fmt.Sprintf("%d_%s_%s_%s_%d", f.ServiceID, f.JourneyID, f.Date, stop, f.StopIndex)
}
