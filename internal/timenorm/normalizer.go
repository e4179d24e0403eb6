package timenorm

import (
	"strings"
	"time"
)

// Normalizer converts upstream UTC instants to the local wall clock by a
// fixed offset. The source reports UTC and the historic data was produced
// with a constant +1h shift, so no zone database is consulted.
type Normalizer struct {
	Offset time.Duration
}

func NewNormalizer(offsetHours float64) Normalizer {
	return Normalizer{Offset: time.Duration(offsetHours * float64(time.Hour))}
}

// Local parses an ISO-8601 instant and returns it shifted by the offset,
// expressed as a UTC-located wall clock.
func (n Normalizer) Local(ts string) (time.Time, error) {
	s := strings.TrimSpace(ts)
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	var (
		t   time.Time
		err error
	)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC().Add(n.Offset), nil
		}
	}
	return time.Time{}, &FormatError{Input: ts, Reason: "want an ISO-8601 instant"}
}

// NormalizeActual returns the local "HH:MM" clock of an instant and its
// minutes since local midnight.
func (n Normalizer) NormalizeActual(ts string) (string, int, error) {
	t, err := n.Local(ts)
	if err != nil {
		return "", 0, err
	}
	return t.Format("15:04"), t.Hour()*60 + t.Minute(), nil
}

// NormalizeActualOn is NormalizeActual with minutes measured from midnight of
// serviceDate, so an instant after midnight on the following day yields a
// value of 1440 or more and one before it a negative value.
func (n Normalizer) NormalizeActualOn(ts string, serviceDate time.Time) (string, int, error) {
	t, err := n.Local(ts)
	if err != nil {
		return "", 0, err
	}
	day := time.Date(serviceDate.Year(), serviceDate.Month(), serviceDate.Day(), 0, 0, 0, 0, time.UTC)
	secs := int64(t.Sub(day) / time.Second)
	mins := secs / 60
	if secs < 0 && secs%60 != 0 {
		mins--
	}
	return t.Format("15:04"), int(mins), nil
}

// ServiceDate returns the local calendar date of a journey start. Instants
// are shifted by the offset before the date is taken, so a start just after
// local midnight belongs to the later day. A bare date is already local.
func (n Normalizer) ServiceDate(ts string) (time.Time, error) {
	if !strings.Contains(ts, "T") {
		return ParseDate(ts)
	}
	t, err := n.Local(ts)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
