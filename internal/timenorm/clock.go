// Package timenorm converts between clock strings, minute offsets and the
// calendar attributes the delay model is keyed on.
package timenorm

import (
	"fmt"
	"strings"
	"time"
)

const MinutesPerDay = 24 * 60

// Peak windows in minutes since midnight, half-open.
const (
	morningPeakStart = 7 * 60
	morningPeakEnd   = 9 * 60
	eveningPeakStart = 15 * 60
	eveningPeakEnd   = 18 * 60
)

// FormatError reports a time or date string that does not parse.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid time %q: %s", e.Input, e.Reason)
}

// ClockToMinutes parses "HH:MM" into minutes since midnight.
func ClockToMinutes(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, &FormatError{Input: s, Reason: "want HH:MM"}
	}
	h, ok := digits(parts[0])
	if !ok || h > 23 {
		return 0, &FormatError{Input: s, Reason: "hour must be 00-23"}
	}
	m, ok := digits(parts[1])
	if !ok || m > 59 {
		return 0, &FormatError{Input: s, Reason: "minute must be 00-59"}
	}
	return h*60 + m, nil
}

func digits(s string) (int, bool) {
	if s == "" || len(s) > 2 {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// MinutesToClock formats minutes as "HH:MM", wrapping values outside one day.
func MinutesToClock(mins int) string {
	m := ((mins % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// IsPeakHour reports whether mins falls in [07:00, 09:00) or [15:00, 18:00) on a weekday.
// dayOfWeek is Monday=0 .. Sunday=6.
func IsPeakHour(mins, dayOfWeek int) bool {
	if dayOfWeek >= 5 {
		return false
	}
	return (mins >= morningPeakStart && mins < morningPeakEnd) ||
		(mins >= eveningPeakStart && mins < eveningPeakEnd)
}

// Weekday returns Monday=0 .. Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseDate accepts a calendar date or an ISO-8601 timestamp and returns the
// date part, in the timestamp's own offset, as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, &FormatError{Input: s, Reason: "want YYYY-MM-DD or an ISO-8601 timestamp"}
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format("2006-01-02") }
