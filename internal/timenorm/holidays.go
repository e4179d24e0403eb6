package timenorm

import (
	"sync"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/gb"
)

// Calendar answers public-holiday membership for England and Wales. A
// substitute day counts as a holiday as well as the day it stands in for.
// Lookups are cached per date; a Calendar is safe for concurrent use.
type Calendar struct {
	bc    *cal.BusinessCalendar
	extra map[string]bool

	mu   sync.Mutex
	seen map[string]bool
}

// Bank holidays moved away from their usual date by proclamation. The moved
// and one-off dates themselves are added as single-year holidays.
var (
	movedAway = map[string]bool{
		"1995-05-01": true,
		"2002-05-27": true,
		"2012-05-28": true,
		"2020-05-04": true,
		"2022-05-30": true,
	}
	proclaimed = []time.Time{
		date(1995, time.May, 8),
		date(1999, time.December, 31),
		date(2002, time.June, 3),
		date(2002, time.June, 4),
		date(2011, time.April, 29),
		date(2012, time.June, 4),
		date(2012, time.June, 5),
		date(2020, time.May, 8),
		date(2022, time.June, 2),
		date(2022, time.June, 3),
		date(2022, time.September, 19),
		date(2023, time.May, 8),
	}
)

// NewEnglandCalendar builds the England and Wales bank-holiday calendar,
// with any extra dates treated as holidays too.
func NewEnglandCalendar(extra ...time.Time) *Calendar {
	bc := cal.NewBusinessCalendar()
	bc.AddHoliday(gb.Holidays...)
	for _, d := range proclaimed {
		bc.AddHoliday(oneDay("Proclaimed bank holiday", d))
	}
	c := &Calendar{bc: bc, extra: make(map[string]bool, len(extra)), seen: make(map[string]bool)}
	for _, d := range extra {
		c.extra[FormatDate(d)] = true
	}
	return c
}

// IsHoliday reports whether the calendar date of t is a public holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	day := date(t.Year(), t.Month(), t.Day())
	key := FormatDate(day)
	if c.extra[key] {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.seen[key]; ok {
		return h
	}
	actual, observed, _ := c.bc.IsHoliday(day)
	h := (actual || observed) && !movedAway[key]
	c.seen[key] = h
	return h
}

func oneDay(name string, d time.Time) *cal.Holiday {
	return &cal.Holiday{
		Name:      name,
		Type:      cal.ObservanceBank,
		Month:     d.Month(),
		Day:       d.Day(),
		StartYear: d.Year(),
		EndYear:   d.Year(),
		Func:      cal.CalcDayOfMonth,
	}
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
