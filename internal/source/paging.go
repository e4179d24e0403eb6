package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Verdict is a visitor's decision about one listing item.
type Verdict int

const (
	Keep Verdict = iota
	Skip
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Keep:
		return "keep"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// PageFetcher fetches one page of a {results, next} listing.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string, params url.Values) (Page, error)
}

type WalkStats struct {
	Pages   int
	Seen    int
	Kept    int
	Stopped bool
}

// Walk follows a paginated listing from startURL, decoding each result as T
// and handing it to visit. params are sent with the first request only; the
// next links already carry the query. Walking ends when a page has no next
// link, visit returns Stop, or visit returns an error.
func Walk[T any](ctx context.Context, f PageFetcher, startURL string, params url.Values, visit func(T) (Verdict, error)) (WalkStats, error) {
	var stats WalkStats
	next := startURL
	for next != "" {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := f.FetchPage(ctx, next, params)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		params = nil

		for i, raw := range page.Results {
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return stats, fmt.Errorf("decode result %d of page %d: %w", i, stats.Pages, err)
			}
			stats.Seen++
			v, err := visit(item)
			if err != nil {
				return stats, err
			}
			switch v {
			case Stop:
				stats.Stopped = true
				return stats, nil
			case Keep:
				stats.Kept++
			}
		}
		next = page.Next
	}
	return stats, nil
}

// Collect walks a listing and buffers the kept items in listing order.
func Collect[T any](ctx context.Context, f PageFetcher, startURL string, params url.Values, decide func(T) Verdict) ([]T, WalkStats, error) {
	var out []T
	stats, err := Walk(ctx, f, startURL, params, func(item T) (Verdict, error) {
		v := decide(item)
		if v == Keep {
			out = append(out, item)
		}
		return v, nil
	})
	return out, stats, err
}

// DateWindow is an inclusive date range applied to a newest-first listing.
// A zero Start or End leaves that side open.
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// Verdict skips items newer than End and stops at the first item older than Start.
func (w DateWindow) Verdict(d time.Time) Verdict {
	day := truncateDay(d)
	if !w.End.IsZero() && day.After(truncateDay(w.End)) {
		return Skip
	}
	if !w.Start.IsZero() && day.Before(truncateDay(w.Start)) {
		return Stop
	}
	return Keep
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
