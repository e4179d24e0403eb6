package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/journey"
	"bus-delay-predictor/internal/publisher"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

type fakeSource struct {
	mu      sync.Mutex
	pages   map[string]source.Page
	details map[string]transit.JourneyDetail
	failing map[string]bool
	fetched []string
}

func (f *fakeSource) FetchPage(_ context.Context, rawURL string, _ url.Values) (source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	p, ok := f.pages[rawURL]
	if !ok {
		return source.Page{}, &source.UpstreamFetchError{URL: rawURL, Status: 503, Err: errors.New("unavailable")}
	}
	return p, nil
}

func (f *fakeSource) JourneysURL(serviceID int64) string { return fmt.Sprintf("journeys/%d", serviceID) }
func (f *fakeSource) ServicesURL() string                { return "services" }

func (f *fakeSource) FetchJourneyDetail(_ context.Context, serviceID int64, journeyID string) (transit.JourneyDetail, error) {
	key := fmt.Sprintf("%d/%s", serviceID, journeyID)
	if f.failing[key] {
		return transit.JourneyDetail{}, &source.UpstreamFetchError{URL: key, Status: 500, Err: errors.New("boom")}
	}
	return f.details[key], nil
}

func raw(t *testing.T, items ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		b, err := json.Marshal(it)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func detail(date string, n int) transit.JourneyDetail {
	d := transit.JourneyDetail{Datetime: date + "T08:00:00+01:00"}
	for i := 0; i < n; i++ {
		d.Stops = append(d.Stops, transit.StopVisit{
			ID:              transit.FlexID(fmt.Sprint(100 + i)),
			Name:            fmt.Sprintf("Stop %d", i),
			AimedDeparture:  timenorm.MinutesToClock(480 + 5*i),
			ActualDeparture: fmt.Sprintf("%sT07:%02d:00Z", date, 2+5*i),
		})
	}
	return d
}

func testBuilder() *journey.Builder {
	return journey.NewBuilder(timenorm.NewNormalizer(1), timenorm.NewEnglandCalendar(), journey.KeyJourney)
}

type flakyStore struct {
	*history.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) BulkUpsert(ctx context.Context, facts []transit.StopFact) (history.UpsertResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return history.UpsertResult{}, errors.New("connection reset")
	}
	return s.Memory.BulkUpsert(ctx, facts)
}

func TestBatcherIdempotentRerun(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemory()
	facts, err := testBuilder().Build(1, "j1", detail("2024-01-03", 7))
	require.NoError(t, err)

	var results []BatchResult
	run := func() Totals {
		b := NewBatcher(store, BatcherOptions{Size: 3, OnBatch: func(r BatchResult) { results = append(results, r) }})
		require.NoError(t, b.Add(ctx, facts...))
		require.NoError(t, b.Flush(ctx))
		return b.Totals()
	}

	first := run()
	assert.Equal(t, Totals{Batches: 3, Inserted: 7}, first)
	assert.Equal(t, []int{3, 3, 1}, []int{results[0].Size, results[1].Size, results[2].Size})

	second := run()
	assert.Equal(t, Totals{Batches: 3, Updated: 7}, second)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestBatcherRetriesFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: history.NewMemory(), failures: 2}
	facts, err := testBuilder().Build(1, "j1", detail("2024-01-03", 2))
	require.NoError(t, err)

	var res BatchResult
	b := NewBatcher(store, BatcherOptions{Size: 10, WriteRetries: 3, RetryBackoff: time.Millisecond, OnBatch: func(r BatchResult) { res = r }})
	require.NoError(t, b.Add(ctx, facts...))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Inserted)
}

func TestBatcherAbortsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: history.NewMemory(), failures: -1}
	facts, err := testBuilder().Build(1, "j1", detail("2024-01-03", 5))
	require.NoError(t, err)

	var failed []BatchResult
	b := NewBatcher(store, BatcherOptions{
		Size:                   2,
		WriteRetries:           1,
		RetryBackoff:           time.Millisecond,
		MaxConsecutiveFailures: 2,
		OnBatch:                func(r BatchResult) { failed = append(failed, r) },
	})
	err = b.Add(ctx, facts...)
	require.ErrorIs(t, err, ErrTooManyWriteFailures)
	var werr *history.WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, 2, werr.Batch)

	require.Len(t, failed, 2)
	for _, r := range failed {
		assert.Error(t, r.Err)
		assert.Equal(t, 2, r.Attempts)
	}
	assert.Equal(t, 4, b.Totals().Dropped)
	assert.Equal(t, 4, store.calls)
}

func TestBatcherPauseHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := history.NewMemory()
	facts, err := testBuilder().Build(1, "j1", detail("2024-01-03", 2))
	require.NoError(t, err)

	b := NewBatcher(store, BatcherOptions{Size: 1, Pause: time.Hour})
	require.NoError(t, b.Add(ctx, facts[0]))
	cancel()
	assert.ErrorIs(t, b.Add(ctx, facts[1]), context.Canceled)
}

type recordingSink struct {
	mu       sync.Mutex
	batches  []publisher.BatchEvent
	services []publisher.ServiceEvent
}

func (s *recordingSink) PublishBatch(ev publisher.BatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ev)
	return nil
}

func (s *recordingSink) PublishService(ev publisher.ServiceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, ev)
	return nil
}

func newFakeSource(t *testing.T) *fakeSource {
	return &fakeSource{
		pages: map[string]source.Page{
			"journeys/1": {
				Results: raw(t,
					map[string]any{"id": 11, "datetime": "2025-04-25T08:00:00Z"},
					map[string]any{"id": 12, "datetime": "2025-04-24T08:00:00Z"},
					map[string]any{"id": 13, "datetime": "2025-04-24T09:00:00Z"},
				),
				Next: "journeys/1?page=2",
			},
			"journeys/1?page=2": {
				Results: raw(t,
					map[string]any{"id": 14, "datetime": "2025-04-23T08:00:00Z"},
					map[string]any{"id": 15, "datetime": "2025-04-22T08:00:00Z"},
				),
				Next: "journeys/1?page=3",
			},
			"journeys/2": {
				Results: raw(t, map[string]any{"id": 21, "datetime": "2025-04-24T08:00:00Z"}),
			},
		},
		details: map[string]transit.JourneyDetail{
			"1/12": detail("2025-04-24", 3),
			"1/13": {Datetime: "2025-04-24T09:00:00Z"},
			"1/14": detail("2025-04-23", 4),
			"2/21": detail("2025-04-24", 2),
		},
		failing: map[string]bool{"1/13": false},
	}
}

func TestRunnerIngestsWindowAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(t)
	store := history.NewMemory()
	sink := &recordingSink{}
	opts := Options{
		Window: source.DateWindow{
			Start: time.Date(2025, 4, 23, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 4, 24, 0, 0, 0, 0, time.UTC),
		},
		Batch: BatcherOptions{Size: 4},
	}
	r := NewRunner(src, store, testBuilder(), opts, nil, sink)

	rep, err := r.Run(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, rep.Services, 3)

	s1 := rep.Services[0]
	assert.NoError(t, s1.Err)
	assert.Equal(t, 2, s1.Pages)
	assert.Equal(t, 3, s1.JourneysListed)
	assert.Equal(t, 2, s1.JourneysIngested)
	assert.Equal(t, 1, s1.JourneysSkipped, "journey without stops")
	assert.Equal(t, 7, s1.Facts)
	assert.Equal(t, 7, s1.Inserted)
	assert.NotContains(t, src.fetched, "journeys/1?page=3")

	assert.NoError(t, rep.Services[1].Err)
	assert.Equal(t, 2, rep.Services[1].Inserted)

	var ue *source.UpstreamFetchError
	assert.True(t, errors.As(rep.Services[2].Err, &ue), "listing failure is recorded per service")
	require.Len(t, rep.Failed(), 1)

	assert.Len(t, sink.services, 3)
	assert.Len(t, sink.batches, 3)
	for _, ev := range sink.batches {
		assert.Equal(t, rep.RunID, ev.RunID)
	}

	again, err := NewRunner(src, store, testBuilder(), opts, nil, nil).Run(ctx, []int64{1, 2})
	require.NoError(t, err)
	tot := again.Totals()
	assert.Equal(t, 0, tot.Inserted)
	assert.Equal(t, 9, tot.Updated)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}

func TestRunnerSkipsUnavailableDetail(t *testing.T) {
	src := newFakeSource(t)
	src.failing["1/12"] = true
	store := history.NewMemory()
	opts := Options{Window: source.DateWindow{Start: time.Date(2025, 4, 23, 0, 0, 0, 0, time.UTC)}, Workers: 2}

	rep, err := NewRunner(src, store, testBuilder(), opts, nil, nil).Run(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	s1 := rep.Services[0]
	assert.NoError(t, s1.Err)
	assert.Equal(t, 4, s1.JourneysListed)
	assert.Equal(t, 3, s1.JourneysSkipped, "two without stops, one unavailable")
	assert.Equal(t, 1, s1.JourneysIngested)
	assert.Equal(t, 1, rep.Services[1].JourneysIngested)
}

func TestRunnerWindowUsesLocalServiceDate(t *testing.T) {
	late := transit.JourneyDetail{
		Datetime: "2025-04-23T23:30:00Z",
		Stops: []transit.StopVisit{
			{ID: "7", Name: "Stop 7", AimedDeparture: "00:30", ActualDeparture: "2025-04-23T23:33:00Z"},
		},
	}
	src := &fakeSource{
		pages: map[string]source.Page{
			"journeys/4": {
				Results: raw(t,
					map[string]any{"id": 41, "datetime": "2025-04-24T23:10:00Z"},
					map[string]any{"id": 42, "datetime": "2025-04-23T23:30:00Z"},
					map[string]any{"id": 43, "datetime": "2025-04-23T22:30:00Z"},
				),
				Next: "journeys/4?page=2",
			},
		},
		details: map[string]transit.JourneyDetail{"4/42": late},
	}
	store := history.NewMemory()
	day := time.Date(2025, 4, 24, 0, 0, 0, 0, time.UTC)
	opts := Options{Window: source.DateWindow{Start: day, End: day}}

	rep, err := NewRunner(src, store, testBuilder(), opts, nil, nil).Run(context.Background(), []int64{4})
	require.NoError(t, err)
	s := rep.Services[0]
	require.NoError(t, s.Err)
	assert.Equal(t, 1, s.JourneysListed, "41 is local 04-25, 43 is local 04-23")
	assert.Equal(t, 1, s.JourneysIngested)
	assert.NotContains(t, src.fetched, "journeys/4?page=2")

	facts, err := store.Find(context.Background(), history.Filter{ServiceID: 4})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "2025-04-24", facts[0].Date)
	assert.Equal(t, 3, *facts[0].DelayMins)
}

func TestRunnerAbortsOnWriteFailures(t *testing.T) {
	src := newFakeSource(t)
	store := &flakyStore{Memory: history.NewMemory(), failures: -1}
	opts := Options{
		Window: source.DateWindow{Start: time.Date(2025, 4, 23, 0, 0, 0, 0, time.UTC)},
		Batch:  BatcherOptions{Size: 2, RetryBackoff: time.Millisecond, MaxConsecutiveFailures: 2},
	}
	rep, err := NewRunner(src, store, testBuilder(), opts, nil, nil).Run(context.Background(), []int64{1, 2})
	require.ErrorIs(t, err, ErrTooManyWriteFailures)
	assert.Len(t, rep.Failed(), 2)
}

func TestSyncServicesFiltersOperators(t *testing.T) {
	src := &fakeSource{pages: map[string]source.Page{
		"services": {
			Results: raw(t,
				map[string]any{"id": 1, "line_name": "36", "description": "Bolton - Manchester", "region_id": "NW", "mode": "bus", "operator": []string{"BNML", "XYZ"}},
				map[string]any{"id": 2, "line_name": "X1", "description": "Leeds - York", "region_id": "NW", "mode": "bus", "operator": []string{"ABC"}},
			),
			Next: "services?page=2",
		},
		"services?page=2": {
			Results: raw(t, map[string]any{"id": 3, "line_name": "50", "description": "Circular", "operator": []string{"BNSM"}}),
		},
	}}
	store := history.NewMemory()
	opts := CatalogueOptions{Region: "NW", Operators: []string{"BNML", "BNSM"}}

	rep, err := SyncServices(context.Background(), src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Pages: 2, Seen: 3, Kept: 2, Inserted: 2}, rep)

	svc, err := store.GetService(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "BNML", svc.Operator)
	assert.Equal(t, "36", svc.Number)

	rep, err = SyncServices(context.Background(), src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Updated)
}
