package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

type fakePages struct {
	pages   map[string]Page
	fetched []string
	params  []url.Values
}

func (f *fakePages) FetchPage(_ context.Context, rawURL string, params url.Values) (Page, error) {
	f.fetched = append(f.fetched, rawURL)
	f.params = append(f.params, params)
	p, ok := f.pages[rawURL]
	if !ok {
		return Page{}, fmt.Errorf("unexpected page %s", rawURL)
	}
	return p, nil
}

func results(t *testing.T, items ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		b, err := json.Marshal(it)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestWalkDateWindow(t *testing.T) {
	f := &fakePages{pages: map[string]Page{
		"p1": {
			Results: results(t,
				map[string]any{"id": 1, "datetime": "2025-04-25T08:00:00Z"},
				map[string]any{"id": 2, "datetime": "2025-04-24T08:00:00Z"},
				map[string]any{"id": 3, "datetime": "2025-04-22T08:00:00Z"},
			),
			Next: "p2",
		},
	}}
	w := DateWindow{
		Start: time.Date(2025, 4, 23, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 4, 24, 0, 0, 0, 0, time.UTC),
	}

	var kept []string
	stats, err := Walk(context.Background(), f, "p1", url.Values{"page_size": {"100"}}, func(j transit.JourneySummary) (Verdict, error) {
		d, err := timenorm.ParseDate(j.Datetime)
		if err != nil {
			return Skip, err
		}
		v := w.Verdict(d)
		if v == Keep {
			kept = append(kept, j.ID.String())
		}
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, kept)
	assert.True(t, stats.Stopped)
	assert.Equal(t, 3, stats.Seen)
	assert.Equal(t, []string{"p1"}, f.fetched, "next page must not be fetched after Stop")
}

func TestWalkParamsOnlyOnFirstPage(t *testing.T) {
	f := &fakePages{pages: map[string]Page{
		"p1": {Results: results(t, map[string]any{"id": 1}), Next: "p2"},
		"p2": {Results: results(t, map[string]any{"id": 2})},
	}}
	items, stats, err := Collect(context.Background(), f, "p1", url.Values{"page_size": {"2"}}, func(transit.JourneySummary) Verdict { return Keep })
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, "2", f.params[0].Get("page_size"))
	assert.Nil(t, f.params[1])
}

func TestWalkEmptyFirstPage(t *testing.T) {
	f := &fakePages{pages: map[string]Page{"p1": {}}}
	items, stats, err := Collect(context.Background(), f, "p1", nil, func(transit.JourneySummary) Verdict { return Keep })
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, stats.Pages)
}

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	c, err := NewClient(Options{BaseURL: srv.URL, MaxRetries: retries, InitialBackoff: time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/services/12/journeys/345.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"datetime":"2024-01-01T08:00:00Z","stops":[{"id":1,"name":"A","aimed_departure_time":"08:00"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 5)
	var retries int
	c.OnRetry = func(error, time.Duration) { retries++ }

	d, err := c.FetchJourneyDetail(context.Background(), 12, "345")
	require.NoError(t, err)
	require.Len(t, d.Stops, 1)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, retries)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 2).FetchJourneyDetail(context.Background(), 1, "1")
	var ue *UpstreamFetchError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 5).FetchJourneyDetail(context.Background(), 1, "1")
	var ue *UpstreamFetchError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.Status)
	assert.False(t, ue.Temporary())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientFetchPageFollowsNext(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"results":[{"id":3}],"next":null}`))
			return
		}
		assert.Equal(t, "7", r.URL.Query().Get("service"))
		assert.Equal(t, "2", r.URL.Query().Get("page_size"))
		fmt.Fprintf(w, `{"results":[{"id":1},{"id":2}],"next":"%s/api/vehiclejourneys/?service=7&page=2"}`, srv.URL)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)
	items, stats, err := Collect(context.Background(), c, c.JourneysURL(7), url.Values{"page_size": {"2"}}, func(transit.JourneySummary) Verdict { return Keep })
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 2, stats.Pages)
}

func TestRetryAfterStretchesBackoff(t *testing.T) {
	b := &retryAfterBackOff{BackOff: &constant{d: time.Millisecond}}
	b.wait = 2 * time.Second
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, time.Millisecond, b.NextBackOff())
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter("soon"))
}

type constant struct{ d time.Duration }

func (c *constant) NextBackOff() time.Duration { return c.d }
func (c *constant) Reset()                     {}
