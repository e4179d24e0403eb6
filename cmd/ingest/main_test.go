package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestEnv(t *testing.T, sourceURL string) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SOURCE_BASE_URL", sourceURL)
	t.Setenv("SOURCE_MAX_RETRIES", "0")
	t.Setenv("BATCH_PAUSE_SEC", "0")
	t.Setenv("DETAIL_DELAY_MS", "0")
	t.Setenv("NATS_URL", "")
	t.Setenv("METRICS_ADDR", "127.0.0.1:0")
}

func TestRunExitCodes(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/services/":
			_, _ = w.Write([]byte(`{"results": [{"id": 1, "line_name": "36", "description": "Bolton - Manchester",
				"region_id": "NW", "mode": "bus", "operator": ["BNML"]}], "next": null}`))
		case "/api/vehiclejourneys/":
			_, _ = w.Write([]byte(`{"results": [], "next": null}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()

	tests := []struct {
		name   string
		source string
		args   []string
		want   int
	}{
		{"bad mode", healthy.URL, []string{"-mode=everything"}, 2},
		{"bad service ids", healthy.URL, []string{"-services=1,x"}, 2},
		{"unknown flag", healthy.URL, []string{"-verbose"}, 2},
		{"service sync", healthy.URL, []string{"-mode=services"}, 0},
		{"sync then journeys", healthy.URL, []string{"-mode=all"}, 0},
		{"journeys for explicit services", healthy.URL, []string{"-services=1"}, 0},
		{"no stored services", healthy.URL, nil, 0},
		{"source down", broken.URL, []string{"-mode=services"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingestEnv(t, tt.source)
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	ingestEnv(t, "http://127.0.0.1:1")
	t.Setenv("STORE_BACKEND", "sqlite")
	assert.Equal(t, 1, run([]string{"-mode=services"}))
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 3, 9 ,,12")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9, 12}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseIDs("3,abc")
	assert.Error(t, err)
}
