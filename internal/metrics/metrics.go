package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	PagesFetched     prometheus.Counter
	JourneysIngested prometheus.Counter
	JourneysSkipped  *prometheus.CounterVec // reason label: fetch|no_stops|format
	FactsBuilt       prometheus.Counter
	UpstreamRetries  prometheus.Counter
	ServicesFinished *prometheus.CounterVec // result label: ok|failed

	Batches         *prometheus.CounterVec // result label: ok|failed
	RecordsUpserted *prometheus.CounterVec // op label: inserted|updated
	FactsDropped    prometheus.Counter
	BatchDuration   prometheus.Histogram

	Predictions       *prometheus.CounterVec // outcome label: ok|bad_request|not_found|error
	PredictDuration   prometheus.Histogram
	CacheLookups      *prometheus.CounterVec // result label: hit|miss
	NATSPublished     prometheus.Counter
	NATSPublishErrs   prometheus.Counter
	NATSConnected     prometheus.Gauge
	PublishDuration   prometheus.Histogram
	BatchSize         prometheus.Gauge
	BatchPauseSeconds prometheus.Gauge
}

func NewCollector(batchSize int, batchPause time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pages_fetched_total",
			Help: "Total listing pages fetched from the source.",
		}),
		JourneysIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_journeys_total",
			Help: "Total journeys turned into stop facts.",
		}),
		JourneysSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_journeys_skipped_total",
			Help: "Journeys skipped, by reason.",
		}, []string{"reason"}),
		FactsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_facts_built_total",
			Help: "Total stop facts built.",
		}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_upstream_retries_total",
			Help: "Total retried requests to the source.",
		}),
		ServicesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_services_total",
			Help: "Services processed, by result.",
		}, []string{"result"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_total",
			Help: "Upsert batches written, by result.",
		}, []string{"result"}),
		RecordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_upserted_total",
			Help: "Stop facts upserted, by operation.",
		}, []string{"op"}),
		FactsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_facts_dropped_total",
			Help: "Stop facts in batches that failed after retries.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_write_duration_seconds",
			Help:    "Duration of one bulk upsert including retries.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_requests_total",
			Help: "Prediction requests, by outcome.",
		}, []string{"outcome"}),
		PredictDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_duration_seconds",
			Help:    "Duration of match resolution, feature assembly and model evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_cache_lookups_total",
			Help: "Prediction cache lookups, by result.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_batch_size",
			Help: "Configured upsert batch size.",
		}),
		BatchPauseSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_batch_pause_seconds",
			Help: "Configured pause between batches in seconds.",
		}),
	}

	reg.MustRegister(
		c.PagesFetched, c.JourneysIngested, c.JourneysSkipped, c.FactsBuilt,
		c.UpstreamRetries, c.ServicesFinished,
		c.Batches, c.RecordsUpserted, c.FactsDropped, c.BatchDuration,
		c.Predictions, c.PredictDuration, c.CacheLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.BatchSize, c.BatchPauseSeconds,
	)

	c.BatchSize.Set(float64(batchSize))
	c.BatchPauseSeconds.Set(batchPause.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// WatchLookupHitRate exports the in-process lookup cache hit ratio, read
// from fn at scrape time.
func (c *Collector) WatchLookupHitRate(fn func() float64) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "predict_lookup_cache_hit_ratio",
		Help: "Hit ratio of the service and stop-index lookup caches.",
	}, fn))
}

// Publisher adapts the collector to publisher.PublisherMetrics.
func (c *Collector) Publisher() *PublisherAdapter { return &PublisherAdapter{c: c} }

type PublisherAdapter struct{ c *Collector }

func (p *PublisherAdapter) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *PublisherAdapter) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *PublisherAdapter) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *PublisherAdapter) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
