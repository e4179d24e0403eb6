package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bus-delay-predictor/internal/backend"
	"bus-delay-predictor/internal/config"
	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/ingest"
	"bus-delay-predictor/internal/journey"
	"bus-delay-predictor/internal/logging"
	"bus-delay-predictor/internal/metrics"
	"bus-delay-predictor/internal/publisher"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/timenorm"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup (NATS drain, metrics
// server shutdown, store close) always happens before exit.
func run(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	mode := fs.String("mode", "journeys", "what to ingest: services, journeys or all")
	servicesFlag := fs.String("services", "", "comma-separated service ids (default: every stored service)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logging.Init("")

	switch *mode {
	case "services", "journeys", "all":
	default:
		log.Printf("invalid -mode %q: want services, journeys or all", *mode)
		return 2
	}
	ids, err := parseIDs(*servicesFlag)
	if err != nil {
		log.Printf("invalid -services: %v", err)
		return 2
	}

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		return 1
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.BatchSize, cfg.BatchPause)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Optional NATS publisher for ingestion events
	var sink ingest.EventSink
	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if mcol != nil {
			pm = mcol.Publisher()
		}
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, pm)
		if err != nil {
			log.Printf("nats error: %v", err)
			return 1
		}
		defer pub.Close()
		sink = pub
	}

	store, closeStore, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Printf("store error: %v", err)
		return 1
	}
	defer closeStore()

	client, err := source.NewClient(source.Options{
		BaseURL:    cfg.SourceBaseURL,
		Timeout:    cfg.SourceTimeout,
		MaxRetries: cfg.SourceMaxRetries,
	})
	if err != nil {
		log.Printf("source error: %v", err)
		return 1
	}
	if mcol != nil {
		client.OnRetry = func(error, time.Duration) { mcol.UpstreamRetries.Inc() }
	}

	if *mode == "services" || *mode == "all" {
		rep, err := ingest.SyncServices(ctx, client, store, ingest.CatalogueOptions{
			PageSize:  cfg.PageSize,
			Region:    cfg.RegionID,
			Operators: cfg.Operators,
		})
		if err != nil {
			log.Printf("service sync failed: %v", err)
			return 1
		}
		log.Printf("service sync: %d pages, %d seen, %d kept, %d inserted, %d updated",
			rep.Pages, rep.Seen, rep.Kept, rep.Inserted, rep.Updated)
	}

	if *mode == "journeys" || *mode == "all" {
		if err := runJourneys(ctx, cfg, client, store, ids, mcol, sink); err != nil {
			log.Printf("journey ingestion failed: %v", err)
			return 1
		}
	}

	log.Println("shutdown complete")
	return 0
}

func runJourneys(ctx context.Context, cfg *config.Config, client *source.Client, store history.Store, ids []int64, mcol *metrics.Collector, sink ingest.EventSink) error {
	keys, err := journey.ParseKeyStrategy(cfg.KeyStrategy)
	if err != nil {
		return err
	}
	if keys == journey.KeyLegacy {
		log.Printf("WARNING: KEY_STRATEGY=legacy keys facts by service and stop id only; journeys overwrite each other")
	}
	if len(ids) == 0 {
		if ids, err = store.ListServiceIDs(ctx); err != nil {
			return err
		}
		if len(ids) == 0 {
			log.Printf("no services stored; run with -mode=services first")
			return nil
		}
	}

	builder := journey.NewBuilder(
		timenorm.NewNormalizer(cfg.UTCOffsetHours),
		timenorm.NewEnglandCalendar(cfg.ExtraHolidays...),
		keys,
	)
	runner := ingest.NewRunner(client, store, builder, ingest.Options{
		Window:      source.DateWindow{Start: cfg.StartDate, End: cfg.EndDate},
		PageSize:    cfg.PageSize,
		DetailDelay: cfg.DetailDelay,
		Workers:     cfg.IngestWorkers,
		Batch: ingest.BatcherOptions{
			Size:                   cfg.BatchSize,
			Pause:                  cfg.BatchPause,
			WriteRetries:           cfg.WriteRetries,
			MaxConsecutiveFailures: cfg.MaxBatchFailures,
		},
	}, mcol, sink)

	rep, err := runner.Run(ctx, ids)
	t := rep.Totals()
	log.Printf("ingest run %s: %d services in %s: %d journeys ingested, %d skipped, %d facts (%d inserted, %d updated, %d dropped)",
		rep.RunID, len(rep.Services), rep.Finished.Sub(rep.Started).Round(time.Second),
		t.JourneysIngested, t.JourneysSkipped, t.Facts, t.Inserted, t.Updated, t.Dropped)
	for _, s := range rep.Failed() {
		log.Printf("  service %d: %v", s.ServiceID, s.Err)
	}
	return err
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
