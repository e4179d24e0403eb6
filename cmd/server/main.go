package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"bus-delay-predictor/internal/api"
	"bus-delay-predictor/internal/backend"
	"bus-delay-predictor/internal/cache"
	"bus-delay-predictor/internal/config"
	"bus-delay-predictor/internal/logging"
	"bus-delay-predictor/internal/metrics"
	"bus-delay-predictor/internal/model"
	"bus-delay-predictor/internal/predict"
	"bus-delay-predictor/internal/scrape"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/timenorm"
)

func main() {
	logging.Init("")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The model pins the feature scheme; a mismatched artifact fails startup.
	m, err := model.Load(cfg.ModelDir)
	if err != nil {
		log.Fatalf("model error: %v", err)
	}
	log.Printf("loaded model %s (%s scheme, %d trees) from %s", m.Version(), m.Scheme(), m.Trees(), cfg.ModelDir)

	store, closeStore, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer closeStore()

	assembler, err := predict.NewAssembler(m.Scheme(), m)
	if err != nil {
		log.Fatalf("assembler error: %v", err)
	}
	lookups := cache.NewLookups(store, 4096, cfg.CacheTTL)
	resolver := predict.NewResolver(store, timenorm.NewEnglandCalendar(cfg.ExtraHolidays...), cfg.MatchWindow)
	predictor := predict.NewService(resolver, assembler, m, lookups, lookups)

	responses, err := cache.NewResponseCache(ctx, cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		log.Printf("prediction cache disabled: %v", err)
	}
	defer responses.Close()

	client, err := source.NewClient(source.Options{
		BaseURL:    cfg.SourceBaseURL,
		Timeout:    cfg.SourceTimeout,
		MaxRetries: cfg.SourceMaxRetries,
	})
	if err != nil {
		log.Fatalf("source error: %v", err)
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.BatchSize, cfg.BatchPause)
		client.OnRetry = func(error, time.Duration) { mcol.UpstreamRetries.Inc() }
		mcol.WatchLookupHitRate(lookups.HitRate)
	}

	srv := api.New(api.Options{
		Addr:           cfg.HTTPAddr,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, api.Deps{
		Services:  store,
		Predictor: predictor,
		Scraper:   scrape.New(client),
		Cache:     responses,
		Metrics:   mcol,
	})
	log.Printf("REST API listening on %s", cfg.HTTPAddr)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("shutdown complete")
}
