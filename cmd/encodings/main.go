package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"bus-delay-predictor/internal/backend"
	"bus-delay-predictor/internal/config"
	"bus-delay-predictor/internal/logging"
	"bus-delay-predictor/internal/model"
)

func main() {
	out := flag.String("out", "", "output file (default: $MODEL_DIR/encodings.json)")
	flag.Parse()

	logging.Init("")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	path := *out
	if path == "" {
		path = filepath.Join(cfg.ModelDir, "encodings.json")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer closeStore()

	enc, n, err := model.BuildEncodings(ctx, store)
	if err != nil {
		log.Fatalf("build encodings: %v", err)
	}
	if err := enc.Write(path); err != nil {
		log.Fatalf("write %s: %v", path, err)
	}
	for feature, labels := range enc {
		log.Printf("  %s: %d labels", feature, len(labels))
	}
	log.Printf("wrote target encodings from %d delayed facts to %s", n, path)
}
