// Package api is the HTTP serving surface: service search, closest-match
// lookups, delay predictions and the scrape-backed helper endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"bus-delay-predictor/internal/cache"
	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/metrics"
	"bus-delay-predictor/internal/predict"
	"bus-delay-predictor/internal/scrape"
	"bus-delay-predictor/internal/transit"
)

const (
	serviceLinkTimeout = 10 * time.Second
	stopsTimeout       = 15 * time.Second
	journeyDataTimeout = 120 * time.Second
)

type Predictor interface {
	Resolve(ctx context.Context, req transit.PredictionRequest) (predict.Resolution, error)
	Predict(ctx context.Context, req transit.PredictionRequest) (predict.Prediction, error)
	ModelVersion() string
}

type Scraper interface {
	SearchServiceLink(ctx context.Context, query string) (string, error)
	ScrapeStops(ctx context.Context, serviceURL string) ([]string, error)
	ScrapeJourneys(ctx context.Context, q scrape.JourneyQuery, emit func(scrape.JourneyObservation)) error
}

type Options struct {
	Addr           string
	RequestTimeout time.Duration
	AllowedOrigins []string
	// SearchLimit caps /services results.
	SearchLimit int
}

// Deps are the collaborators the handlers call. Cache and Metrics may be nil.
type Deps struct {
	Services  history.ServiceStore
	Predictor Predictor
	Scraper   Scraper
	Cache     *cache.ResponseCache
	Metrics   *metrics.Collector
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	opts   Options
	deps   Deps
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(opts Options, deps Deps) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 50
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware(opts.AllowedOrigins))

	s := &Server{opts: opts, deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_version": s.deps.Predictor.ModelVersion()})
	})

	s.engine.GET("/services", s.handleSearchServices)
	s.engine.POST("/closest-journey", s.handleClosestJourney)
	s.engine.POST("/predict", s.handlePredict)

	if s.deps.Scraper != nil {
		s.engine.GET("/service-link", s.handleServiceLink)
		s.engine.GET("/stops", s.handleStops)
		s.engine.POST("/journey-data", s.handleJourneyData)
	}

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "X-Cache"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		})
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Cache"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
