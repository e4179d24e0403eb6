package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bus-delay-predictor/internal/cache"
	"bus-delay-predictor/internal/predict"
	"bus-delay-predictor/internal/scrape"
	"bus-delay-predictor/internal/transit"
)

// GET /services?query=
func (s *Server) handleSearchServices(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	limit := s.opts.SearchLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, s.opts.SearchLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	services, err := s.deps.Services.SearchServices(ctx, query, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services, "count": len(services)})
}

type resolutionView struct {
	Date         string             `json:"date"`
	TargetMins   int                `json:"target_mins"`
	DayOfWeek    int                `json:"day_of_week"`
	IsHoliday    bool               `json:"is_holiday"`
	IsPeak       bool               `json:"is_peak"`
	ContextMatch predict.MatchView  `json:"context_match"`
	DateMatch    *predict.MatchView `json:"date_match"`
}

// POST /closest-journey
func (s *Server) handleClosestJourney(c *gin.Context) {
	var req transit.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.deps.Predictor.Resolve(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	view := resolutionView{
		Date:         res.Date.Format("2006-01-02"),
		TargetMins:   res.TargetMins,
		DayOfWeek:    res.DayOfWeek,
		IsHoliday:    res.IsHoliday,
		IsPeak:       res.IsPeak,
		ContextMatch: predict.NewMatchView(res.Context),
	}
	if res.DateMatch != nil {
		v := predict.NewMatchView(*res.DateMatch)
		view.DateMatch = &v
	}
	c.JSON(http.StatusOK, view)
}

// POST /predict
func (s *Server) handlePredict(c *gin.Context) {
	start := time.Now()
	var req transit.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.countPrediction("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	key := cache.PredictionKey(s.deps.Predictor.ModelVersion(), req)
	var cached predict.Prediction
	hit, err := s.deps.Cache.Get(ctx, key, &cached)
	if err != nil {
		log.Printf("api: prediction cache get: %v", err)
	}
	if s.deps.Cache.Available() {
		s.countCache(hit)
	}
	if hit {
		s.countPrediction("ok")
		c.Header("X-Cache", "hit")
		c.JSON(http.StatusOK, cached)
		return
	}

	p, err := s.deps.Predictor.Predict(ctx, req)
	if err != nil {
		s.countPrediction(writeError(c, err))
		return
	}
	if err := s.deps.Cache.Set(ctx, key, p); err != nil {
		log.Printf("api: prediction cache set: %v", err)
	}
	s.countPrediction("ok")
	if s.deps.Metrics != nil {
		s.deps.Metrics.PredictDuration.Observe(time.Since(start).Seconds())
	}
	c.Header("X-Cache", "miss")
	c.JSON(http.StatusOK, p)
}

// GET /service-link?query=
func (s *Server) handleServiceLink(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	links, err := scrape.Run(c.Request.Context(), serviceLinkTimeout, func(ctx context.Context, emit func(string)) error {
		link, err := s.deps.Scraper.SearchServiceLink(ctx, query)
		if err != nil {
			return err
		}
		emit(link)
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if len(links) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no service link found", "reason": transit.KindService})
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": links[0]})
}

// GET /stops?service_url=
func (s *Server) handleStops(c *gin.Context) {
	serviceURL := strings.TrimSpace(c.Query("service_url"))
	if serviceURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_url is required"})
		return
	}
	stops, err := scrape.Run(c.Request.Context(), stopsTimeout, func(ctx context.Context, emit func(string)) error {
		names, err := s.deps.Scraper.ScrapeStops(ctx, serviceURL)
		for _, n := range names {
			emit(n)
		}
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if stops == nil {
		stops = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"stops": stops})
}

type journeyDataRequest struct {
	ServiceLink string `json:"service_link" binding:"required"`
	StopName    string `json:"stop_name" binding:"required"`
	Days        int    `json:"days" binding:"omitempty,min=1,max=14"`
}

// POST /journey-data. A crawl cut short by its deadline still returns what
// it collected, flagged incomplete; an empty one is a gateway timeout.
func (s *Server) handleJourneyData(c *gin.Context) {
	var req journeyDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := scrape.JourneyQuery{ServiceLink: req.ServiceLink, StopName: req.StopName, Days: req.Days}
	items, err := scrape.Run(c.Request.Context(), journeyDataTimeout, func(ctx context.Context, emit func(scrape.JourneyObservation)) error {
		return s.deps.Scraper.ScrapeJourneys(ctx, q, emit)
	})
	complete := err == nil
	if err != nil && (len(items) == 0 || !isDeadline(err)) {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []scrape.JourneyObservation{}
	}
	c.JSON(http.StatusOK, gin.H{"journeys": items, "count": len(items), "complete": complete})
}

func isDeadline(err error) bool {
	return errors.Is(err, scrape.ErrDeadline)
}

func (s *Server) countPrediction(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Predictions.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countCache(hit bool) {
	if s.deps.Metrics == nil {
		return
	}
	if hit {
		s.deps.Metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		s.deps.Metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
}
