package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"bus-delay-predictor/internal/scrape"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

// writeError maps err to a client response and returns the outcome label
// used for request metrics.
func writeError(c *gin.Context, err error) string {
	var (
		fe *timenorm.FormatError
		nf *transit.NotFoundError
		ue *source.UpstreamFetchError
	)
	switch {
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{"error": fe.Error()})
		return "bad_request"
	case errors.As(err, &nf) && nf.Kind == transit.KindDescription:
		log.Printf("api: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": nf.Error(), "reason": nf.Kind})
		return "error"
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error(), "reason": nf.Kind})
		return "not_found"
	case errors.Is(err, scrape.ErrForeignLink):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "bad_request"
	case errors.Is(err, scrape.ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return "error"
	case errors.As(err, &ue):
		log.Printf("api: upstream: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed", "status": ue.Status})
		return "error"
	}
	log.Printf("api: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return "error"
}
