// Package cache holds the prediction response cache (Redis) and the
// in-process reference data lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bus-delay-predictor/internal/transit"
)

// ResponseCache stores rendered prediction responses in Redis. A cache
// without a client is disabled: lookups miss and writes are dropped.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResponseCache connects to redisURL. An empty URL yields a disabled
// cache. On a failed ping the disabled cache is returned with the error so
// callers can log and keep serving.
func NewResponseCache(ctx context.Context, redisURL string, ttl time.Duration) (*ResponseCache, error) {
	if redisURL == "" {
		return &ResponseCache{ttl: ttl}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return &ResponseCache{ttl: ttl}, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return &ResponseCache{ttl: ttl}, fmt.Errorf("redis ping: %w", err)
	}
	log.Printf("cache: connected to redis at %s", opts.Addr)
	return &ResponseCache{client: client, ttl: ttl}, nil
}

func (c *ResponseCache) Available() bool { return c != nil && c.client != nil }

// Get decodes the cached value for key into dest and reports whether it
// was present.
func (c *ResponseCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.Available() {
		return false, nil
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *ResponseCache) Set(ctx context.Context, key string, value any) error {
	if !c.Available() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *ResponseCache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}

// PredictionKey identifies a prediction response. Names are canonicalised
// so equivalent requests share an entry; the model version keeps entries
// from outliving a model swap.
func PredictionKey(modelVersion string, req transit.PredictionRequest) string {
	return fmt.Sprintf("predict:%s:%d:%s:%s:%s:%s",
		modelVersion, req.ServiceID,
		transit.CanonicalName(req.StopName), transit.CanonicalName(req.Destination),
		req.Date, req.Time)
}
