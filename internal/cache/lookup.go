package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/transit"
)

// Lookups fronts the store's reference reads with bounded LRU caches.
// Misses and errors are not cached.
type Lookups struct {
	store    history.Store
	services gcache.Cache
	stops    gcache.Cache
}

func NewLookups(store history.Store, size int, ttl time.Duration) *Lookups {
	if size <= 0 {
		size = 1000
	}
	return &Lookups{
		store:    store,
		services: gcache.New(size).LRU().Expiration(ttl).Build(),
		stops:    gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

func (l *Lookups) GetService(ctx context.Context, id int64) (transit.Service, error) {
	if v, err := l.services.Get(id); err == nil {
		return v.(transit.Service), nil
	}
	svc, err := l.store.GetService(ctx, id)
	if err != nil {
		return transit.Service{}, err
	}
	_ = l.services.Set(id, svc)
	return svc, nil
}

func (l *Lookups) StopIndex(ctx context.Context, serviceID int64, stopKey string) (int, error) {
	key := fmt.Sprintf("%d|%s", serviceID, stopKey)
	if v, err := l.stops.Get(key); err == nil {
		return v.(int), nil
	}
	idx, err := history.StopIndex(ctx, l.store, serviceID, stopKey)
	if err != nil {
		return 0, err
	}
	_ = l.stops.Set(key, idx)
	return idx, nil
}

// HitRate reports the combined hit ratio of both caches.
func (l *Lookups) HitRate() float64 {
	hits := l.services.HitCount() + l.stops.HitCount()
	total := hits + l.services.MissCount() + l.stops.MissCount()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
