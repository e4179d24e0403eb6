package history

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"bus-delay-predictor/internal/transit"
)

// Memory is a Store held in process memory. It backs tests and the
// STORE_BACKEND=memory mode.
type Memory struct {
	mu       sync.RWMutex
	facts    map[string]transit.StopFact
	services map[int64]transit.Service
}

func NewMemory() *Memory {
	return &Memory{facts: make(map[string]transit.StopFact), services: make(map[int64]transit.Service)}
}

func (m *Memory) BulkUpsert(ctx context.Context, facts []transit.StopFact) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res UpsertResult
	for _, f := range facts {
		if _, ok := m.facts[f.ID]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		m.facts[f.ID] = f
	}
	return res, nil
}

func (m *Memory) Find(ctx context.Context, f Filter) ([]transit.StopFact, error) {
	var out []transit.StopFact
	err := m.Each(ctx, f, func(sf transit.StopFact) error {
		out = append(out, sf)
		return nil
	})
	return out, err
}

func (m *Memory) Each(ctx context.Context, f Filter, fn func(transit.StopFact) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.facts))
	for k, sf := range m.facts {
		if f.Match(sf) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if f.Limit > 0 && len(keys) > f.Limit {
		keys = keys[:f.Limit]
	}
	matched := make([]transit.StopFact, len(keys))
	for i, k := range keys {
		matched[i] = m.facts[k]
	}
	m.mu.RUnlock()

	for _, sf := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sf); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.facts)), nil
}

func (m *Memory) UpsertServices(ctx context.Context, services []transit.Service) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res UpsertResult
	for _, s := range services {
		if _, ok := m.services[s.ID]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		m.services[s.ID] = s
	}
	return res, nil
}

func (m *Memory) GetService(ctx context.Context, id int64) (transit.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return transit.Service{}, &transit.NotFoundError{Kind: transit.KindService, Detail: fmt.Sprintf("service %d", id)}
	}
	return s, nil
}

func (m *Memory) ListServiceIDs(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) SearchServices(ctx context.Context, query string, limit int) ([]transit.Service, error) {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
	if err != nil {
		return nil, fmt.Errorf("compile search: %w", err)
	}
	ids, _ := m.ListServiceIDs(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []transit.Service
	for _, id := range ids {
		s := m.services[id]
		if re.MatchString(s.Number) || re.MatchString(s.Description) {
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
