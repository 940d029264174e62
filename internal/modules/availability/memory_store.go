// README: In-process availability store for local runs without Redis.
package availability

import (
	"context"
	"sync"

	"towhub/internal/types"
)

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: map[types.ID]Driver{}}
}

func (s *MemoryStore) Upsert(_ context.Context, d Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Categories = append([]string(nil), d.Categories...)
	s.drivers[d.ID] = d
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drivers, id)
	return nil
}

func (s *MemoryStore) Nearby(_ context.Context, category string, p types.Point, radiusKm float64, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Candidate
	for _, d := range s.drivers {
		if !hasCategory(d, category) {
			continue
		}
		dist := distanceKm(p, d.Position)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: d.ID, DistanceKm: dist})
	}
	rankCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasCategory(d Driver, category string) bool {
	for _, c := range d.Categories {
		if c == category {
			return true
		}
	}
	return false
}
