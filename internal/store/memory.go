package store

import (
	"context"
	"sync"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

// MemoryStore keeps regions in process memory. It is used when STORE_DRIVER=memory
// and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	regions map[string]models.RegionWeather
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regions: make(map[string]models.RegionWeather),
	}
}

func (s *MemoryStore) FetchAll(ctx context.Context) ([]models.RegionWeather, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RegionWeather, 0, len(s.order))
	for _, address := range s.order {
		out = append(out, s.regions[address].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, region models.RegionWeather) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regions[region.Address]; !exists {
		s.order = append(s.order, region.Address)
	}
	s.regions[region.Address] = region.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regions[address]; !exists {
		return ErrNotFound
	}
	delete(s.regions, address)
	for i, a := range s.order {
		if a == address {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
