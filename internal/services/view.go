package services

import (
	"context"
	"sync"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

// SortRegions returns a copy of regions with the current-location record first.
// Relative order is otherwise preserved.
func SortRegions(regions []models.RegionWeather) []models.RegionWeather {
	out := make([]models.RegionWeather, 0, len(regions))
	for _, r := range regions {
		if r.IsCurrLocation {
			out = append(out, r)
		}
	}
	for _, r := range regions {
		if !r.IsCurrLocation {
			out = append(out, r)
		}
	}
	return out
}

// Publisher holds the last published sorted view and fans every new view out to
// subscribers. A slow subscriber only ever misses intermediate views: its
// channel always ends up holding the latest one.
type Publisher struct {
	mu      sync.RWMutex
	current []models.RegionWeather
	subs    map[chan []models.RegionWeather]struct{}
}

func NewPublisher() *Publisher {
	return &Publisher{
		current: []models.RegionWeather{},
		subs:    make(map[chan []models.RegionWeather]struct{}),
	}
}

// Publish sorts regions and makes the result the current view.
func (p *Publisher) Publish(regions []models.RegionWeather) {
	view := models.CloneRegions(SortRegions(regions))

	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = view
	for ch := range p.subs {
		offer(ch, models.CloneRegions(view))
	}
}

// Current returns the last published view.
func (p *Publisher) Current() []models.RegionWeather {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.CloneRegions(p.current)
}

// Subscribe returns a channel that immediately holds the current view and then
// receives every later one. It closes when ctx ends.
func (p *Publisher) Subscribe(ctx context.Context) <-chan []models.RegionWeather {
	ch := make(chan []models.RegionWeather, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- models.CloneRegions(p.current)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		p.mu.Unlock()
	}()

	return ch
}

func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// offer replaces whatever the subscriber has not read yet with view.
func offer(ch chan []models.RegionWeather, view []models.RegionWeather) {
	select {
	case ch <- view:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- view:
	default:
	}
}
