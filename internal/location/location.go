// Package location provides device location streams. A stream may emit any
// number of readings, including none at all when the device never reports.
package location

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

var ErrFeedClosed = errors.New("location feed closed")

// Reading is one device location report with its reverse-geocoded address.
type Reading struct {
	Coordinate models.Coordinate `json:"coordinate"`
	Address    models.Address    `json:"address"`
}

// Stream delivers readings until ctx ends. The returned channel is closed when
// the stream has nothing more to deliver.
type Stream interface {
	Readings(ctx context.Context) <-chan Reading
}

// Feed is a push-based Stream. Readings pushed while no one is consuming are
// buffered; when the buffer is full the oldest reading is dropped.
type Feed struct {
	mu     sync.Mutex
	ch     chan Reading
	closed bool
	logger *zap.Logger
}

func NewFeed(buffer int, logger *zap.Logger) *Feed {
	if buffer <= 0 {
		buffer = 1
	}
	return &Feed{
		ch:     make(chan Reading, buffer),
		logger: logger,
	}
}

// Push enqueues a reading without blocking.
func (f *Feed) Push(r Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFeedClosed
	}

	for {
		select {
		case f.ch <- r:
			return nil
		default:
		}

		select {
		case dropped := <-f.ch:
			f.logger.Debug("Location feed full, dropping oldest reading",
				zap.String("address", dropped.Address.Key()))
		default:
		}
	}
}

// Readings returns the feed channel. A Feed has a single consumer.
func (f *Feed) Readings(ctx context.Context) <-chan Reading {
	out := make(chan Reading)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-f.ch:
				if !ok {
					return
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close stops the feed; consumers drain what is buffered and then see the
// channel close.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// Static emits one fixed reading and then stays silent until ctx ends.
type Static struct {
	reading Reading
}

func NewStatic(reading Reading) *Static {
	return &Static{reading: reading}
}

func (s *Static) Readings(ctx context.Context) <-chan Reading {
	out := make(chan Reading, 1)
	out <- s.reading
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

// Merge fans several streams into one. The merged channel closes once every
// source has closed.
func Merge(ctx context.Context, streams ...Stream) <-chan Reading {
	out := make(chan Reading)
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(in <-chan Reading) {
			defer wg.Done()
			for r := range in {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}(s.Readings(ctx))
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
