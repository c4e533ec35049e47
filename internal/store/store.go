// Package store persists saved regions keyed by their normalized address.
package store

import (
	"context"
	"errors"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

var ErrNotFound = errors.New("region not found")

// RegionStore is the durable collection of regions. FetchAll returns records in
// first-insert order; Upsert keeps a record's position when it already exists.
type RegionStore interface {
	FetchAll(ctx context.Context) ([]models.RegionWeather, error)
	Upsert(ctx context.Context, region models.RegionWeather) error
	Delete(ctx context.Context, address string) error
	Close() error
}
