package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobby-s-dev/region-weather/internal/location"
	"github.com/bobby-s-dev/region-weather/internal/models"
	"github.com/bobby-s-dev/region-weather/internal/store"
)

const DefaultThrottleInterval = 600 * time.Second

var (
	ErrBatchFailed    = errors.New("batch refresh failed")
	ErrPersist        = errors.New("region store write failed")
	ErrLoad           = errors.New("region store read failed")
	ErrInvalidAddress = errors.New("address is empty after normalization")
)

type ForecastClient interface {
	Fetch(ctx context.Context, lat, lng float64) (*models.Forecast, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

type Options struct {
	ThrottleInterval time.Duration
	Clock            Clock
}

// Synchronizer owns the authoritative in-memory region list. Every operation
// holds opMu from start to finish, network and store calls included, so
// operations commit one at a time in arrival order.
type Synchronizer struct {
	client    ForecastClient
	store     store.RegionStore
	publisher *Publisher
	logger    *zap.Logger
	clock     Clock
	throttle  time.Duration

	opMu        sync.Mutex
	regions     []models.RegionWeather
	lastAddress string
	pending     map[string]struct{} // addresses whose last store write failed

	statsMu sync.RWMutex
	stats   syncStats
}

type syncStats struct {
	batchSuccess      int
	batchFailure      int
	locationApplied   int
	locationThrottled int
	locationFailed    int
	persistFailures   int
	lastSync          time.Time
	regions           int
	pendingWrites     int
}

func NewSynchronizer(client ForecastClient, regionStore store.RegionStore, publisher *Publisher, logger *zap.Logger, opts Options) *Synchronizer {
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if publisher == nil {
		publisher = NewPublisher()
	}
	return &Synchronizer{
		client:    client,
		store:     regionStore,
		publisher: publisher,
		logger:    logger,
		clock:     opts.Clock,
		throttle:  opts.ThrottleInterval,
		pending:   make(map[string]struct{}),
	}
}

func (s *Synchronizer) Publisher() *Publisher {
	return s.publisher
}

// Regions returns the last published sorted view.
func (s *Synchronizer) Regions() []models.RegionWeather {
	return s.publisher.Current()
}

// Activate loads the persisted regions, publishes them, then refreshes every
// region in one joined batch.
func (s *Synchronizer) Activate(ctx context.Context) error {
	return s.activate(ctx, "activate")
}

// Refresh re-runs the activation flow on demand.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.activate(ctx, "refresh")
}

func (s *Synchronizer) activate(ctx context.Context, op string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	logger := s.opLogger(op)
	s.flushPending(ctx, logger)

	var loadErr error
	if len(s.pending) > 0 {
		// Unpersisted changes would be lost by a reload; memory wins.
		logger.Warn("Skipping store reload, writes still pending",
			zap.Int("pending", len(s.pending)))
	} else if loaded, err := s.store.FetchAll(ctx); err != nil {
		loadErr = fmt.Errorf("%w: %w", ErrLoad, err)
		logger.Error("Failed to load regions from store, keeping in-memory list", zap.Error(err))
	} else {
		s.replaceRegions(ctx, loaded, logger)
	}

	s.publish()
	logger.Info("Regions loaded", zap.Int("regions", len(s.regions)))

	return errors.Join(loadErr, s.refreshAll(ctx, logger))
}

// refreshAll fetches every region concurrently and commits only if all fetches
// succeed. Caller holds opMu.
func (s *Synchronizer) refreshAll(ctx context.Context, logger *zap.Logger) error {
	targets := models.CloneRegions(s.regions)
	results := make([]*models.Forecast, len(targets))
	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		i := i
		g.Go(func() error {
			coord := targets[i].Coordinate()
			forecast, err := s.client.Fetch(gctx, coord.Lat, coord.Lng)
			if err != nil {
				return fmt.Errorf("region %s: %w", targets[i].Address, err)
			}
			results[i] = forecast
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.recordStats(func(st *syncStats) { st.batchFailure++ })
		logger.Error("Batch refresh failed, keeping previous state",
			zap.Int("regions", len(targets)),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	now := s.clock.Now().Unix()
	updated := make([]models.RegionWeather, 0, len(targets))
	var removed []string
	for i, r := range targets {
		r.Forecast = results[i]
		r.CurrentTime = now
		if s.lastAddress != "" {
			r.IsCurrLocation = r.Address == s.lastAddress
		}
		if !r.IsCurrLocation && !r.IsUserSaved {
			removed = append(removed, r.Address)
			continue
		}
		updated = append(updated, r)
	}
	s.regions = updated

	addresses := make([]string, 0, len(targets))
	for _, r := range targets {
		addresses = append(addresses, r.Address)
	}
	persistErr := s.persist(ctx, logger, addresses...)

	s.recordStats(func(st *syncStats) {
		st.batchSuccess++
		st.lastSync = s.clock.Now()
	})
	s.publish()

	logger.Info("Batch refresh completed",
		zap.Int("regions", len(updated)),
		zap.Strings("removed", removed),
		zap.Duration("duration", time.Since(startTime)))

	return persistErr
}

// OnLocationUpdated handles one Location Stream reading.
func (s *Synchronizer) OnLocationUpdated(ctx context.Context, reading location.Reading) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	logger := s.opLogger("location")
	s.flushPending(ctx, logger)

	address := reading.Address.Key()
	if address == "" {
		logger.Warn("Ignoring location reading without address",
			zap.Float64("lat", reading.Coordinate.Lat),
			zap.Float64("lng", reading.Coordinate.Lng))
		return ErrInvalidAddress
	}
	logger = logger.With(zap.String("address", address))

	// The last known address only moves once a record backs it: an existing
	// fresh record here, or a successful fetch below.
	if idx := s.indexOf(address); idx >= 0 {
		age := s.clock.Now().Sub(s.regions[idx].FetchedAt())
		if age < s.throttle {
			s.lastAddress = address
			s.recordStats(func(st *syncStats) { st.locationThrottled++ })
			logger.Debug("Location update throttled", zap.Duration("age", age))
			return nil
		}
	}

	forecast, err := s.client.Fetch(ctx, reading.Coordinate.Lat, reading.Coordinate.Lng)
	if err != nil {
		s.recordStats(func(st *syncStats) { st.locationFailed++ })
		logger.Warn("Failed to fetch forecast for current location", zap.Error(err))
		return fmt.Errorf("fetching forecast for %s: %w", address, err)
	}

	s.lastAddress = address
	candidate := models.RegionWeather{
		Address:        address,
		Lat:            reading.Coordinate.Lat,
		Lng:            reading.Coordinate.Lng,
		CurrentTime:    s.clock.Now().Unix(),
		IsCurrLocation: true,
		Forecast:       forecast,
	}

	touched := []string{address}
	if cur := s.currentIndex(); cur >= 0 && s.regions[cur].Address != address {
		prev := s.regions[cur]
		touched = append(touched, prev.Address)
		if prev.Transient() {
			s.regions = append(s.regions[:cur], s.regions[cur+1:]...)
			logger.Info("Removed previous current location", zap.String("previous", prev.Address))
		} else {
			s.regions[cur].IsCurrLocation = false
			logger.Info("Demoted previous current location", zap.String("previous", prev.Address))
		}
	}

	if idx := s.indexOf(address); idx >= 0 {
		candidate.IsUserSaved = s.regions[idx].IsUserSaved
		s.regions[idx] = candidate
	} else {
		s.regions = append(s.regions, candidate)
	}

	persistErr := s.persist(ctx, logger, touched...)
	s.recordStats(func(st *syncStats) { st.locationApplied++ })
	s.publish()

	logger.Info("Current location updated", zap.Bool("user_saved", candidate.IsUserSaved))
	return persistErr
}

// Delete removes the region at position in the last published view. Positions
// outside the view are ignored.
func (s *Synchronizer) Delete(ctx context.Context, position int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	logger := s.opLogger("delete")
	s.flushPending(ctx, logger)

	view := s.publisher.Current()
	if position < 0 || position >= len(view) {
		logger.Debug("Ignoring delete for position outside view",
			zap.Int("position", position),
			zap.Int("view_len", len(view)))
		return nil
	}

	address := view[position].Address
	idx := s.indexOf(address)
	if idx < 0 {
		return nil
	}
	s.regions = append(s.regions[:idx], s.regions[idx+1:]...)

	persistErr := s.persist(ctx, logger, address)
	s.publish()

	logger.Info("Region deleted", zap.String("address", address), zap.Int("position", position))
	return persistErr
}

// SaveRegion registers a user-chosen region. An existing record with the same
// address is refreshed and marked user-saved.
func (s *Synchronizer) SaveRegion(ctx context.Context, coord models.Coordinate, addr models.Address) (models.RegionWeather, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	logger := s.opLogger("save")
	s.flushPending(ctx, logger)

	address := addr.Key()
	if address == "" {
		return models.RegionWeather{}, ErrInvalidAddress
	}
	logger = logger.With(zap.String("address", address))

	forecast, err := s.client.Fetch(ctx, coord.Lat, coord.Lng)
	if err != nil {
		logger.Warn("Failed to fetch forecast for saved region", zap.Error(err))
		return models.RegionWeather{}, fmt.Errorf("fetching forecast for %s: %w", address, err)
	}

	record := models.RegionWeather{
		Address:     address,
		Lat:         coord.Lat,
		Lng:         coord.Lng,
		CurrentTime: s.clock.Now().Unix(),
		IsUserSaved: true,
		Forecast:    forecast,
	}
	if idx := s.indexOf(address); idx >= 0 {
		record.IsCurrLocation = s.regions[idx].IsCurrLocation
		s.regions[idx] = record
	} else {
		s.regions = append(s.regions, record)
	}

	persistErr := s.persist(ctx, logger, address)
	s.publish()

	logger.Info("Region saved")
	return record.Clone(), persistErr
}

// Run feeds every reading from stream into OnLocationUpdated until ctx ends or
// the stream closes.
func (s *Synchronizer) Run(ctx context.Context, stream location.Stream) error {
	for reading := range stream.Readings(ctx) {
		if err := s.OnLocationUpdated(ctx, reading); err != nil {
			s.logger.Warn("Location update failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

// persist writes the in-memory state of each address to the store: present
// records are upserted, absent ones deleted. Failures are kept for replay.
func (s *Synchronizer) persist(ctx context.Context, logger *zap.Logger, addresses ...string) error {
	var errs []error
	for _, address := range addresses {
		var err error
		if idx := s.indexOf(address); idx >= 0 {
			err = s.store.Upsert(ctx, s.regions[idx])
		} else if err = s.store.Delete(ctx, address); errors.Is(err, store.ErrNotFound) {
			err = nil
		}

		if err != nil {
			s.pending[address] = struct{}{}
			errs = append(errs, err)
			logger.Warn("Region store write failed, will retry",
				zap.String("address", address),
				zap.Error(err))
			continue
		}
		delete(s.pending, address)
	}

	if len(errs) > 0 {
		s.recordStats(func(st *syncStats) { st.persistFailures += len(errs) })
		return fmt.Errorf("%w: %w", ErrPersist, errors.Join(errs...))
	}
	return nil
}

func (s *Synchronizer) flushPending(ctx context.Context, logger *zap.Logger) {
	if len(s.pending) == 0 {
		return
	}
	addresses := make([]string, 0, len(s.pending))
	for address := range s.pending {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	if err := s.persist(ctx, logger, addresses...); err != nil {
		logger.Warn("Replaying pending region writes failed", zap.Error(err))
		return
	}
	logger.Info("Replayed pending region writes", zap.Int("count", len(addresses)))
}

// replaceRegions installs records read from the store, enforcing the list
// invariants on the way in: unique addresses, at most one current location and
// no transient leftovers. Caller holds opMu.
func (s *Synchronizer) replaceRegions(ctx context.Context, loaded []models.RegionWeather, logger *zap.Logger) {
	out := make([]models.RegionWeather, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	haveCurrent := false
	var stale []string

	for _, r := range loaded {
		if seen[r.Address] {
			continue
		}
		seen[r.Address] = true

		if r.IsCurrLocation {
			if haveCurrent {
				r.IsCurrLocation = false
			}
			haveCurrent = true
		}
		if !r.IsCurrLocation && !r.IsUserSaved {
			stale = append(stale, r.Address)
			continue
		}
		out = append(out, r)
	}
	s.regions = out

	if len(stale) > 0 {
		logger.Info("Dropping transient regions left in store", zap.Strings("addresses", stale))
		if err := s.persist(ctx, logger, stale...); err != nil {
			logger.Warn("Failed to drop transient regions", zap.Error(err))
		}
	}
}

// publish hands the current list to the view publisher. Caller holds opMu.
func (s *Synchronizer) publish() {
	s.publisher.Publish(s.regions)
	regions, pending := len(s.regions), len(s.pending)
	s.recordStats(func(st *syncStats) {
		st.regions = regions
		st.pendingWrites = pending
	})
}

func (s *Synchronizer) indexOf(address string) int {
	for i, r := range s.regions {
		if r.Address == address {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) currentIndex() int {
	for i, r := range s.regions {
		if r.IsCurrLocation {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) opLogger(op string) *zap.Logger {
	return s.logger.With(zap.String("op", op), zap.String("op_id", uuid.NewString()))
}

func (s *Synchronizer) recordStats(fn func(*syncStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Synchronizer) GetStats() map[string]interface{} {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	return map[string]interface{}{
		"batch_success":      s.stats.batchSuccess,
		"batch_failure":      s.stats.batchFailure,
		"location_applied":   s.stats.locationApplied,
		"location_throttled": s.stats.locationThrottled,
		"location_failed":    s.stats.locationFailed,
		"persist_failures":   s.stats.persistFailures,
		"last_sync":          s.stats.lastSync,
		"regions":            s.stats.regions,
		"pending_writes":     s.stats.pendingWrites,
		"subscribers":        s.publisher.Subscribers(),
		"throttle_interval":  s.throttle.String(),
	}
}
