package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/api"
	"github.com/bobby-s-dev/region-weather/internal/config"
	"github.com/bobby-s-dev/region-weather/internal/location"
	"github.com/bobby-s-dev/region-weather/internal/models"
	"github.com/bobby-s-dev/region-weather/internal/scheduler"
	"github.com/bobby-s-dev/region-weather/internal/services"
	"github.com/bobby-s-dev/region-weather/internal/store"
	"github.com/bobby-s-dev/region-weather/pkg/client"
)

func main() {
	// Initialize logger
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	zap.ReplaceGlobals(logger)
	logger.Info("Starting Region Weather Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize forecast client
	forecastClient, err := newForecastClient(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize forecast client", zap.Error(err))
	}

	// Initialize region store
	regionStore, err := newRegionStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open region store", zap.Error(err))
	}
	defer regionStore.Close()

	// Initialize synchronizer
	publisher := services.NewPublisher()
	synchronizer := services.NewSynchronizer(forecastClient, regionStore, publisher, logger, services.Options{
		ThrottleInterval: cfg.Sync.ThrottleInterval,
	})

	if err := synchronizer.Activate(ctx); err != nil {
		logger.Warn("Initial activation incomplete", zap.Error(err))
	}

	// Location streams
	feed := location.NewFeed(cfg.Location.FeedBuffer, logger)
	streams := []location.Stream{feed}
	if s := cfg.Location.Static; s != nil {
		streams = append(streams, location.NewStatic(location.Reading{
			Coordinate: models.Coordinate{Lat: s.Lat, Lng: s.Lng},
			Address:    models.Address{AdministrativeArea: s.AdministrativeArea, Locality: s.Locality},
		}))
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := synchronizer.Run(ctx, mergedStream(streams)); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Location stream stopped", zap.Error(err))
		}
	}()

	// Initialize scheduler
	refreshScheduler := scheduler.NewScheduler(synchronizer, cfg.Scheduler.RefreshCron, logger)
	if err := refreshScheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Create Fiber app
	app := api.NewApp(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, logger)

	// Setup handlers and routes
	handler := api.NewHandler(synchronizer, publisher, feed, refreshScheduler, logger)
	api.SetupRoutes(app, handler, logger)

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info("Starting server", zap.String("address", addr))

		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop scheduler
	refreshScheduler.Stop()

	// End open region streams, then shut down Fiber app
	handler.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	// Stop consuming locations
	feed.Close()
	cancel()
	<-runDone

	logger.Info("Server stopped")
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newForecastClient(cfg *config.Config, logger *zap.Logger) (services.ForecastClient, error) {
	clientCfg := client.ClientConfig{
		Timeout:        cfg.Forecast.Timeout,
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryDelay:     cfg.Retry.Delay,
		Multiplier:     cfg.Retry.Multiplier,
		Threshold:      cfg.CircuitBreaker.Threshold,
		BreakerTimeout: cfg.CircuitBreaker.Timeout,
	}

	switch cfg.Forecast.Provider {
	case config.ProviderOpenWeather:
		if cfg.Forecast.OpenWeatherAPIKey == "" {
			return nil, client.ErrMissingAPIKey
		}
		logger.Info("Using OpenWeather forecast provider")
		return client.NewOpenWeatherClient(cfg.Forecast.OpenWeatherAPIKey, cfg.Forecast.OpenWeatherURL, clientCfg, logger), nil
	default:
		logger.Info("Using Open-Meteo forecast provider")
		return client.NewOpenMeteoClient(cfg.Forecast.OpenMeteoURL, clientCfg, logger), nil
	}
}

func newRegionStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.RegionStore, error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("Using in-memory region store, regions will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(ctx, cfg.Store.Path, logger)
}

// mergedStream adapts several streams into one.
type mergedStream []location.Stream

func (m mergedStream) Readings(ctx context.Context) <-chan location.Reading {
	return location.Merge(ctx, m...)
}
