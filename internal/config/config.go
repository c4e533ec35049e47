package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	ProviderOpenWeather = "openweather"
	ProviderOpenMeteo   = "openmeteo"

	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	Server struct {
		Port         string        `validate:"required,numeric"`
		ReadTimeout  time.Duration `validate:"gt=0"`
		WriteTimeout time.Duration `validate:"gt=0"`
		LogLevel     string        `validate:"oneof=debug info warn error"`
	}

	Forecast struct {
		Provider          string        `validate:"oneof=openweather openmeteo"`
		OpenWeatherAPIKey string        `validate:"required_if=Provider openweather"`
		OpenWeatherURL    string        `validate:"required,url"`
		OpenMeteoURL      string        `validate:"required,url"`
		Timeout           time.Duration `validate:"gt=0"`
	}

	Sync struct {
		ThrottleInterval time.Duration `validate:"gt=0"`
	}

	Store struct {
		Driver string `validate:"oneof=sqlite memory"`
		Path   string `validate:"required_if=Driver sqlite"`
	}

	Scheduler struct {
		RefreshCron string
	}

	Location struct {
		FeedBuffer int `validate:"gte=1"`
		Static     *StaticLocation
	}

	CircuitBreaker struct {
		Threshold int           `validate:"gte=1"`
		Timeout   time.Duration `validate:"gt=0"`
	}

	Retry struct {
		MaxRetries int           `validate:"gte=0"`
		Delay      time.Duration `validate:"gte=0"`
		Multiplier float64       `validate:"gte=1"`
	}
}

// StaticLocation is a fixed reading emitted once at startup, for deployments
// without a device pushing locations.
type StaticLocation struct {
	Lat                float64 `validate:"gte=-90,lte=90"`
	Lng                float64 `validate:"gte=-180,lte=180"`
	AdministrativeArea string  `validate:"required_without=Locality"`
	Locality           string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		zap.L().Info("No .env file found, using environment variables")
	}

	cfg := &Config{}

	// Server configuration
	cfg.Server.Port = getEnv("FIBER_PORT", "8080")
	cfg.Server.ReadTimeout = parseDuration(getEnv("FIBER_READ_TIMEOUT", "10s"))
	cfg.Server.WriteTimeout = parseDuration(getEnv("FIBER_WRITE_TIMEOUT", "10s"))
	cfg.Server.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))

	// Forecast provider configuration
	cfg.Forecast.Provider = strings.ToLower(getEnv("FORECAST_PROVIDER", ProviderOpenMeteo))
	cfg.Forecast.OpenWeatherAPIKey = getEnv("OPENWEATHER_API_KEY", "")
	cfg.Forecast.OpenWeatherURL = getEnv("OPENWEATHER_URL", "https://api.openweathermap.org/data/3.0")
	cfg.Forecast.OpenMeteoURL = getEnv("OPENMETEO_URL", "https://api.open-meteo.com/v1")
	cfg.Forecast.Timeout = parseDuration(getEnv("HTTP_TIMEOUT", "10s"))

	// Synchronizer configuration
	cfg.Sync.ThrottleInterval = parseDuration(getEnv("THROTTLE_INTERVAL", "600s"))

	// Region store configuration
	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite))
	cfg.Store.Path = getEnv("STORE_PATH", "regions.db")

	// Scheduler configuration
	cfg.Scheduler.RefreshCron = getEnv("REFRESH_CRON", "")

	// Location configuration
	cfg.Location.FeedBuffer = parseInt(getEnv("LOCATION_FEED_BUFFER", "16"))
	if area, locality := getEnv("STATIC_LOCATION_ADMIN_AREA", ""), getEnv("STATIC_LOCATION_LOCALITY", ""); area != "" || locality != "" {
		cfg.Location.Static = &StaticLocation{
			Lat:                parseFloat(getEnv("STATIC_LOCATION_LAT", "0")),
			Lng:                parseFloat(getEnv("STATIC_LOCATION_LNG", "0")),
			AdministrativeArea: area,
			Locality:           locality,
		}
	}

	// Circuit breaker configuration
	cfg.CircuitBreaker.Threshold = parseInt(getEnv("CIRCUIT_BREAKER_THRESHOLD", "3"))
	cfg.CircuitBreaker.Timeout = parseDuration(getEnv("CIRCUIT_BREAKER_TIMEOUT", "30s"))

	// Retry configuration
	cfg.Retry.MaxRetries = parseInt(getEnv("MAX_RETRIES", "3"))
	cfg.Retry.Delay = parseDuration(getEnv("RETRY_DELAY", "1s"))
	cfg.Retry.Multiplier = parseFloat(getEnv("RETRY_MULTIPLIER", "2"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field requirements such as an API key
// for the OpenWeather provider.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scheduler.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.RefreshCron); err != nil {
			return fmt.Errorf("invalid configuration: REFRESH_CRON %q: %w", c.Scheduler.RefreshCron, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		zap.L().Warn("Failed to parse duration", zap.String("value", value), zap.Error(err))
		return 0
	}
	return duration
}

func parseInt(value string) int {
	intValue, err := strconv.Atoi(value)
	if err != nil {
		zap.L().Warn("Failed to parse int", zap.String("value", value), zap.Error(err))
		return 0
	}
	return intValue
}

func parseFloat(value string) float64 {
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		zap.L().Warn("Failed to parse float", zap.String("value", value), zap.Error(err))
		return 0
	}
	return floatValue
}
