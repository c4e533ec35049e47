package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ProviderOpenMeteo, cfg.Forecast.Provider)
	assert.Equal(t, 600*time.Second, cfg.Sync.ThrottleInterval)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "regions.db", cfg.Store.Path)
	assert.Empty(t, cfg.Scheduler.RefreshCron)
	assert.Equal(t, 16, cfg.Location.FeedBuffer)
	assert.Nil(t, cfg.Location.Static)
	assert.Equal(t, 3, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("FIBER_PORT", "9090")
	t.Setenv("FORECAST_PROVIDER", "OpenWeather")
	t.Setenv("OPENWEATHER_API_KEY", "secret")
	t.Setenv("THROTTLE_INTERVAL", "5m")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REFRESH_CRON", "*/15 * * * *")
	t.Setenv("STATIC_LOCATION_LAT", "37.5665")
	t.Setenv("STATIC_LOCATION_LNG", "126.978")
	t.Setenv("STATIC_LOCATION_ADMIN_AREA", "Seoul")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, ProviderOpenWeather, cfg.Forecast.Provider)
	assert.Equal(t, "secret", cfg.Forecast.OpenWeatherAPIKey)
	assert.Equal(t, 5*time.Minute, cfg.Sync.ThrottleInterval)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "*/15 * * * *", cfg.Scheduler.RefreshCron)

	require.NotNil(t, cfg.Location.Static)
	assert.Equal(t, 37.5665, cfg.Location.Static.Lat)
	assert.Equal(t, 126.978, cfg.Location.Static.Lng)
	assert.Equal(t, "Seoul", cfg.Location.Static.AdministrativeArea)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"openweather without key", map[string]string{"FORECAST_PROVIDER": "openweather"}},
		{"unknown provider", map[string]string{"FORECAST_PROVIDER": "darksky"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unparsable throttle", map[string]string{"THROTTLE_INTERVAL": "ten minutes"}},
		{"bad cron", map[string]string{"REFRESH_CRON": "every day"}},
		{"static latitude out of range", map[string]string{
			"STATIC_LOCATION_LAT":        "123",
			"STATIC_LOCATION_ADMIN_AREA": "Seoul",
		}},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
