package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/3.0"

// OpenWeatherClient fetches forecasts from the OpenWeather One Call API.
type OpenWeatherClient struct {
	*BaseClient
	apiKey  string
	baseURL string
}

type openWeatherCondition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type OpenWeatherOneCallResponse struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone"`
	Current  struct {
		Dt        int64                  `json:"dt"`
		Sunrise   int64                  `json:"sunrise"`
		Sunset    int64                  `json:"sunset"`
		Temp      float64                `json:"temp"`
		FeelsLike float64                `json:"feels_like"`
		Pressure  float64                `json:"pressure"`
		Humidity  float64                `json:"humidity"`
		UVI       float64                `json:"uvi"`
		WindSpeed float64                `json:"wind_speed"`
		WindDeg   float64                `json:"wind_deg"`
		Weather   []openWeatherCondition `json:"weather"`
	} `json:"current"`
	Hourly []struct {
		Dt      int64                  `json:"dt"`
		Temp    float64                `json:"temp"`
		Pop     float64                `json:"pop"`
		Weather []openWeatherCondition `json:"weather"`
	} `json:"hourly"`
	Daily []struct {
		Dt   int64 `json:"dt"`
		Temp struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
		Pop     float64                `json:"pop"`
		Weather []openWeatherCondition `json:"weather"`
	} `json:"daily"`
}

func NewOpenWeatherClient(apiKey, baseURL string, config ClientConfig, logger *zap.Logger) *OpenWeatherClient {
	if baseURL == "" {
		baseURL = DefaultOpenWeatherURL
	}
	baseClient := NewBaseClient("openweather", config, logger)
	return &OpenWeatherClient{
		BaseClient: baseClient,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

func (c *OpenWeatherClient) Name() string {
	return "openweathermap"
}

func (c *OpenWeatherClient) Fetch(ctx context.Context, lat, lng float64) (*models.Forecast, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	values.Set("appid", c.apiKey)
	values.Set("units", "metric")
	values.Set("exclude", "minutely,alerts")

	data, err := c.GetWithRetry(ctx, fmt.Sprintf("%s/onecall?%s", c.baseURL, values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}

	var response OpenWeatherOneCallResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	desc, icon := firstCondition(response.Current.Weather)
	forecast := &models.Forecast{
		Current: models.CurrentWeather{
			Time:        time.Unix(response.Current.Dt, 0).UTC(),
			Temperature: response.Current.Temp,
			FeelsLike:   response.Current.FeelsLike,
			Humidity:    response.Current.Humidity,
			Pressure:    response.Current.Pressure,
			UVIndex:     response.Current.UVI,
			WindSpeed:   response.Current.WindSpeed,
			WindDegree:  response.Current.WindDeg,
			Sunrise:     time.Unix(response.Current.Sunrise, 0).UTC(),
			Sunset:      time.Unix(response.Current.Sunset, 0).UTC(),
			Description: desc,
			Icon:        icon,
		},
		Hourly: make([]models.HourlyForecast, 0, len(response.Hourly)),
		Daily:  make([]models.DailyForecast, 0, len(response.Daily)),
		Source: c.Name(),
	}

	for _, h := range response.Hourly {
		desc, icon := firstCondition(h.Weather)
		forecast.Hourly = append(forecast.Hourly, models.HourlyForecast{
			Time:          time.Unix(h.Dt, 0).UTC(),
			Temperature:   h.Temp,
			Precipitation: h.Pop,
			Description:   desc,
			Icon:          icon,
		})
	}

	for _, d := range response.Daily {
		desc, icon := firstCondition(d.Weather)
		forecast.Daily = append(forecast.Daily, models.DailyForecast{
			Date:          time.Unix(d.Dt, 0).UTC(),
			MaxTemp:       d.Temp.Max,
			MinTemp:       d.Temp.Min,
			Precipitation: d.Pop,
			Description:   desc,
			Icon:          icon,
		})
	}

	return forecast, nil
}

func firstCondition(items []openWeatherCondition) (string, string) {
	if len(items) == 0 {
		return "Unknown", ""
	}
	return items[0].Description, items[0].Icon
}
