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

const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1"

// OpenMeteoClient fetches forecasts from Open-Meteo. No API key is required.
type OpenMeteoClient struct {
	*BaseClient
	baseURL string
}

type OpenMeteoResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Current   struct {
		Time               int64   `json:"time"`
		Temperature2M      float64 `json:"temperature_2m"`
		ApparentTemp       float64 `json:"apparent_temperature"`
		RelativeHumidity2M float64 `json:"relative_humidity_2m"`
		PressureMSL        float64 `json:"pressure_msl"`
		WindSpeed10M       float64 `json:"wind_speed_10m"`
		WindDirection10M   float64 `json:"wind_direction_10m"`
		UVIndex            float64 `json:"uv_index"`
		WeatherCode        int     `json:"weather_code"`
	} `json:"current"`
	Hourly struct {
		Time                     []int64   `json:"time"`
		Temperature2M            []float64 `json:"temperature_2m"`
		PrecipitationProbability []float64 `json:"precipitation_probability"`
		WeatherCode              []int     `json:"weather_code"`
	} `json:"hourly"`
	Daily struct {
		Time                        []int64   `json:"time"`
		Temperature2MMax            []float64 `json:"temperature_2m_max"`
		Temperature2MMin            []float64 `json:"temperature_2m_min"`
		PrecipitationProbabilityMax []float64 `json:"precipitation_probability_max"`
		WeatherCode                 []int     `json:"weather_code"`
		Sunrise                     []int64   `json:"sunrise"`
		Sunset                      []int64   `json:"sunset"`
	} `json:"daily"`
}

func NewOpenMeteoClient(baseURL string, config ClientConfig, logger *zap.Logger) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	baseClient := NewBaseClient("openmeteo", config, logger)
	return &OpenMeteoClient{
		BaseClient: baseClient,
		baseURL:    baseURL,
	}
}

func (c *OpenMeteoClient) Name() string {
	return "open-meteo"
}

func (c *OpenMeteoClient) Fetch(ctx context.Context, lat, lng float64) (*models.Forecast, error) {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
	values.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,pressure_msl,wind_speed_10m,wind_direction_10m,uv_index,weather_code")
	values.Set("hourly", "temperature_2m,precipitation_probability,weather_code")
	values.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_probability_max,weather_code,sunrise,sunset")
	values.Set("forecast_days", "7")
	values.Set("timezone", "UTC")
	values.Set("timeformat", "unixtime")

	data, err := c.GetWithRetry(ctx, fmt.Sprintf("%s/forecast?%s", c.baseURL, values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}

	var response OpenMeteoResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse forecast response: %w", err)
	}

	cur := response.Current
	forecast := &models.Forecast{
		Current: models.CurrentWeather{
			Time:        time.Unix(cur.Time, 0).UTC(),
			Temperature: cur.Temperature2M,
			FeelsLike:   cur.ApparentTemp,
			Humidity:    cur.RelativeHumidity2M,
			Pressure:    cur.PressureMSL,
			UVIndex:     cur.UVIndex,
			WindSpeed:   cur.WindSpeed10M,
			WindDegree:  cur.WindDirection10M,
			Description: weatherCodeToDescription(cur.WeatherCode),
			Icon:        weatherCodeToIcon(cur.WeatherCode),
		},
		Source: c.Name(),
	}

	daily := response.Daily
	if len(daily.Sunrise) > 0 && len(daily.Sunset) > 0 {
		forecast.Current.Sunrise = time.Unix(daily.Sunrise[0], 0).UTC()
		forecast.Current.Sunset = time.Unix(daily.Sunset[0], 0).UTC()
	}

	hourly := response.Hourly
	n := minLen(len(hourly.Time), len(hourly.Temperature2M), len(hourly.PrecipitationProbability), len(hourly.WeatherCode))
	forecast.Hourly = make([]models.HourlyForecast, 0, n)
	for i := 0; i < n; i++ {
		forecast.Hourly = append(forecast.Hourly, models.HourlyForecast{
			Time:          time.Unix(hourly.Time[i], 0).UTC(),
			Temperature:   hourly.Temperature2M[i],
			Precipitation: hourly.PrecipitationProbability[i] / 100,
			Description:   weatherCodeToDescription(hourly.WeatherCode[i]),
			Icon:          weatherCodeToIcon(hourly.WeatherCode[i]),
		})
	}

	n = minLen(len(daily.Time), len(daily.Temperature2MMax), len(daily.Temperature2MMin), len(daily.PrecipitationProbabilityMax), len(daily.WeatherCode))
	forecast.Daily = make([]models.DailyForecast, 0, n)
	for i := 0; i < n; i++ {
		forecast.Daily = append(forecast.Daily, models.DailyForecast{
			Date:          time.Unix(daily.Time[i], 0).UTC(),
			MaxTemp:       daily.Temperature2MMax[i],
			MinTemp:       daily.Temperature2MMin[i],
			Precipitation: daily.PrecipitationProbabilityMax[i] / 100,
			Description:   weatherCodeToDescription(daily.WeatherCode[i]),
			Icon:          weatherCodeToIcon(daily.WeatherCode[i]),
		})
	}

	return forecast, nil
}

func minLen(lengths ...int) int {
	m := lengths[0]
	for _, l := range lengths[1:] {
		if l < m {
			m = l
		}
	}
	return m
}

// WMO Weather interpretation codes
var weatherCodes = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	56: "Light freezing drizzle",
	57: "Dense freezing drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	66: "Light freezing rain",
	67: "Heavy freezing rain",
	71: "Slight snow fall",
	73: "Moderate snow fall",
	75: "Heavy snow fall",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

func weatherCodeToDescription(code int) string {
	if desc, ok := weatherCodes[code]; ok {
		return desc
	}
	return "Unknown"
}

// weatherCodeToIcon maps WMO codes onto OpenWeather icon names so both
// providers render with the same icon set.
func weatherCodeToIcon(code int) string {
	switch {
	case code == 0:
		return "01d"
	case code <= 3:
		return "02d"
	case code <= 48:
		return "50d"
	case code <= 67:
		return "10d"
	case code <= 77:
		return "13d"
	case code <= 82:
		return "09d"
	case code <= 86:
		return "13d"
	default:
		return "11d"
	}
}
