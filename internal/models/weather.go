package models

import (
	"time"
)

type CurrentWeather struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feels_like"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	UVIndex     float64   `json:"uv_index"`
	WindSpeed   float64   `json:"wind_speed"`
	WindDegree  float64   `json:"wind_degree"`
	Sunrise     time.Time `json:"sunrise"`
	Sunset      time.Time `json:"sunset"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
}

type HourlyForecast struct {
	Time          time.Time `json:"time"`
	Temperature   float64   `json:"temperature"`
	Precipitation float64   `json:"precipitation_probability"`
	Description   string    `json:"description"`
	Icon          string    `json:"icon"`
}

type DailyForecast struct {
	Date          time.Time `json:"date"`
	MaxTemp       float64   `json:"max_temp"`
	MinTemp       float64   `json:"min_temp"`
	Precipitation float64   `json:"precipitation_probability"`
	Description   string    `json:"description"`
	Icon          string    `json:"icon"`
}

// Forecast is the decoded provider response for one coordinate.
type Forecast struct {
	Current CurrentWeather   `json:"current"`
	Hourly  []HourlyForecast `json:"hourly"`
	Daily   []DailyForecast  `json:"daily"`
	Source  string           `json:"source"`
}

// Clone returns a deep copy so callers can hand out forecasts without sharing slices.
func (f *Forecast) Clone() *Forecast {
	if f == nil {
		return nil
	}
	out := *f
	out.Hourly = append([]HourlyForecast(nil), f.Hourly...)
	out.Daily = append([]DailyForecast(nil), f.Daily...)
	return &out
}
