package models

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type Coordinate struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Address is the reverse-geocoded place a coordinate resolves to.
type Address struct {
	AdministrativeArea string `json:"administrative_area"`
	Locality           string `json:"locality"`
}

// Key returns the normalized primary key for the address: each component is
// NFC-normalized, trimmed and has its whitespace collapsed, empty components
// are dropped, and a locality repeating the administrative area is dropped.
// Components are joined with one space, administrative area first. Case is kept.
func (a Address) Key() string {
	area := NormalizeAddress(a.AdministrativeArea)
	locality := NormalizeAddress(a.Locality)

	parts := make([]string, 0, 2)
	if area != "" {
		parts = append(parts, area)
	}
	if locality != "" && locality != area {
		parts = append(parts, locality)
	}
	return strings.Join(parts, " ")
}

// NormalizeAddress applies the Key whitespace and unicode rules to a raw string.
func NormalizeAddress(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// RegionWeather is one tracked region. Address is the primary key.
type RegionWeather struct {
	Address        string    `json:"address"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	CurrentTime    int64     `json:"current_time"`
	IsCurrLocation bool      `json:"is_curr_location"`
	IsUserSaved    bool      `json:"is_user_saved"`
	Forecast       *Forecast `json:"forecast,omitempty"`
}

// Coordinate returns the coordinate used for the next refresh of the region.
func (r RegionWeather) Coordinate() Coordinate {
	return Coordinate{Lat: r.Lat, Lng: r.Lng}
}

// FetchedAt converts CurrentTime to a time.Time.
func (r RegionWeather) FetchedAt() time.Time {
	return time.Unix(r.CurrentTime, 0).UTC()
}

// Transient reports whether the record only exists because it is the current location.
func (r RegionWeather) Transient() bool {
	return r.IsCurrLocation && !r.IsUserSaved
}

// Clone returns a deep copy of the record.
func (r RegionWeather) Clone() RegionWeather {
	r.Forecast = r.Forecast.Clone()
	return r
}

// CloneRegions deep-copies a region slice.
func CloneRegions(in []RegionWeather) []RegionWeather {
	out := make([]RegionWeather, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
