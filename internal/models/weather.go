package models

// Precipitation is the simplified precipitation category stored per record.
type Precipitation string

const (
	PrecipitationNone Precipitation = "none"
	PrecipitationRain Precipitation = "rain"
	PrecipitationSnow Precipitation = "snow"
)

// Valid reports whether p is one of the known categories.
func (p Precipitation) Valid() bool {
	switch p {
	case PrecipitationNone, PrecipitationRain, PrecipitationSnow:
		return true
	}
	return false
}

// WeatherRecord is the persisted result of a location lookup. Records are
// written once on the first miss and never updated.
type WeatherRecord struct {
	Location        string        `json:"location"`
	UpdatedAtMillis int64         `json:"updatedAtMillis"`
	Precipitation   Precipitation `json:"precipitation"`
	WindSpeed       float64       `json:"windSpeed"`
	CloudCoverage   int           `json:"cloudCoverage"`
	Sunrise         int64         `json:"sunrise"` // epoch seconds
	Sunset          int64         `json:"sunset"`  // epoch seconds
}

// UpstreamWeather holds the fields parsed from the provider response.
type UpstreamWeather struct {
	ConditionCode int
	WindSpeed     float64
	CloudCoverage int
	Sunrise       int64
	Sunset        int64
}

// LightData is the sunrise/sunset pair returned to callers.
type LightData struct {
	Sunrise int64 `json:"sunrise"`
	Sunset  int64 `json:"sunset"`
}

// WeatherSummary is the response body of GET /weather/{location}.
type WeatherSummary struct {
	Precipitation string    `json:"precipitation"`
	Wind          float64   `json:"wind"`
	NumClouds     int       `json:"numClouds"`
	LightData     LightData `json:"lightData"`
}

// Summary shapes a stored record for the API.
func (r WeatherRecord) Summary() WeatherSummary {
	return WeatherSummary{
		Precipitation: string(r.Precipitation),
		Wind:          r.WindSpeed,
		NumClouds:     r.CloudCoverage,
		LightData: LightData{
			Sunrise: r.Sunrise,
			Sunset:  r.Sunset,
		},
	}
}
