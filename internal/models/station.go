package models

import "time"

// Station is a named location that every weather record attaches to.
type Station struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Location  string  `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Observation is a single measured reading for a station.
type Observation struct {
	ID            string    `json:"id"`
	StationID     string    `json:"station_id"`
	Timestamp     time.Time `json:"timestamp"`
	Temperature   float64   `json:"temperature"`
	Humidity      float64   `json:"humidity"`
	Precipitation float64   `json:"precipitation"`
	WindSpeed     float64   `json:"wind_speed"`
	Pressure      float64   `json:"pressure"`
}

// Prediction is a forecast reading for a future point in time.
type Prediction struct {
	ID                     string    `json:"id"`
	StationID              string    `json:"station_id"`
	PredictionDate         time.Time `json:"prediction_date"`
	PredictedTemp          float64   `json:"predicted_temp"`
	PredictedHumidity      float64   `json:"predicted_humidity"`
	PredictedPrecipitation float64   `json:"predicted_precipitation"`
	Confidence             float64   `json:"confidence"`
}

// Dashboard is the snapshot a dashboard view renders for one station.
// Current is nil when the station has no observations yet.
type Dashboard struct {
	Station     Station       `json:"station"`
	Current     *Observation  `json:"current,omitempty"`
	History     []Observation `json:"history"`
	Predictions []Prediction  `json:"predictions"`
	Alerts      []Alert       `json:"alerts"`
	FetchedAt   time.Time     `json:"fetched_at"`
}

// SeedSummary reports how many rows a seeding run wrote.
type SeedSummary struct {
	Stations    int `json:"stations"`
	DataPoints  int `json:"dataPoints"`
	Predictions int `json:"predictions"`
	Alerts      int `json:"alerts"`
}
