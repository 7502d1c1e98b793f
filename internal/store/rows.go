package store

import (
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// stationRow is the stations table.
type stationRow struct {
	ID        string  `gorm:"type:uuid;primaryKey;column:id"`
	Name      string  `gorm:"column:name;not null;uniqueIndex"`
	Location  string  `gorm:"column:location;not null"`
	Latitude  float64 `gorm:"column:latitude;not null"`
	Longitude float64 `gorm:"column:longitude;not null"`
}

func (stationRow) TableName() string { return "stations" }

type observationRow struct {
	ID            string     `gorm:"type:uuid;primaryKey;column:id"`
	StationID     string     `gorm:"type:uuid;column:station_id;not null;index:idx_observations_station_ts,priority:1"`
	Timestamp     time.Time  `gorm:"column:timestamp;not null;index:idx_observations_station_ts,priority:2"`
	Temperature   float64    `gorm:"column:temperature"`
	Humidity      float64    `gorm:"column:humidity"`
	Precipitation float64    `gorm:"column:precipitation"`
	WindSpeed     float64    `gorm:"column:wind_speed"`
	Pressure      float64    `gorm:"column:pressure"`
	Station       stationRow `gorm:"foreignKey:StationID;references:ID;constraint:OnDelete:CASCADE"`
}

func (observationRow) TableName() string { return "observations" }

type predictionRow struct {
	ID                     string     `gorm:"type:uuid;primaryKey;column:id"`
	StationID              string     `gorm:"type:uuid;column:station_id;not null;index:idx_predictions_station_date,priority:1"`
	PredictionDate         time.Time  `gorm:"column:prediction_date;not null;index:idx_predictions_station_date,priority:2"`
	PredictedTemp          float64    `gorm:"column:predicted_temp"`
	PredictedHumidity      float64    `gorm:"column:predicted_humidity"`
	PredictedPrecipitation float64    `gorm:"column:predicted_precipitation"`
	Confidence             float64    `gorm:"column:confidence;check:confidence >= 0 AND confidence <= 100"`
	Station                stationRow `gorm:"foreignKey:StationID;references:ID;constraint:OnDelete:CASCADE"`
}

func (predictionRow) TableName() string { return "predictions" }

type alertRow struct {
	ID        string     `gorm:"type:uuid;primaryKey;column:id"`
	StationID string     `gorm:"type:uuid;column:station_id;not null;index"`
	AlertType string     `gorm:"column:alert_type;not null"`
	Severity  string     `gorm:"column:severity;not null;check:severity IN ('low','medium','high','extreme')"`
	Message   string     `gorm:"column:message;type:text"`
	IsActive  bool       `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	Station   stationRow `gorm:"foreignKey:StationID;references:ID;constraint:OnDelete:CASCADE"`
}

func (alertRow) TableName() string { return "alerts" }

func toStationRow(s models.Station) stationRow {
	return stationRow{ID: s.ID, Name: s.Name, Location: s.Location, Latitude: s.Latitude, Longitude: s.Longitude}
}

func (r stationRow) model() models.Station {
	return models.Station{ID: r.ID, Name: r.Name, Location: r.Location, Latitude: r.Latitude, Longitude: r.Longitude}
}

func toObservationRow(o models.Observation) observationRow {
	return observationRow{
		ID:            o.ID,
		StationID:     o.StationID,
		Timestamp:     o.Timestamp,
		Temperature:   o.Temperature,
		Humidity:      o.Humidity,
		Precipitation: o.Precipitation,
		WindSpeed:     o.WindSpeed,
		Pressure:      o.Pressure,
	}
}

func (r observationRow) model() models.Observation {
	return models.Observation{
		ID:            r.ID,
		StationID:     r.StationID,
		Timestamp:     r.Timestamp.UTC(),
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		Precipitation: r.Precipitation,
		WindSpeed:     r.WindSpeed,
		Pressure:      r.Pressure,
	}
}

func toPredictionRow(p models.Prediction) predictionRow {
	return predictionRow{
		ID:                     p.ID,
		StationID:              p.StationID,
		PredictionDate:         p.PredictionDate,
		PredictedTemp:          p.PredictedTemp,
		PredictedHumidity:      p.PredictedHumidity,
		PredictedPrecipitation: p.PredictedPrecipitation,
		Confidence:             p.Confidence,
	}
}

func (r predictionRow) model() models.Prediction {
	return models.Prediction{
		ID:                     r.ID,
		StationID:              r.StationID,
		PredictionDate:         r.PredictionDate.UTC(),
		PredictedTemp:          r.PredictedTemp,
		PredictedHumidity:      r.PredictedHumidity,
		PredictedPrecipitation: r.PredictedPrecipitation,
		Confidence:             r.Confidence,
	}
}

func toAlertRow(a models.Alert) alertRow {
	return alertRow{
		ID:        a.ID,
		StationID: a.StationID,
		AlertType: string(a.AlertType),
		Severity:  string(a.Severity),
		Message:   a.Message,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt,
	}
}

func (r alertRow) model() models.Alert {
	return models.Alert{
		ID:        r.ID,
		StationID: r.StationID,
		AlertType: models.AlertType(r.AlertType),
		Severity:  models.Severity(r.Severity),
		Message:   r.Message,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.UTC(),
	}
}
