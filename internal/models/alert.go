package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the closed set of alert levels.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityExtreme Severity = "extreme"
)

// AlertType labels the condition an alert warns about.
type AlertType string

const (
	AlertHeatWave     AlertType = "heat_wave"
	AlertHeavyRain    AlertType = "heavy_rain"
	AlertStrongWind   AlertType = "strong_wind"
	AlertHighHumidity AlertType = "high_humidity"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityExtreme:
		return true
	}
	return false
}

// ParseSeverity normalizes and validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity %q", s)
	}
	return sev, nil
}

// Alert is a derived warning notice for a station. Only IsActive changes after creation.
type Alert struct {
	ID        string    `json:"id"`
	StationID string    `json:"station_id"`
	AlertType AlertType `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
