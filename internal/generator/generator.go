// Package generator synthesizes historical observations, forecasts and
// threshold alerts for a station from its climate profile.
package generator

import (
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

const (
	DefaultHistoryDays  = 7
	DefaultForecastDays = 5
	DefaultStepHours    = 6

	minHumidity = 20.0
	maxHumidity = 95.0

	minConfidence = 75.0
	maxConfidence = 98.0

	heatWaveThreshold     = 38.0
	extremeHeatThreshold  = 42.0
	heavyRainThreshold    = 0.22
	strongWindThreshold   = 30.0
	highHumidityThreshold = 75.0
)

// Options controls series length. Zero values select the defaults.
type Options struct {
	HistoryDays  int
	ForecastDays int
	StepHours    int
}

// Generator produces fresh series on every call. The zero value is not usable; use New.
type Generator struct {
	src   Source
	clock clockwork.Clock
	opts  Options
}

// New returns a Generator. A nil clock uses the real clock.
func New(src Source, clock clockwork.Clock, opts Options) (*Generator, error) {
	if src == nil {
		return nil, fmt.Errorf("generator: source is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.HistoryDays == 0 {
		opts.HistoryDays = DefaultHistoryDays
	}
	if opts.ForecastDays == 0 {
		opts.ForecastDays = DefaultForecastDays
	}
	if opts.StepHours == 0 {
		opts.StepHours = DefaultStepHours
	}
	if opts.HistoryDays < 0 || opts.ForecastDays < 0 {
		return nil, fmt.Errorf("generator: negative day count")
	}
	if opts.StepHours < 1 || 24%opts.StepHours != 0 {
		return nil, fmt.Errorf("generator: step hours %d must divide 24", opts.StepHours)
	}
	return &Generator{src: src, clock: clock, opts: opts}, nil
}

// ObservationsPerStation is the number of rows Observations returns.
func (g *Generator) ObservationsPerStation() int {
	return (g.opts.HistoryDays + 1) * 24
}

// PredictionsPerStation is the number of rows Predictions returns.
func (g *Generator) PredictionsPerStation() int {
	return g.opts.ForecastDays * (24 / g.opts.StepHours)
}

// Observations returns hourly history ending yesterday at 23:00 UTC, oldest first.
func (g *Generator) Observations(stationID string, p climate.Profile) []models.Observation {
	today := startOfDay(g.clock.Now())
	out := make([]models.Observation, 0, g.ObservationsPerStation())

	for d := g.opts.HistoryDays; d >= 0; d-- {
		dayStart := today.AddDate(0, 0, -(d + 1))
		for h := 0; h < 24; h++ {
			hf := hourFactor(h)

			precip := 0.0
			if g.src.Float64() < p.RainProbability {
				precip = g.uniform(2, 17)
			}

			out = append(out, models.Observation{
				StationID:     stationID,
				Timestamp:     dayStart.Add(time.Duration(h) * time.Hour),
				Temperature:   round2(p.BaseTemp + hf*p.TempRange + g.uniform(-1, 1)),
				Humidity:      round2(g.humidity(p, hf)),
				Precipitation: round2(precip),
				WindSpeed:     round2(math.Max(0, g.uniform(p.WindSpeed.Min, p.WindSpeed.Max)+g.uniform(-2.5, 2.5))),
				Pressure:      round2(1010 + 8*math.Sin(math.Pi*float64(d)/7) + g.uniform(-2.5, 2.5)),
			})
		}
	}
	return out
}

// Predictions returns forecasts starting tomorrow at 00:00 UTC, soonest first.
func (g *Generator) Predictions(stationID string, p climate.Profile) []models.Prediction {
	today := startOfDay(g.clock.Now())
	out := make([]models.Prediction, 0, g.PredictionsPerStation())

	for d := 0; d < g.opts.ForecastDays; d++ {
		dayStart := today.AddDate(0, 0, d+1)
		trend := 0.5 * float64(d)
		for h := 0; h < 24; h += g.opts.StepHours {
			hf := hourFactor(h)

			precip := 0.0
			if g.src.Float64() < 0.8*p.RainProbability {
				precip = g.uniform(1, 9)
			}

			out = append(out, models.Prediction{
				StationID:              stationID,
				PredictionDate:         dayStart.Add(time.Duration(h) * time.Hour),
				PredictedTemp:          round2(p.BaseTemp + hf*p.TempRange + trend),
				PredictedHumidity:      round2(g.humidity(p, hf)),
				PredictedPrecipitation: round2(precip),
				Confidence:             round2(clamp(95-3*float64(d)+g.uniform(-2, 2), minConfidence, maxConfidence)),
			})
		}
	}
	return out
}

// Alerts derives threshold alerts from the profile. All alerts start active.
func (g *Generator) Alerts(stationID string, p climate.Profile) []models.Alert {
	now := g.clock.Now().UTC()
	var out []models.Alert

	add := func(t models.AlertType, sev models.Severity, msg string) {
		out = append(out, models.Alert{
			StationID: stationID,
			AlertType: t,
			Severity:  sev,
			Message:   msg,
			IsActive:  true,
			CreatedAt: now,
		})
	}

	if p.BaseTemp > heatWaveThreshold {
		sev := models.SeverityHigh
		if p.BaseTemp > extremeHeatThreshold {
			sev = models.SeverityExtreme
		}
		add(models.AlertHeatWave, sev,
			fmt.Sprintf("Heat wave warning: temperatures expected to reach %.0f°C. Stay hydrated and avoid outdoor activity at midday.", p.BaseTemp+3))
	}
	if p.RainProbability > heavyRainThreshold {
		add(models.AlertHeavyRain, models.SeverityMedium,
			"Heavy rainfall expected in the next 48 hours. Possible waterlogging in low-lying areas.")
	}
	if p.WindSpeed.Max > strongWindThreshold {
		add(models.AlertStrongWind, models.SeverityMedium,
			fmt.Sprintf("Strong winds up to %.0f km/h expected. Secure loose objects outdoors.", p.WindSpeed.Max))
	}
	if p.Humidity.Max > highHumidityThreshold && g.src.Float64() < 0.5 {
		add(models.AlertHighHumidity, models.SeverityLow,
			"High humidity levels expected. Heat index may feel higher than actual temperature.")
	}
	return out
}

// humidity is anti-correlated with the diurnal temperature curve.
func (g *Generator) humidity(p climate.Profile, hf float64) float64 {
	span := p.Humidity.Max - p.Humidity.Min
	v := p.Humidity.Min + span*(1-(hf+1)/2) + g.uniform(-5, 5)
	return clamp(v, minHumidity, maxHumidity)
}

func (g *Generator) uniform(a, b float64) float64 {
	return a + (b-a)*g.src.Float64()
}

// hourFactor peaks at 12:00 and bottoms out at 00:00.
func hourFactor(h int) float64 {
	return math.Sin(2 * math.Pi * float64(h-6) / 24)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
