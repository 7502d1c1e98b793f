package generator

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

type constSource float64

func (c constSource) Float64() float64 { return float64(c) }

var fixedNow = time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC)

func newTestGenerator(t *testing.T, src Source) *Generator {
	t.Helper()
	g, err := New(src, clockwork.NewFakeClockAt(fixedNow), Options{})
	require.NoError(t, err)
	return g
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)

	_, err = New(constSource(0.5), nil, Options{StepHours: 5})
	assert.Error(t, err)

	_, err = New(constSource(0.5), nil, Options{HistoryDays: -1})
	assert.Error(t, err)
}

func TestObservations_CountAndOrdering(t *testing.T) {
	g := newTestGenerator(t, NewSeededSource(1))
	obs := g.Observations("st-1", climate.DefaultProfile)

	require.Len(t, obs, 192)
	assert.Equal(t, time.Date(2024, time.April, 18, 0, 0, 0, 0, time.UTC), obs[0].Timestamp)
	assert.Equal(t, time.Date(2024, time.April, 25, 23, 0, 0, 0, time.UTC), obs[len(obs)-1].Timestamp)
	for i := 1; i < len(obs); i++ {
		assert.True(t, obs[i].Timestamp.After(obs[i-1].Timestamp), "index %d not ascending", i)
	}
	for _, o := range obs {
		assert.True(t, o.Timestamp.Before(fixedNow))
		assert.Equal(t, "st-1", o.StationID)
	}
}

func TestObservations_Ranges(t *testing.T) {
	g := newTestGenerator(t, NewSeededSource(42))
	for _, s := range climate.Builtin().Stations() {
		for _, o := range g.Observations(s.Name, s.Profile) {
			assert.GreaterOrEqual(t, o.Humidity, 20.0)
			assert.LessOrEqual(t, o.Humidity, 95.0)
			assert.GreaterOrEqual(t, o.WindSpeed, 0.0)
			assert.GreaterOrEqual(t, o.Precipitation, 0.0)
			if o.Precipitation > 0 {
				assert.GreaterOrEqual(t, o.Precipitation, 2.0)
				assert.LessOrEqual(t, o.Precipitation, 17.0)
			}
		}
	}
}

func TestObservations_NoiseFreeValues(t *testing.T) {
	g := newTestGenerator(t, constSource(0.5))
	delhi := climate.Builtin().Lookup("Delhi Central")
	obs := g.Observations("delhi", delhi)

	midnight := obs[0]
	assert.Equal(t, 32.0, midnight.Temperature)
	assert.Equal(t, 60.0, midnight.Humidity)
	assert.Equal(t, 0.0, midnight.Precipitation)
	assert.Equal(t, 12.5, midnight.WindSpeed)
	assert.Equal(t, 1010.0, midnight.Pressure)

	noon := obs[12]
	assert.Equal(t, 46.0, noon.Temperature)
	assert.Equal(t, 25.0, noon.Humidity)
}

func TestObservations_FiveStationsTotal(t *testing.T) {
	g := newTestGenerator(t, NewSeededSource(7))
	total := 0
	for _, s := range climate.Builtin().Stations() {
		total += len(g.Observations(s.Name, s.Profile))
	}
	assert.Equal(t, 960, total)
}

func TestPredictions_CountDatesAndConfidence(t *testing.T) {
	g := newTestGenerator(t, NewSeededSource(3))
	preds := g.Predictions("st", climate.DefaultProfile)

	require.Len(t, preds, 20)
	assert.Equal(t, time.Date(2024, time.April, 27, 0, 0, 0, 0, time.UTC), preds[0].PredictionDate)
	assert.Equal(t, time.Date(2024, time.May, 1, 18, 0, 0, 0, time.UTC), preds[19].PredictionDate)
	for _, p := range preds {
		assert.True(t, p.PredictionDate.After(fixedNow))
		assert.GreaterOrEqual(t, p.Confidence, 75.0)
		assert.LessOrEqual(t, p.Confidence, 98.0)
		assert.GreaterOrEqual(t, p.PredictedHumidity, 20.0)
		assert.LessOrEqual(t, p.PredictedHumidity, 95.0)
	}
}

func TestPredictions_NoiseFreeTrendAndConfidence(t *testing.T) {
	g := newTestGenerator(t, constSource(0.5))
	preds := g.Predictions("st", climate.DefaultProfile)

	// day 0 and day 4 at 12:00
	assert.Equal(t, 31.0, preds[2].PredictedTemp)
	assert.Equal(t, 33.0, preds[18].PredictedTemp)
	assert.Equal(t, 95.0, preds[0].Confidence)
	assert.Equal(t, 83.0, preds[16].Confidence)
}

func TestPredictions_ConfiguredStep(t *testing.T) {
	g, err := New(constSource(0.5), clockwork.NewFakeClockAt(fixedNow), Options{ForecastDays: 2, StepHours: 12})
	require.NoError(t, err)
	assert.Len(t, g.Predictions("st", climate.DefaultProfile), 4)
	assert.Equal(t, 4, g.PredictionsPerStation())
}

func TestAlerts_Thresholds(t *testing.T) {
	tbl := climate.Builtin()
	tests := []struct {
		station string
		src     Source
		want    map[models.AlertType]models.Severity
	}{
		{"Delhi Central", constSource(0.5), map[models.AlertType]models.Severity{
			models.AlertHeatWave: models.SeverityHigh,
		}},
		{"Jaisalmer Desert", constSource(0.5), map[models.AlertType]models.Severity{
			models.AlertHeatWave:   models.SeverityExtreme,
			models.AlertStrongWind: models.SeverityMedium,
		}},
		{"Mumbai Coastal", constSource(0.5), map[models.AlertType]models.Severity{
			models.AlertHeavyRain: models.SeverityMedium,
		}},
		{"Mumbai Coastal", constSource(0.4), map[models.AlertType]models.Severity{
			models.AlertHeavyRain:    models.SeverityMedium,
			models.AlertHighHumidity: models.SeverityLow,
		}},
		{"Chennai Harbor", constSource(0.4), map[models.AlertType]models.Severity{
			models.AlertHeavyRain:    models.SeverityMedium,
			models.AlertStrongWind:   models.SeverityMedium,
			models.AlertHighHumidity: models.SeverityLow,
		}},
		{"Shimla Hills", constSource(0.1), map[models.AlertType]models.Severity{}},
	}
	for _, tt := range tests {
		t.Run(tt.station, func(t *testing.T) {
			g := newTestGenerator(t, tt.src)
			alerts := g.Alerts("id", tbl.Lookup(tt.station))

			got := make(map[models.AlertType]models.Severity, len(alerts))
			for _, a := range alerts {
				got[a.AlertType] = a.Severity
				assert.True(t, a.IsActive)
				assert.True(t, a.Severity.Valid())
				assert.Equal(t, fixedNow, a.CreatedAt)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerts_MessagesEmbedThresholdValues(t *testing.T) {
	g := newTestGenerator(t, constSource(0.5))
	alerts := g.Alerts("id", climate.Builtin().Lookup("Jaisalmer Desert"))
	require.Len(t, alerts, 2)
	assert.Contains(t, alerts[0].Message, "46°C")
	assert.Contains(t, alerts[1].Message, "35 km/h")
}

func TestGenerator_DeterministicWithSeedAndClock(t *testing.T) {
	p := climate.Builtin().Lookup("Chennai Harbor")
	a := newTestGenerator(t, NewSeededSource(99))
	b := newTestGenerator(t, NewSeededSource(99))

	assert.Equal(t, a.Observations("x", p), b.Observations("x", p))
	assert.Equal(t, a.Predictions("x", p), b.Predictions("x", p))
	assert.Equal(t, a.Alerts("x", p), b.Alerts("x", p))
}

func TestRound2AndClamp(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2349))
	assert.Equal(t, 1.24, round2(1.235001))
	assert.Equal(t, 20.0, clamp(3, 20, 95))
	assert.Equal(t, 95.0, clamp(120, 20, 95))
	assert.Equal(t, 50.0, clamp(50, 20, 95))
}
