package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/generator"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

// ErrSeed wraps every seeding failure so handlers can map it to one error code.
var ErrSeed = errors.New("seed failed")

var tracer = otel.Tracer("weather-dashboard-seeder")

// Seeder populates the store with stations and generated series.
// Runs are serialized and each run is one store transaction.
type Seeder struct {
	store     store.Gateway
	profiles  *climate.Table
	generator *generator.Generator
	logger    *zap.Logger

	mu sync.Mutex
}

// NewSeeder creates a Seeder writing the stations of profiles through gen.
func NewSeeder(st store.Gateway, profiles *climate.Table, gen *generator.Generator, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		store:     st,
		profiles:  profiles,
		generator: gen,
		logger:    logger,
	}
}

// Seed upserts every station of the profile table by name, replaces each station's
// observations, predictions and alerts with freshly generated ones, and returns the
// counts written. With reset set, every existing station is deleted first, which also
// removes stations the table no longer lists. On error nothing is committed.
func (s *Seeder) Seed(ctx context.Context, reset bool) (summary models.SeedSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "seed",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Bool("seed.reset", reset)),
	)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.SeedRunsTotal.WithLabelValues(status).Inc()
		observability.SeedDurationSeconds.Observe(time.Since(start).Seconds())
		span.End()
	}()

	specs := s.profiles.Stations()
	err = s.store.WithinTx(ctx, func(q store.Queries) error {
		if reset {
			removed, err := q.DeleteStations(ctx)
			if err != nil {
				return fmt.Errorf("reset stations: %w", err)
			}
			s.logger.Info("seed reset", zap.Int64("stations_removed", removed))
		}

		rows := make([]models.Station, 0, len(specs))
		for _, spec := range specs {
			rows = append(rows, models.Station{
				Name:      spec.Name,
				Location:  spec.Location,
				Latitude:  spec.Latitude,
				Longitude: spec.Longitude,
			})
		}
		stations, err := q.UpsertStations(ctx, rows)
		if err != nil {
			return fmt.Errorf("upsert stations: %w", err)
		}

		var run models.SeedSummary
		for _, station := range stations {
			if err := q.DeleteStationSeries(ctx, station.ID); err != nil {
				return fmt.Errorf("clear series for %s: %w", station.Name, err)
			}
			profile := s.profiles.Lookup(station.Name)

			observations := s.generator.Observations(station.ID, profile)
			if err := q.InsertObservations(ctx, observations); err != nil {
				return fmt.Errorf("insert observations for %s: %w", station.Name, err)
			}
			predictions := s.generator.Predictions(station.ID, profile)
			if err := q.InsertPredictions(ctx, predictions); err != nil {
				return fmt.Errorf("insert predictions for %s: %w", station.Name, err)
			}
			alerts := s.generator.Alerts(station.ID, profile)
			if len(alerts) > 0 {
				if err := q.InsertAlerts(ctx, alerts); err != nil {
					return fmt.Errorf("insert alerts for %s: %w", station.Name, err)
				}
			}

			run.DataPoints += len(observations)
			run.Predictions += len(predictions)
			run.Alerts += len(alerts)
		}
		run.Stations = len(stations)
		summary = run
		return nil
	})
	if err != nil {
		s.logger.Error("seed failed", zap.Bool("reset", reset), zap.Error(err))
		return models.SeedSummary{}, fmt.Errorf("%w: %w", ErrSeed, err)
	}

	observability.SeedRowsTotal.WithLabelValues("stations").Add(float64(summary.Stations))
	observability.SeedRowsTotal.WithLabelValues("observations").Add(float64(summary.DataPoints))
	observability.SeedRowsTotal.WithLabelValues("predictions").Add(float64(summary.Predictions))
	observability.SeedRowsTotal.WithLabelValues("alerts").Add(float64(summary.Alerts))
	span.SetAttributes(
		attribute.Int("seed.stations", summary.Stations),
		attribute.Int("seed.observations", summary.DataPoints),
		attribute.Int("seed.predictions", summary.Predictions),
		attribute.Int("seed.alerts", summary.Alerts),
	)
	s.logger.Info("seed completed",
		zap.Bool("reset", reset),
		zap.Int("stations", summary.Stations),
		zap.Int("data_points", summary.DataPoints),
		zap.Int("predictions", summary.Predictions),
		zap.Int("alerts", summary.Alerts),
		zap.Duration("duration", time.Since(start)),
	)
	return summary, nil
}
