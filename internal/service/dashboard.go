package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

// Default snapshot sizes when DashboardOptions leaves them zero.
const (
	DefaultHistoryLimit    = 24
	DefaultPredictionLimit = 20
)

// DashboardOptions configures DashboardService. Zero values select defaults;
// CoalesceTimeout 0 disables request coalescing and a nil Breaker disables circuit breaking.
type DashboardOptions struct {
	TTL             time.Duration
	HistoryLimit    int
	PredictionLimit int
	CoalesceTimeout time.Duration
	Breaker         *circuitbreaker.CircuitBreaker
	Invalidator     *Invalidator
	Clock           clockwork.Clock
}

// DashboardService builds dashboard snapshots using the cache-aside pattern with the
// store as source of truth. It also exposes the plain station reads the API serves.
type DashboardService struct {
	store           store.Gateway
	cache           cache.Cache
	ttl             time.Duration
	historyLimit    int
	predictionLimit int
	breaker         *circuitbreaker.CircuitBreaker
	invalidator     *Invalidator
	clock           clockwork.Clock
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if disabled
}

// NewDashboardService creates a DashboardService over the given store and cache.
func NewDashboardService(st store.Gateway, c cache.Cache, opts DashboardOptions) *DashboardService {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.PredictionLimit <= 0 {
		opts.PredictionLimit = DefaultPredictionLimit
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &DashboardService{
		store:           st,
		cache:           c,
		ttl:             opts.TTL,
		historyLimit:    opts.HistoryLimit,
		predictionLimit: opts.PredictionLimit,
		breaker:         opts.Breaker,
		invalidator:     opts.Invalidator,
		clock:           opts.Clock,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetDashboard returns the snapshot for stationID. Checks cache first, loads from the
// store on a miss and populates the cache. With an Invalidator, cache entries and
// coalesced loads belong to the station's generation at the time of the call.
func (s *DashboardService) GetDashboard(ctx context.Context, stationID string) (models.Dashboard, error) {
	key := normalizeStationID(stationID)
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordDashboardQuery(key)
	cacheKey := s.cacheKey(key)

	if s.cache != nil {
		getStart := time.Now()
		cached, ok, err := s.cache.Get(ctx, cacheKey)
		getDuration := time.Since(getStart).Seconds()
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		} else if ok {
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
			observability.CacheHitsTotal.WithLabelValues("dashboard").Inc()
			if logger != nil {
				logger.Debug("dashboard served", zap.String("station_id", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
			}
			return cached, nil
		}
	}

	concurrentMisses, endMiss := s.stampedeTracker.begin(key)
	defer endMiss()
	stationLabel := observability.MetricStationLabel(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(stationLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(stationLabel).Observe(float64(concurrentMisses))
	}

	var (
		data    models.Dashboard
		loadErr error
	)
	if s.coalescer != nil {
		coalesceStart := time.Now()
		var shared bool
		data, shared, loadErr = s.coalescer.GetOrDo(ctx, cacheKey, func(lctx context.Context) (models.Dashboard, error) {
			return s.loadAndCache(lctx, key, cacheKey)
		})
		if shared && loadErr == nil {
			observability.RequestCoalescingHitsTotal.WithLabelValues(stationLabel).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
		}
	} else {
		data, loadErr = s.loadAndCache(ctx, key, cacheKey)
	}
	if loadErr != nil {
		return models.Dashboard{}, fmt.Errorf("load dashboard for %s: %w", key, loadErr)
	}
	if logger != nil {
		logger.Debug("dashboard served", zap.String("station_id", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return data, nil
}

// cacheKey returns the key stationID's snapshot is cached and coalesced under.
func (s *DashboardService) cacheKey(stationID string) string {
	if s.invalidator == nil {
		return stationID
	}
	return s.invalidator.CacheKey(stationID)
}

// loadAndCache reads the snapshot from the store and stores it under cacheKey.
// A change committed after cacheKey was taken has already moved readers to a new key,
// so data never shadows it.
func (s *DashboardService) loadAndCache(ctx context.Context, stationID, cacheKey string) (models.Dashboard, error) {
	data, err := s.loadDashboard(ctx, stationID)
	if err != nil {
		return models.Dashboard{}, err
	}
	if s.cache == nil {
		return data, nil
	}
	// Skip entries nobody can read any more.
	if s.cacheKey(stationID) != cacheKey {
		return data, nil
	}
	_ = s.setCached(ctx, stationID, cacheKey, data)
	return data, nil
}

// setCached writes data to the cache, recording the outcome. Failures are logged only.
func (s *DashboardService) setCached(ctx context.Context, stationID, cacheKey string, data models.Dashboard) error {
	setStart := time.Now()
	err := s.cache.Set(ctx, cacheKey, data, s.ttl)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Warn("cache set failed", zap.String("station_id", stationID), zap.Error(err))
		}
		return err
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	return nil
}

func (s *DashboardService) loadDashboard(ctx context.Context, stationID string) (models.Dashboard, error) {
	var d models.Dashboard
	err := s.guard(ctx, func() error {
		station, err := s.store.GetStation(ctx, stationID)
		if err != nil {
			return err
		}
		history, err := s.store.ListObservations(ctx, stationID, s.historyLimit)
		if err != nil {
			return err
		}
		predictions, err := s.store.ListPredictions(ctx, stationID, s.predictionLimit)
		if err != nil {
			return err
		}
		alerts, err := s.store.ListAlerts(ctx, stationID, true)
		if err != nil {
			return err
		}

		// Store returns newest first; charts want oldest first with the newest as current.
		oldestFirst := make([]models.Observation, len(history))
		for i, obs := range history {
			oldestFirst[len(history)-1-i] = obs
		}
		d = models.Dashboard{
			Station:     station,
			History:     oldestFirst,
			Predictions: nonNil(predictions),
			Alerts:      nonNil(alerts),
			FetchedAt:   s.clock.Now().UTC(),
		}
		if len(oldestFirst) > 0 {
			current := oldestFirst[len(oldestFirst)-1]
			d.Current = &current
		}
		return nil
	})
	return d, err
}

// ListStations returns every station ordered by name.
func (s *DashboardService) ListStations(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	err := s.guard(ctx, func() (err error) {
		stations, err = s.store.ListStations(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	return nonNil(stations), nil
}

// GetStation returns one station or store.ErrNotFound.
func (s *DashboardService) GetStation(ctx context.Context, stationID string) (models.Station, error) {
	var station models.Station
	err := s.guard(ctx, func() (err error) {
		station, err = s.store.GetStation(ctx, normalizeStationID(stationID))
		return err
	})
	if err != nil {
		return models.Station{}, fmt.Errorf("get station %s: %w", stationID, err)
	}
	return station, nil
}

// ListObservations returns up to limit observations, newest first.
func (s *DashboardService) ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error) {
	id := normalizeStationID(stationID)
	var rows []models.Observation
	err := s.guard(ctx, func() error {
		if _, err := s.store.GetStation(ctx, id); err != nil {
			return err
		}
		var err error
		rows, err = s.store.ListObservations(ctx, id, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list observations for %s: %w", id, err)
	}
	return nonNil(rows), nil
}

// ListPredictions returns up to limit predictions, soonest first.
func (s *DashboardService) ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error) {
	id := normalizeStationID(stationID)
	var rows []models.Prediction
	err := s.guard(ctx, func() error {
		if _, err := s.store.GetStation(ctx, id); err != nil {
			return err
		}
		var err error
		rows, err = s.store.ListPredictions(ctx, id, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list predictions for %s: %w", id, err)
	}
	return nonNil(rows), nil
}

// ListAlerts returns the alerts of a station, newest first.
func (s *DashboardService) ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error) {
	id := normalizeStationID(stationID)
	var rows []models.Alert
	err := s.guard(ctx, func() error {
		if _, err := s.store.GetStation(ctx, id); err != nil {
			return err
		}
		var err error
		rows, err = s.store.ListAlerts(ctx, id, activeOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", id, err)
	}
	return nonNil(rows), nil
}

// SetAlertActive flips the active flag of an alert. The resulting change event
// invalidates the station's cached snapshot.
func (s *DashboardService) SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error) {
	alert, err := s.store.SetAlertActive(ctx, normalizeStationID(alertID), active)
	if err != nil {
		return models.Alert{}, fmt.Errorf("set alert %s active=%t: %w", alertID, active, err)
	}
	return alert, nil
}

// NewStoreBreaker builds the circuit breaker that guards store reads. Missing rows are
// answers, not failures, and state changes are exported as metrics.
func NewStoreBreaker(cfg circuitbreaker.Config) *circuitbreaker.CircuitBreaker {
	if cfg.Component == "" {
		cfg.Component = "store"
	}
	cfg.Neutral = func(err error) bool { return errors.Is(err, store.ErrNotFound) }
	component, next := cfg.Component, cfg.OnStateChange
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
		observability.SetCircuitBreakerStateGauge(component, observability.CircuitBreakerStateValue(int(to)))
		if next != nil {
			next(from, to)
		}
	}
	observability.SetCircuitBreakerStateGauge(component, 0)
	return circuitbreaker.New(cfg)
}

// guard runs fn through the circuit breaker when one is configured and reports an
// open circuit as store.ErrUnavailable.
func (s *DashboardService) guard(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	err := s.breaker.Call(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// normalizeStationID trims whitespace and lowercases ids so cache keys are consistent.
func normalizeStationID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
