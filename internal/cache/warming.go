package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// DashboardFetcher is implemented by the service layer to load a station's snapshot.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type DashboardFetcher interface {
	GetDashboard(ctx context.Context, stationID string) (models.Dashboard, error)
}

// StationLister supplies the station ids to warm on each run.
type StationLister func(ctx context.Context) ([]string, error)

// CacheWarmer warms the cache by prefetching dashboards for every station.
type CacheWarmer struct {
	fetcher DashboardFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher DashboardFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches dashboards for each station concurrently and populates the cache via the fetcher.
// Returns an error if any station failed (aggregated).
func (w *CacheWarmer) Warm(ctx context.Context, stationIDs []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("stations", len(stationIDs)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(stationIDs))
	for _, id := range stationIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.GetDashboard(ctx, id); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", id, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("stations", len(stationIDs)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic resolves stations with list and warms them, then repeats at the given
// interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, list StationLister, interval time.Duration) error {
	w.warmListed(ctx, list, "initial")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.warmListed(ctx, list, "periodic")
		}
	}
}

func (w *CacheWarmer) warmListed(ctx context.Context, list StationLister, phase string) {
	ids, err := list(ctx)
	if err == nil {
		err = w.Warm(ctx, ids)
	}
	if err != nil && w.logger != nil {
		w.logger.Warn(phase+" cache warm failed", zap.Error(err))
	}
}
