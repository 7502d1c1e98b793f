package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// invalidateTimeout bounds one cache delete issued from a change event.
const invalidateTimeout = 2 * time.Second

// Invalidator sits between the store and the changefeed. Every committed change moves the
// affected station to a new generation before the event reaches subscribers. Snapshots are
// cached and coalesced under a generation-qualified key, so a refresh triggered by the
// event never reads, or joins a load of, the pre-change snapshot.
type Invalidator struct {
	cache  cache.Cache
	next   changefeed.Publisher
	logger *zap.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

// NewInvalidator returns an Invalidator that forwards events to next after invalidation.
// next may be nil.
func NewInvalidator(c cache.Cache, next changefeed.Publisher, logger *zap.Logger) *Invalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{
		cache:       c,
		next:        next,
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Publish implements changefeed.Publisher.
func (inv *Invalidator) Publish(events ...changefeed.Event) {
	seen := make(map[string]struct{}, 1)
	for _, ev := range events {
		if ev.StationID == "" {
			continue
		}
		if _, ok := seen[ev.StationID]; ok {
			continue
		}
		seen[ev.StationID] = struct{}{}
		inv.invalidate(ev.StationID)
	}
	if inv.next != nil {
		inv.next.Publish(events...)
	}
}

// Generation returns a counter that increases every time stationID is invalidated.
func (inv *Invalidator) Generation(stationID string) uint64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.generations[stationID]
}

// CacheKey returns the key of stationID's snapshot in its current generation.
func (inv *Invalidator) CacheKey(stationID string) string {
	return generationKey(stationID, inv.Generation(stationID))
}

func generationKey(stationID string, gen uint64) string {
	return stationID + "@" + strconv.FormatUint(gen, 10)
}

func (inv *Invalidator) invalidate(stationID string) {
	inv.mu.Lock()
	prev := inv.generations[stationID]
	inv.generations[stationID] = prev + 1
	inv.mu.Unlock()

	observability.CacheInvalidationsTotal.Inc()
	if inv.cache == nil {
		return
	}
	// The old entry is already unreachable; deleting it only frees space.
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := inv.cache.Delete(ctx, generationKey(stationID, prev)); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete", categorizeCacheError(err)).Inc()
		inv.logger.Warn("cache invalidation failed", zap.String("station_id", stationID), zap.Error(err))
	}
}
