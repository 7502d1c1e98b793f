package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// ErrUnknownStation is returned by Select for a station not in the current list.
var ErrUnknownStation = errors.New("unknown station")

// Source is what a Coordinator reads from.
type Source interface {
	Fetcher
	ListStations(ctx context.Context) ([]models.Station, error)
}

// CoordinatorOptions configures a Coordinator. All callbacks are optional and run on
// Coordinator goroutines, so they must not block for long.
type CoordinatorOptions struct {
	// Buffer is the changefeed subscription buffer. <= 0 uses the feed default.
	Buffer     int
	OnUpdate   func(models.Dashboard)
	OnError    func(stationID string, err error)
	OnStations func([]models.Station)
	Logger     *zap.Logger
}

// Coordinator owns the station list and the selected station for one dashboard
// consumer. It drives a Refresher from changefeed events.
type Coordinator struct {
	src       Source
	feed      *changefeed.Feed
	opts      CoordinatorOptions
	logger    *zap.Logger
	refresher *Refresher

	mu       sync.RWMutex
	stations []models.Station
	selected string
	running  context.Context
}

// NewCoordinator returns a Coordinator reading from src and subscribed to feed.
func NewCoordinator(src Source, feed *changefeed.Feed, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{src: src, feed: feed, opts: opts, logger: logger}
	c.refresher = NewRefresher(src, Callbacks{OnUpdate: opts.OnUpdate, OnError: opts.OnError}, logger)
	return c
}

// Run mounts the dashboard on initialStation (or the first station when empty or
// unknown) and then processes change events until ctx is done or the feed closes.
func (c *Coordinator) Run(ctx context.Context, initialStation string) error {
	events, cancel := c.feed.Subscribe(changefeed.Filter{}, c.opts.Buffer)
	defer cancel()

	ctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.refresher.Run(ctx)
	}()
	defer wg.Wait()
	defer stop()

	c.mu.Lock()
	c.running = ctx
	c.mu.Unlock()

	if err := c.reloadStations(ctx); err != nil {
		c.reportError("", err)
	}
	if target := c.pick(initialStation); target != "" {
		c.setSelected(target)
		if err := c.refresher.Start(ctx, target); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		}
	}
}

// Select switches the dashboard to stationID.
func (c *Coordinator) Select(stationID string) error {
	c.mu.RLock()
	ctx := c.running
	known := containsStation(c.stations, stationID)
	c.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("coordinator not running")
	}
	if !known {
		return fmt.Errorf("select %s: %w", stationID, ErrUnknownStation)
	}
	c.setSelected(stationID)
	return c.refresher.Select(ctx, stationID)
}

// Stations returns a copy of the current station list.
func (c *Coordinator) Stations() []models.Station {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Station(nil), c.stations...)
}

// Selected returns the selected station id, or "" before mount.
func (c *Coordinator) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// Snapshot returns the last successfully fetched snapshot, or nil.
func (c *Coordinator) Snapshot() *models.Dashboard {
	return c.refresher.Snapshot()
}

func (c *Coordinator) handleEvent(ctx context.Context, ev changefeed.Event) {
	if ev.Table != changefeed.TableStations {
		_ = c.refresher.Notify(ctx, ev)
		return
	}

	if err := c.reloadStations(ctx); err != nil {
		c.reportError(c.Selected(), err)
		return
	}
	current := c.Selected()
	if current != "" && c.hasStation(current) {
		if ev.StationID == current {
			_ = c.refresher.NotifyStation(ctx, ev)
		}
		return
	}
	// Selected station went away (or nothing was selected yet).
	if next := c.pick(""); next != "" {
		c.setSelected(next)
		_ = c.refresher.Select(ctx, next)
	} else {
		c.setSelected("")
	}
}

func (c *Coordinator) reloadStations(ctx context.Context) error {
	stations, err := c.src.ListStations(ctx)
	if err != nil {
		return fmt.Errorf("load stations: %w", err)
	}
	c.mu.Lock()
	c.stations = stations
	c.mu.Unlock()
	if c.opts.OnStations != nil {
		c.opts.OnStations(append(make([]models.Station, 0, len(stations)), stations...))
	}
	return nil
}

// pick returns preferred if it is in the list, otherwise the first station.
func (c *Coordinator) pick(preferred string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if preferred != "" && containsStation(c.stations, preferred) {
		return preferred
	}
	if len(c.stations) > 0 {
		return c.stations[0].ID
	}
	return ""
}

func (c *Coordinator) hasStation(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return containsStation(c.stations, id)
}

func (c *Coordinator) setSelected(id string) {
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
}

func (c *Coordinator) reportError(stationID string, err error) {
	c.logger.Warn("coordinator error", zap.String("station_id", stationID), zap.Error(err))
	if c.opts.OnError != nil {
		c.opts.OnError(stationID, err)
	}
}

func containsStation(stations []models.Station, id string) bool {
	for _, s := range stations {
		if s.ID == id {
			return true
		}
	}
	return false
}
