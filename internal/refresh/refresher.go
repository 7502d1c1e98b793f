// Package refresh keeps a dashboard snapshot consistent with store changes.
// A Refresher re-fetches the snapshot on mount, on station selection and on every
// change notification for the selected station; a Coordinator owns the station
// list and the selection and feeds the Refresher from a changefeed.
package refresh

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// State is the refresh state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// Trigger names what caused a refresh. Used as a metric label.
type Trigger string

const (
	TriggerMount        Trigger = "mount"
	TriggerSelection    Trigger = "selection"
	TriggerNotification Trigger = "notification"
)

// Fetcher loads one dashboard snapshot.
type Fetcher interface {
	GetDashboard(ctx context.Context, stationID string) (models.Dashboard, error)
}

// refreshTables are the tables whose changes affect a dashboard snapshot.
var refreshTables = map[string]struct{}{
	changefeed.TableObservations: {},
	changefeed.TablePredictions:  {},
	changefeed.TableAlerts:       {},
}

type request struct {
	trigger   Trigger
	stationID string
	event     changefeed.Event
	// stationRow marks a notification about the tracked station's own row.
	stationRow bool
}

// Callbacks receive refresh outcomes. Both run on the Refresher goroutine.
type Callbacks struct {
	OnUpdate func(models.Dashboard)
	OnError  func(stationID string, err error)
}

// Refresher runs the Idle/Refreshing state machine on a single goroutine.
// Requests are processed in order; none are merged or skipped.
type Refresher struct {
	fetcher   Fetcher
	callbacks Callbacks
	logger    *zap.Logger
	requests  chan request

	mu        sync.RWMutex
	state     State
	stationID string
	snapshot  *models.Dashboard
}

// NewRefresher returns a Refresher. Call Run before sending requests.
func NewRefresher(fetcher Fetcher, callbacks Callbacks, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		fetcher:   fetcher,
		callbacks: callbacks,
		logger:    logger,
		requests:  make(chan request, 16),
	}
}

// Run processes requests until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			r.handle(ctx, req)
		}
	}
}

// Start is the mount trigger: it selects stationID and fetches its snapshot.
func (r *Refresher) Start(ctx context.Context, stationID string) error {
	return r.send(ctx, request{trigger: TriggerMount, stationID: stationID})
}

// Select switches to stationID and fetches its snapshot.
func (r *Refresher) Select(ctx context.Context, stationID string) error {
	return r.send(ctx, request{trigger: TriggerSelection, stationID: stationID})
}

// Notify handles a change event. Events for other stations or unrelated tables are ignored.
func (r *Refresher) Notify(ctx context.Context, ev changefeed.Event) error {
	return r.send(ctx, request{trigger: TriggerNotification, event: ev})
}

// NotifyStation handles a change to a station row. It refreshes only when the row is
// the tracked station.
func (r *Refresher) NotifyStation(ctx context.Context, ev changefeed.Event) error {
	return r.send(ctx, request{trigger: TriggerNotification, event: ev, stationRow: true})
}

func (r *Refresher) send(ctx context.Context, req request) error {
	select {
	case r.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (r *Refresher) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// StationID returns the station the Refresher is tracking.
func (r *Refresher) StationID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stationID
}

// Snapshot returns the last successfully fetched snapshot, or nil.
func (r *Refresher) Snapshot() *models.Dashboard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil
	}
	snap := *r.snapshot
	return &snap
}

func (r *Refresher) handle(ctx context.Context, req request) {
	stationID := req.stationID
	if req.trigger == TriggerNotification {
		current := r.StationID()
		if !r.relevant(current, req.event, req.stationRow) {
			observability.RefreshTotal.WithLabelValues(string(req.trigger), "ignored").Inc()
			return
		}
		stationID = current
	}

	r.mu.Lock()
	r.stationID = stationID
	r.state = StateRefreshing
	r.mu.Unlock()

	d, err := r.fetcher.GetDashboard(ctx, stationID)

	r.mu.Lock()
	r.state = StateIdle
	if err == nil {
		r.snapshot = &d
	}
	r.mu.Unlock()

	if err != nil {
		observability.RefreshTotal.WithLabelValues(string(req.trigger), "error").Inc()
		r.logger.Warn("dashboard refresh failed",
			zap.String("trigger", string(req.trigger)),
			zap.String("station_id", stationID),
			zap.Error(err),
		)
		if r.callbacks.OnError != nil {
			r.callbacks.OnError(stationID, err)
		}
		return
	}
	observability.RefreshTotal.WithLabelValues(string(req.trigger), "success").Inc()
	if r.callbacks.OnUpdate != nil {
		r.callbacks.OnUpdate(d)
	}
}

func (r *Refresher) relevant(current string, ev changefeed.Event, stationRow bool) bool {
	if current == "" || ev.StationID != current {
		return false
	}
	if stationRow {
		return ev.Table == changefeed.TableStations
	}
	_, ok := refreshTables[ev.Table]
	return ok
}
