// Package store persists stations and their observation, prediction and alert
// series, and reports committed row changes to a changefeed.Publisher.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

var (
	// ErrNotFound is returned when a station or alert does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the backing database cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// Queries are the row operations available both on a Gateway and inside a transaction.
type Queries interface {
	// UpsertStations inserts stations by name, or updates the location and
	// coordinates of an existing station with the same name. Returned stations carry ids.
	UpsertStations(ctx context.Context, stations []models.Station) ([]models.Station, error)
	// ListStations returns every station ordered by name.
	ListStations(ctx context.Context) ([]models.Station, error)
	GetStation(ctx context.Context, id string) (models.Station, error)
	// DeleteStations deletes the given stations and their series. No ids deletes every station.
	DeleteStations(ctx context.Context, ids ...string) (int64, error)
	// DeleteStationSeries deletes the observations, predictions and alerts of one station.
	DeleteStationSeries(ctx context.Context, stationID string) error

	InsertObservations(ctx context.Context, rows []models.Observation) error
	InsertPredictions(ctx context.Context, rows []models.Prediction) error
	InsertAlerts(ctx context.Context, rows []models.Alert) error

	// ListObservations returns the newest observations first. limit <= 0 returns all.
	ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error)
	// ListPredictions returns predictions soonest first. limit <= 0 returns all.
	ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error)
	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error)
	SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error)
}

// Gateway is the persistence boundary used by the services.
type Gateway interface {
	Queries
	// WithinTx runs fn in a transaction. Change events are published only after commit.
	WithinTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendInMemory = "in_memory"
	BackendPostgres = "postgres"
)

// changeLog collects events for one unit of work.
type changeLog struct {
	now    func() time.Time
	events []changefeed.Event
}

func (c *changeLog) add(table string, op changefeed.Op, stationID, rowID string) {
	c.events = append(c.events, changefeed.Event{
		Table:     table,
		Op:        op,
		StationID: stationID,
		RowID:     rowID,
		At:        c.now(),
	})
}

func (c *changeLog) flush(p changefeed.Publisher) {
	if p != nil && len(c.events) > 0 {
		p.Publish(c.events...)
	}
	c.events = nil
}
