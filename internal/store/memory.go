package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// memState is the full table set. It is only touched with MemoryStore.mu held.
type memState struct {
	stations     map[string]models.Station
	observations map[string][]models.Observation
	predictions  map[string][]models.Prediction
	alerts       map[string][]models.Alert
}

func newMemState() *memState {
	return &memState{
		stations:     make(map[string]models.Station),
		observations: make(map[string][]models.Observation),
		predictions:  make(map[string][]models.Prediction),
		alerts:       make(map[string][]models.Alert),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.stations {
		c.stations[k] = v
	}
	for k, v := range s.observations {
		c.observations[k] = append([]models.Observation(nil), v...)
	}
	for k, v := range s.predictions {
		c.predictions[k] = append([]models.Prediction(nil), v...)
	}
	for k, v := range s.alerts {
		c.alerts[k] = append([]models.Alert(nil), v...)
	}
	return c
}

// MemoryStore is an in-process Gateway. Transactions run against a copy of the
// tables that replaces the live set on commit.
type MemoryStore struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	state     *memState
	publisher changefeed.Publisher
	now       func() time.Time
}

// NewMemoryStore returns an empty store. publisher may be nil.
func NewMemoryStore(publisher changefeed.Publisher) *MemoryStore {
	return &MemoryStore{
		state:     newMemState(),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// memQueries implements Queries over one memState.
type memQueries struct {
	state *memState
	log   *changeLog
}

// write runs fn under the write lock and publishes its events afterwards.
func (m *MemoryStore) write(ctx context.Context, fn func(q *memQueries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	log := &changeLog{now: m.now}
	m.mu.Lock()
	err := fn(&memQueries{state: m.state, log: log})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	log.flush(m.publisher)
	return nil
}

func (m *MemoryStore) read() *memQueries {
	return &memQueries{state: m.state}
}

// WithinTx implements Gateway. Writers outside the transaction wait until it finishes.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	log := &changeLog{now: m.now}
	if err := fn(&memQueries{state: work, log: log}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	log.flush(m.publisher)
	return nil
}

func (m *MemoryStore) UpsertStations(ctx context.Context, stations []models.Station) ([]models.Station, error) {
	var out []models.Station
	err := m.write(ctx, func(q *memQueries) error {
		var err error
		out, err = q.UpsertStations(ctx, stations)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListStations(ctx context.Context) ([]models.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListStations(ctx)
}

func (m *MemoryStore) GetStation(ctx context.Context, id string) (models.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetStation(ctx, id)
}

func (m *MemoryStore) DeleteStations(ctx context.Context, ids ...string) (int64, error) {
	var n int64
	err := m.write(ctx, func(q *memQueries) error {
		var err error
		n, err = q.DeleteStations(ctx, ids...)
		return err
	})
	return n, err
}

func (m *MemoryStore) DeleteStationSeries(ctx context.Context, stationID string) error {
	return m.write(ctx, func(q *memQueries) error { return q.DeleteStationSeries(ctx, stationID) })
}

func (m *MemoryStore) InsertObservations(ctx context.Context, rows []models.Observation) error {
	return m.write(ctx, func(q *memQueries) error { return q.InsertObservations(ctx, rows) })
}

func (m *MemoryStore) InsertPredictions(ctx context.Context, rows []models.Prediction) error {
	return m.write(ctx, func(q *memQueries) error { return q.InsertPredictions(ctx, rows) })
}

func (m *MemoryStore) InsertAlerts(ctx context.Context, rows []models.Alert) error {
	return m.write(ctx, func(q *memQueries) error { return q.InsertAlerts(ctx, rows) })
}

func (m *MemoryStore) ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListObservations(ctx, stationID, limit)
}

func (m *MemoryStore) ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListPredictions(ctx, stationID, limit)
}

func (m *MemoryStore) ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListAlerts(ctx, stationID, activeOnly)
}

func (m *MemoryStore) SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error) {
	var out models.Alert
	err := m.write(ctx, func(q *memQueries) error {
		var err error
		out, err = q.SetAlertActive(ctx, alertID, active)
		return err
	})
	return out, err
}

// Ping implements Gateway.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Gateway.
func (m *MemoryStore) Close() error {
	return nil
}

func (q *memQueries) UpsertStations(ctx context.Context, stations []models.Station) ([]models.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(q.state.stations))
	for id, s := range q.state.stations {
		byName[s.Name] = id
	}
	for _, s := range stations {
		if s.Name == "" {
			return nil, fmt.Errorf("upsert station: name is required")
		}
	}
	out := make([]models.Station, 0, len(stations))
	for _, s := range stations {
		if id, ok := byName[s.Name]; ok {
			s.ID = id
			q.state.stations[id] = s
			q.log.add(changefeed.TableStations, changefeed.OpUpdate, id, id)
		} else {
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			q.state.stations[s.ID] = s
			byName[s.Name] = s.ID
			q.log.add(changefeed.TableStations, changefeed.OpInsert, s.ID, s.ID)
		}
		out = append(out, s)
	}
	return out, nil
}

func (q *memQueries) ListStations(ctx context.Context) ([]models.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Station, 0, len(q.state.stations))
	for _, s := range q.state.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (q *memQueries) GetStation(ctx context.Context, id string) (models.Station, error) {
	if err := ctx.Err(); err != nil {
		return models.Station{}, err
	}
	s, ok := q.state.stations[id]
	if !ok {
		return models.Station{}, fmt.Errorf("station %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (q *memQueries) DeleteStations(ctx context.Context, ids ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		for id := range q.state.stations {
			ids = append(ids, id)
		}
	}
	var n int64
	for _, id := range ids {
		if _, ok := q.state.stations[id]; !ok {
			continue
		}
		q.deleteSeries(id, false)
		delete(q.state.stations, id)
		q.log.add(changefeed.TableStations, changefeed.OpDelete, id, id)
		n++
	}
	return n, nil
}

func (q *memQueries) DeleteStationSeries(ctx context.Context, stationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := q.state.stations[stationID]; !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	q.deleteSeries(stationID, true)
	return nil
}

// deleteSeries removes child rows. With emit set it records one DELETE event per
// non-empty table; cascades from a station delete only report the station row.
func (q *memQueries) deleteSeries(stationID string, emit bool) {
	if emit && len(q.state.observations[stationID]) > 0 {
		q.log.add(changefeed.TableObservations, changefeed.OpDelete, stationID, "")
	}
	if emit && len(q.state.predictions[stationID]) > 0 {
		q.log.add(changefeed.TablePredictions, changefeed.OpDelete, stationID, "")
	}
	if emit && len(q.state.alerts[stationID]) > 0 {
		q.log.add(changefeed.TableAlerts, changefeed.OpDelete, stationID, "")
	}
	delete(q.state.observations, stationID)
	delete(q.state.predictions, stationID)
	delete(q.state.alerts, stationID)
}

func (q *memQueries) requireStation(stationID string) error {
	if _, ok := q.state.stations[stationID]; !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	return nil
}

func (q *memQueries) InsertObservations(ctx context.Context, rows []models.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rows {
		if err := q.requireStation(r.StationID); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		q.state.observations[r.StationID] = append(q.state.observations[r.StationID], r)
		q.log.add(changefeed.TableObservations, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *memQueries) InsertPredictions(ctx context.Context, rows []models.Prediction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rows {
		if err := q.requireStation(r.StationID); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
	}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		q.state.predictions[r.StationID] = append(q.state.predictions[r.StationID], r)
		q.log.add(changefeed.TablePredictions, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *memQueries) InsertAlerts(ctx context.Context, rows []models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rows {
		if err := q.requireStation(r.StationID); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if !r.Severity.Valid() {
			return fmt.Errorf("insert alert: invalid severity %q", r.Severity)
		}
	}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		q.state.alerts[r.StationID] = append(q.state.alerts[r.StationID], r)
		q.log.add(changefeed.TableAlerts, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *memQueries) ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := append([]models.Observation(nil), q.state.observations[stationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return truncate(out, limit), nil
}

func (q *memQueries) ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := append([]models.Prediction(nil), q.state.predictions[stationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PredictionDate.Before(out[j].PredictionDate) })
	return truncate(out, limit), nil
}

func (q *memQueries) ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Alert
	for _, a := range q.state.alerts[stationID] {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return models.Alert{}, err
	}
	for stationID, alerts := range q.state.alerts {
		for i := range alerts {
			if alerts[i].ID != alertID {
				continue
			}
			alerts[i].IsActive = active
			q.log.add(changefeed.TableAlerts, changefeed.OpUpdate, stationID, alertID)
			return alerts[i], nil
		}
	}
	return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
