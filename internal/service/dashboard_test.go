package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/generator"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

var testNow = time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)

// countingStore wraps a Gateway and counts GetStation calls; failErr forces every read to fail.
type countingStore struct {
	store.Gateway
	getStationCalls atomic.Int32
	failErr         error
	delay           time.Duration
}

func (c *countingStore) GetStation(ctx context.Context, id string) (models.Station, error) {
	c.getStationCalls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failErr != nil {
		return models.Station{}, c.failErr
	}
	return c.Gateway.GetStation(ctx, id)
}

func (c *countingStore) ListStations(ctx context.Context) ([]models.Station, error) {
	if c.failErr != nil {
		return nil, c.failErr
	}
	return c.Gateway.ListStations(ctx)
}

// seededStore returns a memory store seeded with the built-in stations.
func seededStore(t *testing.T, publisher changefeed.Publisher) (*store.MemoryStore, []models.Station) {
	t.Helper()
	mem := store.NewMemoryStore(publisher)
	gen, err := generator.New(generator.NewSeededSource(7), clockwork.NewFakeClockAt(testNow), generator.Options{})
	if err != nil {
		t.Fatalf("generator.New() error = %v", err)
	}
	seeder := NewSeeder(mem, climate.Builtin(), gen, nil)
	if _, err := seeder.Seed(context.Background(), false); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	stations, err := mem.ListStations(context.Background())
	if err != nil {
		t.Fatalf("ListStations() error = %v", err)
	}
	return mem, stations
}

func stationByName(t *testing.T, stations []models.Station, name string) models.Station {
	t.Helper()
	for _, s := range stations {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("station %q not found", name)
	return models.Station{}
}

func TestDashboardService_GetDashboard_Snapshot(t *testing.T) {
	mem, stations := seededStore(t, nil)
	delhi := stationByName(t, stations, "Delhi Central")
	svc := NewDashboardService(mem, cache.NewInMemoryCache(), DashboardOptions{
		TTL:             time.Minute,
		HistoryLimit:    24,
		PredictionLimit: 8,
		Clock:           clockwork.NewFakeClockAt(testNow),
	})

	d, err := svc.GetDashboard(context.Background(), delhi.ID)
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if d.Station.ID != delhi.ID {
		t.Errorf("Station.ID = %q, want %q", d.Station.ID, delhi.ID)
	}
	if len(d.History) != 24 {
		t.Fatalf("len(History) = %d, want 24", len(d.History))
	}
	for i := 1; i < len(d.History); i++ {
		if !d.History[i].Timestamp.After(d.History[i-1].Timestamp) {
			t.Fatalf("History not oldest-first at %d", i)
		}
	}
	if d.Current == nil || !d.Current.Timestamp.Equal(d.History[len(d.History)-1].Timestamp) {
		t.Errorf("Current = %+v, want newest history entry", d.Current)
	}
	if len(d.Predictions) != 8 {
		t.Errorf("len(Predictions) = %d, want 8", len(d.Predictions))
	}
	// Delhi: heat wave only (base 39, rain 0.10, wind max 20, humidity max 60).
	if len(d.Alerts) != 1 || d.Alerts[0].AlertType != models.AlertHeatWave {
		t.Errorf("Alerts = %+v, want one heat_wave alert", d.Alerts)
	}
	if !d.FetchedAt.Equal(testNow) {
		t.Errorf("FetchedAt = %v, want %v", d.FetchedAt, testNow)
	}
}

func TestDashboardService_GetDashboard_CacheHit(t *testing.T) {
	mem, stations := seededStore(t, nil)
	cs := &countingStore{Gateway: mem}
	svc := NewDashboardService(cs, cache.NewInMemoryCache(), DashboardOptions{TTL: time.Minute})
	id := stations[0].ID

	if _, err := svc.GetDashboard(context.Background(), id); err != nil {
		t.Fatalf("first GetDashboard() error = %v", err)
	}
	if _, err := svc.GetDashboard(context.Background(), id); err != nil {
		t.Fatalf("second GetDashboard() error = %v", err)
	}
	if got := cs.getStationCalls.Load(); got != 1 {
		t.Errorf("store reads = %d, want 1 (second call should hit cache)", got)
	}
}

func TestDashboardService_GetDashboard_NotFound(t *testing.T) {
	svc := NewDashboardService(store.NewMemoryStore(nil), cache.NewInMemoryCache(), DashboardOptions{TTL: time.Minute})
	_, err := svc.GetDashboard(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDashboard() error = %v, want ErrNotFound", err)
	}
}

func TestDashboardService_GetDashboard_EmptyStationHasNoCurrent(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	created, err := mem.UpsertStations(context.Background(), []models.Station{{Name: "Empty"}})
	if err != nil {
		t.Fatalf("UpsertStations() error = %v", err)
	}
	svc := NewDashboardService(mem, nil, DashboardOptions{})
	d, err := svc.GetDashboard(context.Background(), created[0].ID)
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if d.Current != nil {
		t.Errorf("Current = %+v, want nil", d.Current)
	}
	if d.History == nil || d.Predictions == nil || d.Alerts == nil {
		t.Error("empty series should be non-nil slices")
	}
}

func TestDashboardService_InvalidationOnAlertToggle(t *testing.T) {
	c := cache.NewInMemoryCache()
	inv := NewInvalidator(c, nil, nil)
	mem, stations := seededStore(t, inv)
	delhi := stationByName(t, stations, "Delhi Central")
	svc := NewDashboardService(mem, c, DashboardOptions{TTL: time.Minute, Invalidator: inv})

	before, err := svc.GetDashboard(context.Background(), delhi.ID)
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if len(before.Alerts) != 1 {
		t.Fatalf("len(Alerts) = %d, want 1", len(before.Alerts))
	}

	if _, err := svc.SetAlertActive(context.Background(), before.Alerts[0].ID, false); err != nil {
		t.Fatalf("SetAlertActive() error = %v", err)
	}

	after, err := svc.GetDashboard(context.Background(), delhi.ID)
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if len(after.Alerts) != 0 {
		t.Errorf("len(Alerts) after deactivation = %d, want 0 (stale cache)", len(after.Alerts))
	}
}

// racingCache runs beforeSet once, just before the first Set stores its value.
type racingCache struct {
	*cache.InMemoryCache
	fired     atomic.Bool
	beforeSet func()
}

func (c *racingCache) Set(ctx context.Context, key string, value models.Dashboard, ttl time.Duration) error {
	if c.beforeSet != nil && c.fired.CompareAndSwap(false, true) {
		c.beforeSet()
	}
	return c.InMemoryCache.Set(ctx, key, value, ttl)
}

func TestDashboardService_ChangeDuringCacheSetIsNotServedStale(t *testing.T) {
	c := &racingCache{InMemoryCache: cache.NewInMemoryCache()}
	inv := NewInvalidator(c, nil, nil)
	mem, stations := seededStore(t, inv)
	delhi := stationByName(t, stations, "Delhi Central")
	active, err := mem.ListAlerts(context.Background(), delhi.ID, true)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListAlerts() = %d alerts, %v; want 1", len(active), err)
	}

	// The alert toggle commits after the snapshot was read but before it is stored.
	c.beforeSet = func() {
		if _, err := mem.SetAlertActive(context.Background(), active[0].ID, false); err != nil {
			t.Errorf("SetAlertActive() error = %v", err)
		}
	}

	for _, coalesce := range []time.Duration{0, time.Second} {
		c.fired.Store(false)
		if _, err := mem.SetAlertActive(context.Background(), active[0].ID, true); err != nil {
			t.Fatalf("SetAlertActive(true) error = %v", err)
		}
		svc := NewDashboardService(mem, c, DashboardOptions{TTL: time.Minute, Invalidator: inv, CoalesceTimeout: coalesce})

		first, err := svc.GetDashboard(context.Background(), delhi.ID)
		if err != nil {
			t.Fatalf("GetDashboard() error = %v", err)
		}
		if len(first.Alerts) != 1 {
			t.Fatalf("coalesce=%v: len(first.Alerts) = %d, want 1 (read before the toggle)", coalesce, len(first.Alerts))
		}

		after, err := svc.GetDashboard(context.Background(), delhi.ID)
		if err != nil {
			t.Fatalf("GetDashboard() error = %v", err)
		}
		if len(after.Alerts) != 0 {
			t.Errorf("coalesce=%v: len(Alerts) after change event = %d, want 0 (stale snapshot cached)", coalesce, len(after.Alerts))
		}
	}
}

func TestDashboardService_CircuitBreakerOpens(t *testing.T) {
	mem, stations := seededStore(t, nil)
	cs := &countingStore{Gateway: mem, failErr: errors.New("connection refused")}
	breaker := NewStoreBreaker(circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		Component:        "store",
		Clock:            clockwork.NewFakeClockAt(testNow),
	})
	svc := NewDashboardService(cs, nil, DashboardOptions{Breaker: breaker})
	id := stations[0].ID

	for i := 0; i < 2; i++ {
		if _, err := svc.GetDashboard(context.Background(), id); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	_, err := svc.GetDashboard(context.Background(), id)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("GetDashboard() with open breaker error = %v, want ErrUnavailable", err)
	}
	if got := cs.getStationCalls.Load(); got != 2 {
		t.Errorf("store reads = %d, want 2 (open breaker should short-circuit)", got)
	}
}

func TestDashboardService_NotFoundDoesNotTripBreaker(t *testing.T) {
	breaker := NewStoreBreaker(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute})
	svc := NewDashboardService(store.NewMemoryStore(nil), nil, DashboardOptions{Breaker: breaker})

	for i := 0; i < 3; i++ {
		if _, err := svc.GetStation(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetStation() error = %v, want ErrNotFound", err)
		}
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", breaker.State())
	}
}

func TestDashboardService_Coalescing(t *testing.T) {
	mem, stations := seededStore(t, nil)
	cs := &countingStore{Gateway: mem, delay: 50 * time.Millisecond}
	svc := NewDashboardService(cs, nil, DashboardOptions{CoalesceTimeout: 5 * time.Second})
	id := stations[0].ID

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := svc.GetDashboard(context.Background(), id)
			errs <- err
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Errorf("GetDashboard() error = %v", err)
		}
	}
	if got := cs.getStationCalls.Load(); got >= 5 {
		t.Errorf("store reads = %d, want fewer than 5 with coalescing", got)
	}
}

func TestDashboardService_ListReads(t *testing.T) {
	mem, stations := seededStore(t, nil)
	svc := NewDashboardService(mem, nil, DashboardOptions{})
	ctx := context.Background()
	mumbai := stationByName(t, stations, "Mumbai Coastal")

	list, err := svc.ListStations(ctx)
	if err != nil || len(list) != 5 {
		t.Fatalf("ListStations() = %d, %v; want 5 stations", len(list), err)
	}

	obs, err := svc.ListObservations(ctx, mumbai.ID, 10)
	if err != nil || len(obs) != 10 {
		t.Fatalf("ListObservations() = %d, %v; want 10", len(obs), err)
	}
	if !obs[0].Timestamp.After(obs[1].Timestamp) {
		t.Error("observations should be newest first")
	}

	preds, err := svc.ListPredictions(ctx, mumbai.ID, 0)
	if err != nil || len(preds) != 20 {
		t.Fatalf("ListPredictions() = %d, %v; want 20", len(preds), err)
	}

	alerts, err := svc.ListAlerts(ctx, mumbai.ID, false)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	for _, a := range alerts {
		if !a.IsActive {
			t.Errorf("alert %s inactive at creation", a.ID)
		}
	}

	if _, err := svc.ListObservations(ctx, "missing", 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ListObservations(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("connection refused"), "connection"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
