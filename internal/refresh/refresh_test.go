package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

type fakeSource struct {
	mu       sync.Mutex
	stations []models.Station
	fail     map[string]error
	fetches  map[string]int
	version  int
}

func newFakeSource(ids ...string) *fakeSource {
	src := &fakeSource{fail: map[string]error{}, fetches: map[string]int{}}
	for _, id := range ids {
		src.stations = append(src.stations, models.Station{ID: id, Name: "Station " + id})
	}
	return src
}

func (f *fakeSource) GetDashboard(_ context.Context, stationID string) (models.Dashboard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[stationID]++
	if err := f.fail[stationID]; err != nil {
		return models.Dashboard{}, err
	}
	f.version++
	return models.Dashboard{
		Station:   models.Station{ID: stationID},
		History:   make([]models.Observation, f.version),
		FetchedAt: time.Unix(int64(f.version), 0),
	}, nil
}

func (f *fakeSource) ListStations(context.Context) ([]models.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Station(nil), f.stations...), nil
}

func (f *fakeSource) setStations(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stations = nil
	for _, id := range ids {
		f.stations = append(f.stations, models.Station{ID: id})
	}
}

func (f *fakeSource) setFail(stationID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[stationID] = err
}

func (f *fakeSource) fetchCount(stationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[stationID]
}

type outcome struct {
	dashboard *models.Dashboard
	stationID string
	err       error
}

func collect() (Callbacks, <-chan outcome) {
	ch := make(chan outcome, 32)
	return Callbacks{
		OnUpdate: func(d models.Dashboard) { ch <- outcome{dashboard: &d, stationID: d.Station.ID} },
		OnError:  func(id string, err error) { ch <- outcome{stationID: id, err: err} },
	}, ch
}

func next(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for refresh outcome")
		return outcome{}
	}
}

func expectNone(t *testing.T, ch <-chan outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("unexpected refresh outcome: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func startRefresher(t *testing.T, src Fetcher) (*Refresher, <-chan outcome, context.Context) {
	t.Helper()
	cb, ch := collect()
	r := NewRefresher(src, cb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r, ch, ctx
}

func TestRefresher_MountFetchesOnce(t *testing.T) {
	src := newFakeSource("a")
	r, ch, ctx := startRefresher(t, src)

	require.NoError(t, r.Start(ctx, "a"))
	o := next(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, "a", o.stationID)
	expectNone(t, ch)
	assert.Equal(t, 1, src.fetchCount("a"))
	assert.Equal(t, StateIdle, r.State())
	require.NotNil(t, r.Snapshot())
}

func TestRefresher_SelectionChangeFetchesNewStation(t *testing.T) {
	src := newFakeSource("a", "b")
	r, ch, ctx := startRefresher(t, src)

	require.NoError(t, r.Start(ctx, "a"))
	next(t, ch)
	require.NoError(t, r.Select(ctx, "b"))
	o := next(t, ch)
	assert.Equal(t, "b", o.stationID)
	assert.Equal(t, "b", r.StationID())
	assert.Equal(t, 1, src.fetchCount("b"))
}

func TestRefresher_NotificationFiltering(t *testing.T) {
	src := newFakeSource("a", "b")
	r, ch, ctx := startRefresher(t, src)
	require.NoError(t, r.Start(ctx, "a"))
	next(t, ch)

	tests := []struct {
		name    string
		event   changefeed.Event
		refetch bool
	}{
		{"observation for selected", changefeed.Event{Table: changefeed.TableObservations, StationID: "a"}, true},
		{"alert for selected", changefeed.Event{Table: changefeed.TableAlerts, StationID: "a"}, true},
		{"prediction for selected", changefeed.Event{Table: changefeed.TablePredictions, StationID: "a"}, true},
		{"observation for other station", changefeed.Event{Table: changefeed.TableObservations, StationID: "b"}, false},
		{"station table", changefeed.Event{Table: changefeed.TableStations, StationID: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := src.fetchCount("a")
			require.NoError(t, r.Notify(ctx, tt.event))
			if tt.refetch {
				next(t, ch)
				assert.Equal(t, before+1, src.fetchCount("a"))
			} else {
				expectNone(t, ch)
				assert.Equal(t, before, src.fetchCount("a"))
			}
		})
	}
	assert.Equal(t, 0, src.fetchCount("b"))
}

func TestRefresher_EachNotificationFetches(t *testing.T) {
	src := newFakeSource("a")
	r, ch, ctx := startRefresher(t, src)
	require.NoError(t, r.Start(ctx, "a"))
	next(t, ch)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Notify(ctx, changefeed.Event{Table: changefeed.TableObservations, StationID: "a"}))
	}
	for i := 0; i < 3; i++ {
		next(t, ch)
	}
	assert.Equal(t, 4, src.fetchCount("a"))
}

func TestRefresher_FailureKeepsPreviousSnapshot(t *testing.T) {
	src := newFakeSource("a")
	r, ch, ctx := startRefresher(t, src)
	require.NoError(t, r.Start(ctx, "a"))
	first := next(t, ch)
	require.NoError(t, first.err)

	src.setFail("a", errors.New("store down"))
	require.NoError(t, r.Notify(ctx, changefeed.Event{Table: changefeed.TableAlerts, StationID: "a"}))
	o := next(t, ch)
	require.Error(t, o.err)
	assert.Equal(t, "a", o.stationID)

	snap := r.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, first.dashboard.FetchedAt, snap.FetchedAt)
	assert.Equal(t, StateIdle, r.State())
}

func TestCoordinator_MountSelectsFirstStationAndFollowsFeed(t *testing.T) {
	src := newFakeSource("a", "b")
	feed := changefeed.NewFeed()
	defer feed.Close()
	cb, ch := collect()
	c := NewCoordinator(src, feed, CoordinatorOptions{OnUpdate: cb.OnUpdate, OnError: cb.OnError})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, "") }()

	o := next(t, ch)
	assert.Equal(t, "a", o.stationID)
	assert.Equal(t, "a", c.Selected())
	assert.Len(t, c.Stations(), 2)

	feed.Publish(changefeed.Event{Table: changefeed.TableObservations, Op: changefeed.OpInsert, StationID: "a"})
	o = next(t, ch)
	assert.Equal(t, "a", o.stationID)

	feed.Publish(changefeed.Event{Table: changefeed.TableObservations, Op: changefeed.OpInsert, StationID: "b"})
	expectNone(t, ch)

	require.NoError(t, c.Select("b"))
	o = next(t, ch)
	assert.Equal(t, "b", o.stationID)

	assert.ErrorIs(t, c.Select("zzz"), ErrUnknownStation)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCoordinator_InitialStationHonored(t *testing.T) {
	src := newFakeSource("a", "b")
	feed := changefeed.NewFeed()
	defer feed.Close()
	cb, ch := collect()
	c := NewCoordinator(src, feed, CoordinatorOptions{OnUpdate: cb.OnUpdate})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, "b") }()

	o := next(t, ch)
	assert.Equal(t, "b", o.stationID)
}

func TestCoordinator_SelectedStationDeletedFallsBack(t *testing.T) {
	src := newFakeSource("a", "b")
	feed := changefeed.NewFeed()
	defer feed.Close()
	cb, ch := collect()
	var listMu sync.Mutex
	var lists [][]models.Station
	c := NewCoordinator(src, feed, CoordinatorOptions{
		OnUpdate: cb.OnUpdate,
		OnStations: func(s []models.Station) {
			listMu.Lock()
			lists = append(lists, s)
			listMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, "a") }()
	next(t, ch)

	src.setStations("b")
	feed.Publish(changefeed.Event{Table: changefeed.TableStations, Op: changefeed.OpDelete, StationID: "a"})
	o := next(t, ch)
	assert.Equal(t, "b", o.stationID)
	assert.Equal(t, "b", c.Selected())

	listMu.Lock()
	defer listMu.Unlock()
	require.Len(t, lists, 2)
	assert.Len(t, lists[1], 1)
}

func TestCoordinator_EmptyStoreWaitsForStations(t *testing.T) {
	src := newFakeSource()
	feed := changefeed.NewFeed()
	defer feed.Close()
	cb, ch := collect()
	c := NewCoordinator(src, feed, CoordinatorOptions{OnUpdate: cb.OnUpdate})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, "") }()
	expectNone(t, ch)
	assert.Equal(t, "", c.Selected())

	src.setStations("new")
	require.Eventually(t, func() bool { return feed.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	feed.Publish(changefeed.Event{Table: changefeed.TableStations, Op: changefeed.OpInsert, StationID: "new"})
	o := next(t, ch)
	assert.Equal(t, "new", o.stationID)
}

func TestCoordinator_StationRowUpdateCountsAsNotification(t *testing.T) {
	src := newFakeSource("a", "b")
	feed := changefeed.NewFeed()
	defer feed.Close()
	cb, ch := collect()
	c := NewCoordinator(src, feed, CoordinatorOptions{OnUpdate: cb.OnUpdate})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, "a") }()
	next(t, ch)

	notified := testutil.ToFloat64(observability.RefreshTotal.WithLabelValues(string(TriggerNotification), "success"))
	selected := testutil.ToFloat64(observability.RefreshTotal.WithLabelValues(string(TriggerSelection), "success"))

	feed.Publish(changefeed.Event{Table: changefeed.TableStations, Op: changefeed.OpUpdate, StationID: "a"})
	o := next(t, ch)
	assert.Equal(t, "a", o.stationID)

	feed.Publish(changefeed.Event{Table: changefeed.TableStations, Op: changefeed.OpUpdate, StationID: "b"})
	expectNone(t, ch)

	assert.Equal(t, notified+1, testutil.ToFloat64(observability.RefreshTotal.WithLabelValues(string(TriggerNotification), "success")))
	assert.Equal(t, selected, testutil.ToFloat64(observability.RefreshTotal.WithLabelValues(string(TriggerSelection), "success")))
}

func TestRefresher_NotifyStationOnlyForTrackedRow(t *testing.T) {
	src := newFakeSource("a", "b")
	r, ch, ctx := startRefresher(t, src)
	require.NoError(t, r.Start(ctx, "a"))
	next(t, ch)

	require.NoError(t, r.NotifyStation(ctx, changefeed.Event{Table: changefeed.TableStations, StationID: "b"}))
	expectNone(t, ch)
	require.NoError(t, r.NotifyStation(ctx, changefeed.Event{Table: changefeed.TableObservations, StationID: "a"}))
	expectNone(t, ch)
	require.NoError(t, r.NotifyStation(ctx, changefeed.Event{Table: changefeed.TableStations, StationID: "a"}))
	next(t, ch)
	assert.Equal(t, 2, src.fetchCount("a"))
}
