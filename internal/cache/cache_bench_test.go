package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// benchSnapshot returns a snapshot with the given number of history and forecast rows
// and one active alert.
func benchSnapshot(stationID string, history, predictions int) models.Dashboard {
	base := time.Date(2024, 4, 26, 0, 0, 0, 0, time.UTC)
	d := models.Dashboard{
		Station:   models.Station{ID: stationID, Name: "Mumbai Coastal", Location: "Mumbai, India", Latitude: 19.076, Longitude: 72.8777},
		FetchedAt: base,
	}
	for i := 0; i < history; i++ {
		d.History = append(d.History, models.Observation{
			ID: fmt.Sprintf("obs-%d", i), StationID: stationID, Timestamp: base.Add(time.Duration(i) * time.Hour),
			Temperature: 30.4, Humidity: 71.2, Precipitation: 2.5, WindSpeed: 14.1, Pressure: 1009.8,
		})
	}
	for i := 0; i < predictions; i++ {
		d.Predictions = append(d.Predictions, models.Prediction{
			ID: fmt.Sprintf("pred-%d", i), StationID: stationID, PredictionDate: base.Add(time.Duration(6*i) * time.Hour),
			PredictedTemp: 31.2, PredictedHumidity: 68, Confidence: 90.5,
		})
	}
	d.Alerts = []models.Alert{{
		ID: "alert-1", StationID: stationID, AlertType: models.AlertHeavyRain, Severity: models.SeverityMedium,
		Message: "Heavy rainfall expected", IsActive: true, CreatedAt: base,
	}}
	if history > 0 {
		d.Current = &d.History[history-1]
	}
	return d
}

var snapshotSizes = []struct {
	name                 string
	history, predictions int
}{
	{"default", 24, 20},
	{"week", 192, 20},
}

func BenchmarkInMemoryCache_GetHit(b *testing.B) {
	ctx := context.Background()
	for _, size := range snapshotSizes {
		b.Run(size.name, func(b *testing.B) {
			c := NewInMemoryCache()
			_ = c.Set(ctx, "st-1", benchSnapshot("st-1", size.history, size.predictions), time.Minute)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, ok, _ := c.Get(ctx, "st-1"); !ok {
					b.Fatal("expected hit")
				}
			}
		})
	}
}

// BenchmarkInMemoryCache_InvalidationChurn measures the store-then-drop cycle every
// committed change causes.
func BenchmarkInMemoryCache_InvalidationChurn(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	snap := benchSnapshot("st-1", 24, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, "st-1", snap, time.Minute)
		_ = c.Delete(ctx, "st-1")
	}
}

// BenchmarkInMemoryCache_ParallelStations reads five stations from many goroutines.
func BenchmarkInMemoryCache_ParallelStations(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	keys := make([]string, 5)
	for i := range keys {
		keys[i] = fmt.Sprintf("st-%d", i)
		_ = c.Set(ctx, keys[i], benchSnapshot(keys[i], 24, 20), time.Minute)
	}
	var n atomic.Uint64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = c.Get(ctx, keys[n.Add(1)%uint64(len(keys))])
		}
	})
}

// BenchmarkSnapshotEncoding measures the JSON cost the memcached backend pays per Set and Get.
func BenchmarkSnapshotEncoding(b *testing.B) {
	for _, size := range snapshotSizes {
		snap := benchSnapshot("st-1", size.history, size.predictions)
		raw, err := json.Marshal(snap)
		if err != nil {
			b.Fatalf("marshal: %v", err)
		}
		b.Run(size.name+"/encode", func(b *testing.B) {
			b.SetBytes(int64(len(raw)))
			for i := 0; i < b.N; i++ {
				if _, err := json.Marshal(snap); err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run(size.name+"/decode", func(b *testing.B) {
			b.SetBytes(int64(len(raw)))
			for i := 0; i < b.N; i++ {
				var d models.Dashboard
				if err := json.Unmarshal(raw, &d); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkMemcachedCache_RoundTrip needs MEMCACHED_ADDRS pointing at a running server.
func BenchmarkMemcachedCache_RoundTrip(b *testing.B) {
	addrs := os.Getenv("MEMCACHED_ADDRS")
	if addrs == "" || testing.Short() {
		b.Skip("MEMCACHED_ADDRS not set")
	}
	c, err := NewMemcachedCache(addrs, 500*time.Millisecond, 4)
	if err != nil {
		b.Skipf("memcached not available: %v", err)
	}
	defer c.Close()
	if err := c.Ping(); err != nil {
		b.Skipf("memcached not reachable: %v", err)
	}

	ctx := context.Background()
	snap := benchSnapshot("bench-st-1", 24, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Set(ctx, "bench-st-1", snap, time.Minute); err != nil {
			b.Fatal(err)
		}
		if _, _, err := c.Get(ctx, "bench-st-1"); err != nil {
			b.Fatal(err)
		}
	}
}
