package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/weather-dashboard-service/internal/cache"
	"github.com/kjstillabower/weather-dashboard-service/internal/climate"
	"github.com/kjstillabower/weather-dashboard-service/internal/generator"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

func TestResolveTrackedStations(t *testing.T) {
	stations := []models.Station{
		{ID: "id-delhi", Name: "Delhi Central"},
		{ID: "id-shimla", Name: "Shimla Hills"},
	}
	got := resolveTrackedStations([]string{"Delhi Central", "id-raw", "Nowhere"}, stations)
	want := []string{"id-delhi", "id-raw", "Nowhere"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadProfiles(t *testing.T) {
	table, err := loadProfiles("")
	if err != nil {
		t.Fatalf("loadProfiles(\"\") error = %v", err)
	}
	if len(table.Stations()) != len(climate.Builtin().Stations()) {
		t.Errorf("empty path should return the builtin table")
	}

	path := filepath.Join(t.TempDir(), "stations.yaml")
	content := "stations:\n  - name: Test Station\n    location: Nowhere\n    profile:\n      base_temp: 20\n      temp_range: 4\n      humidity: {min: 30, max: 60}\n      rain_probability: 0.1\n      wind_speed: {min: 2, max: 10}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	table, err = loadProfiles(path)
	if err != nil {
		t.Fatalf("loadProfiles(file) error = %v", err)
	}
	if len(table.Stations()) != 1 {
		t.Errorf("stations = %d, want 1", len(table.Stations()))
	}

	if _, err := loadProfiles(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing profiles file should fail")
	}
}

func TestStationIDLister(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	gen, err := generator.New(seedSource(5), clockwork.NewRealClock(), generator.Options{})
	if err != nil {
		t.Fatalf("generator.New() error = %v", err)
	}
	if _, err := service.NewSeeder(mem, climate.Builtin(), gen, nil).Seed(context.Background(), false); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	dashboards := service.NewDashboardService(mem, cache.NewInMemoryCache(), service.DashboardOptions{TTL: time.Minute})

	ids, err := stationIDLister(dashboards)(context.Background())
	if err != nil {
		t.Fatalf("lister error = %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("ids = %d, want 5", len(ids))
	}
	for _, id := range ids {
		if _, err := dashboards.GetStation(context.Background(), id); err != nil {
			t.Errorf("GetStation(%q) error = %v", id, err)
		}
	}
}

// TestCoverageGaps_IntentionallyUntested documents why main itself has no unit test.
// Run with -v to see skip reason.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Skip("main() is wiring-only; helpers above and internal packages carry the logic. Entrypoint coverage would require exec")
}
