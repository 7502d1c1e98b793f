//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestSeedClient_Trigger_Integration runs a seed against a live service.
// Set SEED_SERVICE_URL (e.g. http://localhost:8080) to enable.
func TestSeedClient_Trigger_Integration(t *testing.T) {
	baseURL := os.Getenv("SEED_SERVICE_URL")
	if baseURL == "" {
		t.Skip("SEED_SERVICE_URL not set")
	}

	client, err := NewSeedClient(baseURL, 30*time.Second)
	if err != nil {
		t.Fatalf("NewSeedClient() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	summary, err := client.Trigger(ctx, false)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if summary.Stations == 0 {
		t.Error("expected at least one station seeded")
	}
	if summary.DataPoints != summary.Stations*192 {
		t.Errorf("DataPoints = %d, want %d with default history", summary.DataPoints, summary.Stations*192)
	}
}
