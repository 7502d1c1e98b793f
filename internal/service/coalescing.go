package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/models"
)

// inFlightLoad tracks a single snapshot load that multiple callers may wait for.
type inFlightLoad struct {
	done   chan struct{}
	result models.Dashboard
	err    error
}

// requestCoalescer prevents cache stampede by coalescing concurrent loads for the same station.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightLoad
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer with the specified timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightLoad),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight load for key, or starts one by running fn.
// fn runs detached from the first caller's cancellation, bounded by the coalescer
// timeout, so one caller giving up does not fail the others. shared reports
// whether this caller joined an existing load.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) (models.Dashboard, error)) (result models.Dashboard, shared bool, err error) {
	rc.mu.Lock()
	load, exists := rc.inFlight[key]
	if !exists {
		load = &inFlightLoad{done: make(chan struct{})}
		rc.inFlight[key] = load
	}
	rc.mu.Unlock()

	if !exists {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		go func() {
			defer cancel()
			load.result, load.err = fn(loadCtx)
			rc.cleanup(key)
			close(load.done)
		}()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-load.done:
		if load.err != nil {
			return models.Dashboard{}, exists, load.err
		}
		return load.result, exists, nil
	case <-waitCtx.Done():
		return models.Dashboard{}, exists, waitCtx.Err()
	}
}

// cleanup removes the in-flight load for key. Must be called after the load completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
