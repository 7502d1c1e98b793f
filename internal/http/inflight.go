package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests being served and, among them, open event streams.
// Graceful shutdown waits for the request count to reach zero; streams end on their
// own once draining starts.
type InFlightTracker struct {
	requests atomic.Int64
	streams  atomic.Int64
}

// Increment adds one in-flight request.
func (t *InFlightTracker) Increment() { t.requests.Add(1) }

// Decrement removes one in-flight request.
func (t *InFlightTracker) Decrement() { t.requests.Add(-1) }

// Count returns the in-flight request count.
func (t *InFlightTracker) Count() int64 { return t.requests.Load() }

// StreamOpened marks one request as a long-lived event stream.
func (t *InFlightTracker) StreamOpened() { t.streams.Add(1) }

// StreamClosed undoes StreamOpened.
func (t *InFlightTracker) StreamClosed() { t.streams.Add(-1) }

// Streams returns the number of open event streams.
func (t *InFlightTracker) Streams() int64 { return t.streams.Load() }

// WaitForZero blocks until the request count reaches zero or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker is the process-wide counter used by MetricsMiddleware and the event stream.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the current number of in-flight requests.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// OpenStreams returns the current number of open dashboard event streams.
func OpenStreams() int64 {
	return globalInFlightTracker.Streams()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
