// Package traffic keeps sliding windows of request outcomes. Health reporting reads the
// error rate from it and the /test endpoints inject synthetic outcomes into it.
package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Outcome classifies a finished request.
type Outcome int

const (
	// Success is a served request, including not-found answers.
	Success Outcome = iota
	// Error is a request that failed on the store or seeding.
	Error
	// Denied is a request rejected by the rate limiter.
	Denied
	numOutcomes
)

// DefaultRetention bounds how far back any window can look.
const DefaultRetention = 5 * time.Minute

var defaultTracker = NewTracker(clockwork.NewRealClock(), DefaultRetention)

func RecordSuccess() { defaultTracker.Record(Success, 1) }

func RecordError() { defaultTracker.Record(Error, 1) }

func RecordDenied() { defaultTracker.Record(Denied, 1) }

// RecordSuccessN records n successes at once. Used for synthetic load.
func RecordSuccessN(n int) { defaultTracker.Record(Success, n) }

// RecordErrorN records n errors at once. Used for synthetic error injection.
func RecordErrorN(n int) { defaultTracker.Record(Error, n) }

// RequestCount returns all outcomes (denials included) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.Count(Denied, window)
}

// ErrorRate returns (errors, successes+errors) within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears the process-wide tracker. For tests and POST /test/reset.
func Reset() {
	defaultTracker.Reset()
}

// Tracker records outcome timestamps per kind and answers windowed counts.
type Tracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	retention time.Duration
	times     [numOutcomes][]time.Time
}

// NewTracker returns a tracker that forgets outcomes older than retention.
func NewTracker(clock clockwork.Clock, retention time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{clock: clock, retention: retention}
}

// Record adds n outcomes of kind o stamped with the current time.
func (t *Tracker) Record(o Outcome, n int) {
	if n <= 0 || o < 0 || o >= numOutcomes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for i := 0; i < n; i++ {
		t.times[o] = append(t.times[o], now)
	}
	t.pruneLocked(now)
}

// Count returns the outcomes of kind o within the window ending now.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[o], t.clock.Now().Add(-window))
}

// RequestCount returns every outcome within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	n := 0
	for o := range t.times {
		n += countSince(t.times[o], cutoff)
	}
	return n
}

// ErrorRate returns (errors, successes+errors) within the window. Denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errors = countSince(t.times[Error], cutoff)
	return errors, errors + countSince(t.times[Success], cutoff)
}

// Reset forgets every outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for o := range t.times {
		t.times[o] = nil
	}
}

// countSince counts timestamps at or after cutoff. Timestamps are appended in order.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o, times := range t.times {
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
