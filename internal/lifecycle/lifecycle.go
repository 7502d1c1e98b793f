// Package lifecycle holds the process-wide draining state.
package lifecycle

import "sync"

var (
	mu           sync.Mutex
	shuttingDown bool
	draining     = make(chan struct{})
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
// The first transition to true closes the Draining channel; setting false re-arms it.
func SetShuttingDown(v bool) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case v && !shuttingDown:
		close(draining)
	case !v && shuttingDown:
		draining = make(chan struct{})
	}
	shuttingDown = v
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	mu.Lock()
	defer mu.Unlock()
	return shuttingDown
}

// Draining returns a channel that is closed once shutdown begins. Long-lived
// responses such as event streams select on it to end early.
func Draining() <-chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	return draining
}
