package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrOpen is returned by Call while the circuit is open, or half-open with every
// probe slot taken.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters. Zero values get defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int
	Timeout   time.Duration
	Component string
	Clock     clockwork.Clock // nil uses the real clock
	// Neutral reports errors that are valid answers rather than failures, for
	// example a missing row. They neither trip nor heal the circuit.
	Neutral       func(error) bool
	OnStateChange func(from, to State)
}

// CircuitBreaker guards a dependency by failing fast after repeated failures and
// letting a bounded number of probes through once the open timeout elapses.
type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// New creates a CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call runs fn when the circuit allows it and records the outcome. A cancelled ctx,
// a context.Canceled result, and Neutral errors are returned without counting.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	var from, to State
	cb.mu.Lock()
	if probe && cb.probes > 0 {
		cb.probes--
	}
	switch {
	case err == nil:
		from, to = cb.onSuccessLocked()
	case errors.Is(err, context.Canceled), cb.cfg.Neutral != nil && cb.cfg.Neutral(err):
		from, to = cb.state, cb.state
	default:
		from, to = cb.onFailureLocked()
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

// admit decides whether a call may run. probe is true for half-open trial calls.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.cfg.Clock.Since(cb.openedAt) < cb.cfg.Timeout {
			cb.mu.Unlock()
			return false, ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probes = 0
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return false, ErrOpen
		}
		cb.probes++
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return true, nil
	default:
		cb.mu.Unlock()
		return false, nil
	}
}

func (cb *CircuitBreaker) onSuccessLocked() (from, to State) {
	from = cb.state
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.successes = 0
		}
	}
	return from, cb.state
}

func (cb *CircuitBreaker) onFailureLocked() (from, to State) {
	from = cb.state
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.cfg.Clock.Now()
		cb.failures = 0
	}
	return from, cb.state
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current state (for metrics).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Component returns the label the breaker was configured with.
func (cb *CircuitBreaker) Component() string {
	return cb.cfg.Component
}
