package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"reconciler-service/internal/util"
)

// ErrCircuitOpen is returned immediately while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker fails fast after a run of consecutive failures. State is
// process-local; in a multi-instance deployment each instance carries its
// own breaker as a local guard in front of the shared dependency.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and allows a single trial call after cooldown.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
	util.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op under the breaker. While open it rejects immediately with
// ErrCircuitOpen; after the cooldown has elapsed exactly one trial call is
// allowed through.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		util.CircuitBreakerRejectedTotal.WithLabelValues(cb.name).Inc()
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probing = false
		if err != nil {
			cb.openedAt = time.Now()
			cb.setState(StateOpen)
			return
		}
		cb.failures = 0
		cb.setState(StateClosed)
		return
	}

	if err != nil {
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = time.Now()
			cb.setState(StateOpen)
		}
		return
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	util.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(s))
}
