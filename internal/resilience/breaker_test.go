package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDep = errors.New("dependency down")

func failingOp(ctx context.Context) error { return errDep }
func okOp(ctx context.Context) error      { return nil }

func TestBreakerOpensOnThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test-open", 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := cb.Execute(ctx, failingOp)
		assert.ErrorIs(t, err, errDep)
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed through failure %d", i+1)
	}

	err := cb.Execute(ctx, failingOp)
	assert.ErrorIs(t, err, errDep)
	assert.Equal(t, StateOpen, cb.State(), "breaker must open on the 5th consecutive failure")
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("test-reject", 1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "operation must not run while the breaker is open")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test-reset", 3, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failingOp)
	_ = cb.Execute(ctx, failingOp)
	require.NoError(t, cb.Execute(ctx, okOp))

	// Two more failures must not trip a threshold of three.
	_ = cb.Execute(ctx, failingOp)
	_ = cb.Execute(ctx, failingOp)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test-halfopen-close", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(ctx, okOp)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("test-halfopen-reopen", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(ctx, failingOp)
	assert.ErrorIs(t, err, errDep)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerAllowsSingleTrialCall(t *testing.T) {
	cb := NewCircuitBreaker("test-single-probe", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, failingOp)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	probeRunning := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Execute(ctx, func(ctx context.Context) error {
			close(probeRunning)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}()

	<-probeRunning
	assert.Equal(t, StateHalfOpen, cb.State())

	// A second call during the trial must be rejected without running.
	err := cb.Execute(ctx, okOp)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, cb.State())
}
