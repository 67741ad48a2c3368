package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTimeout is returned by WithTimeout when the deadline fires before the
// operation completes.
var ErrTimeout = errors.New("operation timed out")

// errorClass marks an error as retryable or fatal so retry loops do not have
// to inspect error strings.
type errorClass int

const (
	classRetryable errorClass = iota
	classFatal
)

type classifiedError struct {
	class errorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retryable wraps an error that a retry loop may attempt again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classRetryable, err: err}
}

// Fatal wraps an error that must not be retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classFatal, err: err}
}

// IsFatal reports whether the error is explicitly marked non-retryable.
// Unclassified errors are treated as retryable, matching the behavior of
// callers that retry unconditionally.
func IsFatal(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class == classFatal
	}
	return false
}

// Policy configures RetryWithBackoff.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// Delay returns the backoff delay for the given attempt number, starting
// at zero: min(BaseDelay * Factor^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// RetryWithBackoff runs op until it succeeds, returns a fatal error, the
// context is cancelled, or MaxRetries retries are exhausted. The last error
// is returned after exhaustion.
func RetryWithBackoff(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsFatal(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxRetries {
			return lastErr
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WithTimeout races op against the given duration. On timeout it returns
// ErrTimeout without cancelling the underlying operation, so callers must
// treat post-timeout side effects as still possible.
func WithTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	done := make(chan error, 1)

	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("%w after %s", ErrTimeout, d)
	case <-ctx.Done():
		return ctx.Err()
	}
}
