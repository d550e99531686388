// Package retry provides bounded retries with exponential backoff for
// transient transport failures. Fatal errors (rejected authentication,
// malformed credentials) are wrapped with Stop so they surface
// immediately instead of being retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialInterval is the delay before the second attempt. Each
	// further delay is multiplied by Multiplier, capped at MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Jitter randomizes each delay within [delay/2, delay) to avoid
	// synchronized retries.
	Jitter bool
}

// DefaultPolicy matches the gateway's configuration defaults: three
// attempts with delays doubling from two seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Delay returns the backoff delay preceding the given attempt
// (attempt 2 is the first retried attempt).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialInterval
	}

	interval := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-2))
	if limit := float64(p.MaxInterval); p.MaxInterval > 0 && interval > limit {
		interval = limit
	}

	d := time.Duration(interval)
	if p.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// StopError wraps an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err to indicate that retries should halt immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStop reports whether err (or any error in its chain) is a StopError.
func IsStop(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do runs fn up to p.MaxAttempts times, sleeping with exponential
// backoff between attempts. It returns nil on the first success, the
// unwrapped error as soon as fn returns a StopError, and otherwise the
// last transient error after all attempts are exhausted. Cancellation
// is observed between attempts, never mid-sleep past the context
// deadline.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(p.Delay(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
