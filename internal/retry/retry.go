// Package retry holds the backoff schedules used by the listing and
// per-key executors.
package retry

import (
	"context"
	"time"
)

// Policy is a bounded retry schedule. MaxAttempts counts every try,
// including the first.
type Policy struct {
	MaxAttempts int
	Base        time.Duration

	// Exponential doubles the wait after every retry (base, 2*base, ...).
	// Otherwise the wait grows linearly (base, 2*base, 3*base, ...).
	Exponential bool
}

// Linear returns a policy waiting base*attempt between tries.
func Linear(maxAttempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: base}
}

// Exponential returns a policy doubling its wait from base.
func Exponential(maxAttempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: base, Exponential: true}
}

// Attempts returns MaxAttempts clamped to at least one try.
func (p Policy) Attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if !p.Exponential {
		return p.Base * time.Duration(attempt)
	}

	// Cap the shift so a misconfigured attempt count cannot overflow.
	shift := min(attempt-1, 20)

	return p.Base << shift
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep blocks for d, returning ctx.Err() if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
