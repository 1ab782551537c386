// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"leadscore/internal/domain"
)

// Policy describes how often and how patiently an operation is retried.
// MaxAttempts counts every call, the first one included.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration // zero means uncapped

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %g", p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative, got %s", p.MaxDelay)
	}
	return nil
}

// Delay returns the sleep that follows the given failed attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay when set and
// never past the largest time.Duration.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		if delay >= math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Execute calls op until it succeeds, returns an error isRetryable rejects,
// or MaxAttempts calls have been made. The last error is returned unchanged.
// Cancellation before an attempt or during a sleep returns an error matching
// domain.ErrInterrupted and the context error.
func Execute[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), isRetryable func(error) bool) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, domain.Interrupted(ctx, fmt.Sprintf("attempt %d", attempt))
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// an op that observed cancellation is not worth another attempt
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return zero, domain.Interrupted(ctx, fmt.Sprintf("attempt %d", attempt))
		}
		if isRetryable == nil || !isRetryable(err) || attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, domain.Interrupted(ctx, "backoff")
		}
	}
	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
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
