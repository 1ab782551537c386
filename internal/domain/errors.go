package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInterrupted marks work abandoned because the caller cancelled it.
	// It is never counted as a failure.
	ErrInterrupted = errors.New("interrupted")

	// ErrInvalidInput is a permanent input error; retrying cannot help.
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound = errors.New("not found")

	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrOracleRateLimited = errors.New("oracle rate limited")
	ErrOracleRejected    = errors.New("oracle rejected request")
	ErrMalformedResponse = errors.New("malformed oracle response")
)

// Interrupted wraps a context error so it matches both ErrInterrupted and
// the original context error.
func Interrupted(ctx context.Context, during string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w during %s: %w", ErrInterrupted, during, cause)
}

func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
