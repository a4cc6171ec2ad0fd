// Package retry provides bounded exponential backoff with context
// cancellation, used by the playback pipeline for stream reattachment and by
// the preloader for resolver calls.
//
// Example usage:
//
//	err := retry.Do(ctx, 3, 500*time.Millisecond, func(attempt int) error {
//	    return reopenStream()
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the last attempt error once the budget is spent.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Permanent marks an error as non-retryable; Do returns it immediately.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Do runs fn up to attempts times, sleeping base, 2*base, 4*base, ... between
// failures. The first success wins. Context cancellation aborts the wait and
// returns ctx.Err(). attempt passed to fn is 1-based.
func Do(ctx context.Context, attempts int, base time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}
