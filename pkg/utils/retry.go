package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy configures Retry. Delays grow exponentially from BaseDelay
// and are capped at MaxDelay when it is set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the given attempt (attempt 2 is the first retry)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := time.Duration(int64(p.BaseDelay) << uint(attempt-2))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the attempts run out. A nil retryable retries every error.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.Delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
