package retry

import (
	"context"
	"errors"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Policy is a bounded retry policy with exponential backoff, used to wrap remote calls.
type Policy struct {
	// MaxAttempts is the total number of attempts, values below 1 mean 1.
	MaxAttempts int
	// Backoff is the wait before the second attempt, doubled on every retry.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable decides if an error is transient. Defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry is called before waiting for a new attempt.
	OnRetry func(attempt int, err error)
}

// Default is the policy used for sandbox status queries and queue publishing.
var Default = Policy{
	MaxAttempts: 3,
	Backoff:     200 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
}

// None runs the function a single time.
var None = Policy{MaxAttempts: 1}

// Do runs fn until it succeeds, returns a permanent error or attempts are exhausted.
// The context bounds the total retry time.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
	}

	return lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	b := p.Backoff << (attempt - 1)
	if p.MaxBackoff > 0 && (b > p.MaxBackoff || b <= 0) {
		return p.MaxBackoff
	}
	return b
}

// IsTransient returns false for errors that will not change by retrying:
// cancellations, invalid input, missing resources, ownership and explicit
// remote rejections.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, model.ErrNotValid), errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrForbidden):
		return false
	case errors.Is(err, model.ErrRemote):
		return false
	}
	return true
}
