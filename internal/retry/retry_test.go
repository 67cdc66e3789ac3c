package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/retry"
)

func TestPolicyDo(t *testing.T) {
	errTransient := errors.New("connection reset")

	tests := map[string]struct {
		policy      retry.Policy
		errs        []error
		expAttempts int
		expErr      error
	}{
		"A successful call should not be retried.": {
			policy:      retry.Policy{MaxAttempts: 3, Backoff: time.Millisecond},
			errs:        []error{nil},
			expAttempts: 1,
		},

		"A transient error should be retried until success.": {
			policy:      retry.Policy{MaxAttempts: 3, Backoff: time.Millisecond},
			errs:        []error{errTransient, errTransient, nil},
			expAttempts: 3,
		},

		"A transient error should be returned after exhausting attempts.": {
			policy:      retry.Policy{MaxAttempts: 2, Backoff: time.Millisecond},
			errs:        []error{errTransient, errTransient, nil},
			expAttempts: 2,
			expErr:      errTransient,
		},

		"A permanent error should not be retried.": {
			policy:      retry.Policy{MaxAttempts: 3, Backoff: time.Millisecond},
			errs:        []error{fmt.Errorf("bad: %w", model.ErrNotValid), nil},
			expAttempts: 1,
			expErr:      model.ErrNotValid,
		},

		"A custom retryable func should be used.": {
			policy: retry.Policy{
				MaxAttempts: 3,
				Backoff:     time.Millisecond,
				Retryable:   func(error) bool { return false },
			},
			errs:        []error{errTransient, nil},
			expAttempts: 1,
			expErr:      errTransient,
		},

		"Zero attempts should run once.": {
			policy:      retry.Policy{},
			errs:        []error{errTransient},
			expAttempts: 1,
			expErr:      errTransient,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			attempts := 0
			err := test.policy.Do(context.Background(), func(ctx context.Context) error {
				err := test.errs[attempts]
				attempts++
				return err
			})

			assert.Equal(test.expAttempts, attempts)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else {
				assert.NoError(err)
			}
		})
	}
}

func TestPolicyDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{
		MaxAttempts: 5,
		Backoff:     time.Hour,
		OnRetry:     func(int, error) { cancel() },
	}

	err := p.Do(ctx, func(ctx context.Context) error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
}
