package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Locker is a mutual exclusion primitive keyed by string, with an owner token and an expiry.
//
// Contention is not an error, implementations return false when the lock is
// held by someone else and only return errors when the backend itself fails.
type Locker interface {
	// Acquire tries to take the lock once without blocking.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the lock, only the owner can release it.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Refresh extends an unexpired lock to ttl from now, only the owner can refresh it.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// errLeaseLost is the cancel cause of a guarded function whose lock expired.
var errLeaseLost = errors.New("lock lease lost")

// Spin tries to acquire the lock until wait elapses, retrying every interval.
// It returns false if the lock could not be acquired in time.
func Spin(ctx context.Context, l Locker, key, owner string, ttl, wait, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := l.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		if !time.Now().Add(interval).Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Options are the options of a guarded execution.
type Options struct {
	Key string
	TTL time.Duration
	// Wait is the spin window, zero means a single attempt.
	Wait     time.Duration
	Interval time.Duration
}

// Do runs fn while holding the lock. If the lock can't be acquired in the spin
// window it returns model.ErrBusy. The lease is refreshed every third of the
// TTL while fn runs; if a refresh finds the lease gone, fn's context is
// cancelled and Do returns model.ErrBusy. The lock is released on every exit
// path, release failures are only logged, the TTL will free it eventually.
func Do(ctx context.Context, l Locker, logger log.Logger, opts Options, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = log.Noop
	}
	owner := ulid.Make().String()

	ok, err := Spin(ctx, l, opts.Key, owner, opts.TTL, opts.Wait, opts.Interval)
	if err != nil {
		return fmt.Errorf("could not acquire lock %q: %w", opts.Key, err)
	}
	if !ok {
		return fmt.Errorf("lock %q is held by someone else: %w", opts.Key, model.ErrBusy)
	}

	defer func() {
		// Release even if the request context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		released, err := l.Release(rctx, opts.Key, owner)
		switch {
		case err != nil:
			logger.Warningf("Could not release lock %q: %s", opts.Key, err)
		case !released:
			logger.Warningf("Lock %q was not released, it expired before the work finished", opts.Key)
		}
	}()

	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		keepAlive(fctx, l, logger, opts, owner, done, cancel)
	}()

	err = fn(fctx)
	close(done)
	<-kept

	if errors.Is(context.Cause(fctx), errLeaseLost) {
		if err != nil {
			return fmt.Errorf("lock %q expired while held: %s: %w", opts.Key, err, model.ErrBusy)
		}
		return fmt.Errorf("lock %q expired while held: %w", opts.Key, model.ErrBusy)
	}
	return err
}

// keepAlive refreshes the lease until done is closed. Refresh errors are
// retried on the next tick, a refused refresh means the lease is gone.
func keepAlive(ctx context.Context, l Locker, logger log.Logger, opts Options, owner string, done <-chan struct{}, cancel context.CancelCauseFunc) {
	if opts.TTL <= 0 {
		return
	}
	interval := opts.TTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}

		rctx, rcancel := context.WithTimeout(ctx, interval)
		ok, err := l.Refresh(rctx, opts.Key, owner, opts.TTL)
		rcancel()
		switch {
		case err != nil:
			logger.Warningf("Could not refresh lock %q: %s", opts.Key, err)
		case !ok:
			logger.Errorf("Lock %q expired while held, stopping the work", opts.Key)
			cancel(errLeaseLost)
			return
		}
	}
}

// SandboxKey returns the lock key of a sandbox.
func SandboxKey(sandboxID string) string { return "sandbox:" + sandboxID }

// TopicKey returns the lock key of a topic.
func TopicKey(topicID string) string { return "topic:" + topicID }

// FileKey returns the lock key of a file path inside a project.
func FileKey(projectID, fileKey string) string { return "file:" + projectID + ":" + fileKey }

// DirKey returns the lock key of a directory subject to batch operations.
func DirKey(fileID string) string { return "dir:" + fileID }
