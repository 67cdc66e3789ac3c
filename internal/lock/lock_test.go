package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/lock/memory"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

func newLocker(t *testing.T) *memory.Locker {
	l, err := memory.NewLocker(memory.LockerConfig{})
	require.NoError(t, err)
	return l
}

func TestDo(t *testing.T) {
	tests := map[string]struct {
		prepare func(l lock.Locker)
		fnErr   error
		expErr  error
		expRun  bool
	}{
		"A free lock should run the function.": {
			expRun: true,
		},

		"A held lock should return busy without running the function.": {
			prepare: func(l lock.Locker) {
				_, _ = l.Acquire(context.Background(), "topic:t1", "other", time.Minute)
			},
			expErr: model.ErrBusy,
		},

		"A function error should be returned.": {
			fnErr:  errors.New("boom"),
			expErr: errors.New("boom"),
			expRun: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			l := newLocker(t)
			if test.prepare != nil {
				test.prepare(l)
			}

			run := false
			err := lock.Do(context.Background(), l, log.Noop, lock.Options{
				Key:      lock.TopicKey("t1"),
				TTL:      time.Minute,
				Wait:     20 * time.Millisecond,
				Interval: 5 * time.Millisecond,
			}, func(ctx context.Context) error {
				run = true
				return test.fnErr
			})

			assert.Equal(test.expRun, run)
			if test.expErr != nil {
				require.Error(err)
				if errors.Is(test.expErr, model.ErrBusy) {
					assert.ErrorIs(err, model.ErrBusy)
				} else {
					assert.Equal(test.expErr.Error(), err.Error())
				}
			} else {
				require.NoError(err)
			}

			// The lock should always be released.
			ok, err := l.Acquire(context.Background(), lock.TopicKey("t1"), "after", time.Minute)
			require.NoError(err)
			assert.Equal(test.prepare == nil, ok)
		})
	}
}

func TestDoSerializesConcurrentCallers(t *testing.T) {
	l := newLocker(t)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lock.Do(context.Background(), l, log.Noop, lock.Options{
				Key:      "k",
				TTL:      time.Minute,
				Wait:     5 * time.Second,
				Interval: time.Millisecond,
			}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestSpinWaitsForRelease(t *testing.T) {
	require := require.New(t)
	l := newLocker(t)
	ctx := context.Background()

	ok, _ := l.Acquire(ctx, "k", "a", time.Minute)
	require.True(ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = l.Release(ctx, "k", "a")
	}()

	ok, err := lock.Spin(ctx, l, "k", "b", time.Minute, 2*time.Second, 5*time.Millisecond)
	require.NoError(err)
	require.True(ok)
}

func TestDoKeepsTheLockPastItsTTL(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	l := newLocker(t)
	ctx := context.Background()

	var stolen atomic.Bool
	err := lock.Do(ctx, l, log.Noop, lock.Options{Key: "dir:d1", TTL: 60 * time.Millisecond}, func(ctx context.Context) error {
		// Other owners keep trying for several TTLs.
		for i := 0; i < 10; i++ {
			time.Sleep(30 * time.Millisecond)
			ok, err := l.Acquire(ctx, "dir:d1", "other", time.Minute)
			if err != nil {
				return err
			}
			if ok {
				stolen.Store(true)
			}
		}
		return ctx.Err()
	})

	require.NoError(err)
	assert.False(stolen.Load(), "the lock should be held for the whole function")
}

// lossyLocker refuses every refresh, as if the lease had been taken over.
type lossyLocker struct {
	lock.Locker
}

func (lossyLocker) Refresh(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestDoStopsTheWorkWhenTheLeaseIsLost(t *testing.T) {
	assert := assert.New(t)
	l := lossyLocker{Locker: newLocker(t)}

	err := lock.Do(context.Background(), l, log.Noop, lock.Options{Key: "topic:t1", TTL: 30 * time.Millisecond}, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	assert.ErrorIs(err, model.ErrBusy)
}
