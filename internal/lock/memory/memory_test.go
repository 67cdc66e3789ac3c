package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/lock/memory"
)

func TestLocker(t *testing.T) {
	t0 := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		run func(t *testing.T, l *memory.Locker, now *time.Time)
	}{
		"Releasing with a different owner should be a no-op.": {
			run: func(t *testing.T, l *memory.Locker, now *time.Time) {
				ctx := context.Background()

				ok, err := l.Acquire(ctx, "k", "a", time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = l.Release(ctx, "k", "b")
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = l.Acquire(ctx, "k", "c", time.Minute)
				require.NoError(t, err)
				assert.False(t, ok, "lock should still be held by a")
			},
		},

		"Releasing with the owner should allow any other owner to acquire.": {
			run: func(t *testing.T, l *memory.Locker, now *time.Time) {
				ctx := context.Background()

				ok, _ := l.Acquire(ctx, "k", "a", time.Minute)
				assert.True(t, ok)

				ok, err := l.Release(ctx, "k", "a")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, _ = l.Acquire(ctx, "k", "b", time.Minute)
				assert.True(t, ok)
			},
		},

		"An expired lock should be acquirable by another owner.": {
			run: func(t *testing.T, l *memory.Locker, now *time.Time) {
				ctx := context.Background()

				ok, _ := l.Acquire(ctx, "k", "a", 10*time.Second)
				assert.True(t, ok)

				*now = now.Add(11 * time.Second)
				ok, _ = l.Acquire(ctx, "k", "b", 10*time.Second)
				assert.True(t, ok)

				// The old owner can't release the new owner lock.
				ok, _ = l.Release(ctx, "k", "a")
				assert.False(t, ok)
			},
		},

		"Refreshing should extend only an unexpired lock of the owner.": {
			run: func(t *testing.T, l *memory.Locker, now *time.Time) {
				ctx := context.Background()

				ok, _ := l.Acquire(ctx, "k", "a", 10*time.Second)
				assert.True(t, ok)

				ok, err := l.Refresh(ctx, "k", "b", 10*time.Second)
				require.NoError(t, err)
				assert.False(t, ok)

				*now = now.Add(8 * time.Second)
				ok, _ = l.Refresh(ctx, "k", "a", 10*time.Second)
				assert.True(t, ok)

				*now = now.Add(8 * time.Second)
				ok, _ = l.Acquire(ctx, "k", "b", 10*time.Second)
				assert.False(t, ok, "refreshed lock should still be held")

				*now = now.Add(3 * time.Second)
				ok, _ = l.Refresh(ctx, "k", "a", 10*time.Second)
				assert.False(t, ok, "expired lock can't be refreshed")
			},
		},

		"Different keys should not contend.": {
			run: func(t *testing.T, l *memory.Locker, now *time.Time) {
				ctx := context.Background()

				ok1, _ := l.Acquire(ctx, "k1", "a", time.Minute)
				ok2, _ := l.Acquire(ctx, "k2", "b", time.Minute)
				assert.True(t, ok1)
				assert.True(t, ok2)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			now := t0
			l, err := memory.NewLocker(memory.LockerConfig{Now: func() time.Time { return now }})
			require.NoError(t, err)

			test.run(t, l, &now)
		})
	}
}
