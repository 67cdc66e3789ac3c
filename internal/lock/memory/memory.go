package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
)

// LockerConfig is the configuration for the memory locker.
type LockerConfig struct {
	// Now is used to get the current time, mainly for tests.
	Now    func() time.Time
	Logger log.Logger
}

func (c *LockerConfig) defaults() error {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "lock.Memory"})
	return nil
}

type entry struct {
	owner     string
	expiresAt time.Time
}

// Locker is an in-process implementation of lock.Locker.
type Locker struct {
	locks  map[string]entry
	mu     sync.Mutex
	now    func() time.Time
	logger log.Logger
}

// NewLocker creates a new memory locker.
func NewLocker(cfg LockerConfig) (*Locker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Locker{
		locks:  map[string]entry{},
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

// Acquire tries to take the lock once.
func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}

	l.locks[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	l.logger.Debugf("Lock %q acquired by %s", key, owner)

	return true, nil
}

// Release frees the lock if owned by owner.
func (l *Locker) Release(ctx context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok || e.owner != owner {
		return false, nil
	}

	delete(l.locks, key)
	l.logger.Debugf("Lock %q released by %s", key, owner)

	return true, nil
}

// Refresh extends the lock if owned by owner and not expired.
func (l *Locker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.locks[key]
	if !ok || e.owner != owner || !now.Before(e.expiresAt) {
		return false, nil
	}

	l.locks[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}
