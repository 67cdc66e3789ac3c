package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
)

// LockRepositoryConfig is the configuration for the SQLite lock repository.
type LockRepositoryConfig struct {
	DB *sql.DB
	// Now is used to get the current time, mainly for tests.
	Now    func() time.Time
	Logger log.Logger
}

func (c *LockRepositoryConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.LockRepository"})
	return nil
}

// LockRepository is a lock.Locker shared by every process using the same database.
type LockRepository struct {
	db     *sql.DB
	now    func() time.Time
	logger log.Logger
}

// NewLockRepository creates a new SQLite lock repository.
func NewLockRepository(cfg LockRepositoryConfig) (*LockRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &LockRepository{
		db:     cfg.DB,
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

// Acquire takes the lock if it is free or expired.
func (r *LockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now()
	query := `
		INSERT INTO locks (key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`

	result, err := r.db.ExecContext(ctx, query, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("could not acquire lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}

	return rows == 1, nil
}

// Release frees the lock if owned by owner.
func (r *LockRepository) Release(ctx context.Context, key, owner string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, owner)
	if err != nil {
		return false, fmt.Errorf("could not release lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}

	return rows == 1, nil
}

// Refresh extends the lock if owned by owner and not expired.
func (r *LockRepository) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE key = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), key, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("could not refresh lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}

	return rows == 1, nil
}
