package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// QueueRepositoryConfig is the configuration for the SQLite queue repository.
type QueueRepositoryConfig struct {
	DB     *sql.DB
	Logger log.Logger
}

func (c *QueueRepositoryConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.QueueRepository"})
	return nil
}

// QueueRepository is a SQLite implementation of storage.QueueRepository.
type QueueRepository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.QueueRepository = &QueueRepository{}

// NewQueueRepository creates a new SQLite queue repository.
func NewQueueRepository(cfg QueueRepositoryConfig) (*QueueRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &QueueRepository{
		db:     cfg.DB,
		logger: cfg.Logger,
	}, nil
}

// Enqueue adds an item at the end of the queue.
func (r *QueueRepository) Enqueue(ctx context.Context, queue string, payload []byte) error {
	id := ulid.Make().String()
	query := `INSERT INTO queue_items (id, queue, payload, attempts, visible_after, created_at) VALUES (?, ?, ?, 0, 0, ?)`

	if _, err := r.db.ExecContext(ctx, query, id, queue, payload, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("could not enqueue item: %w", err)
	}

	r.logger.Debugf("Enqueued item %s on %s", id, queue)
	return nil
}

// Claim takes the oldest visible item of the queue, hiding it for visibility.
func (r *QueueRepository) Claim(ctx context.Context, queue string, visibility time.Duration) (*storage.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	query := `
		SELECT id, queue, payload, attempts
		FROM queue_items
		WHERE queue = ? AND visible_after <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	var it storage.QueueItem
	err = tx.QueryRowContext(ctx, query, queue, now.UnixMilli()).Scan(&it.ID, &it.Queue, &it.Payload, &it.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query queue item: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE queue_items SET attempts = attempts + 1, visible_after = ? WHERE id = ?`, now.Add(visibility).UnixMilli(), it.ID)
	if err != nil {
		return nil, fmt.Errorf("could not claim queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}
	it.Attempts++

	return &it, nil
}

// Ack removes an item from the queue.
func (r *QueueRepository) Ack(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not ack queue item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("queue item %s: %w", id, model.ErrNotFound)
	}

	return nil
}
