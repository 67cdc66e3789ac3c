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

// BatchRepositoryConfig is the configuration for the SQLite batch repository.
type BatchRepositoryConfig struct {
	DB     *sql.DB
	Logger log.Logger
}

func (c *BatchRepositoryConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.BatchRepository"})
	return nil
}

// BatchRepository is a SQLite implementation of storage.BatchRepository.
type BatchRepository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.BatchRepository = &BatchRepository{}

// NewBatchRepository creates a new SQLite batch repository.
func NewBatchRepository(cfg BatchRepositoryConfig) (*BatchRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &BatchRepository{
		db:     cfg.DB,
		logger: cfg.Logger,
	}, nil
}

const batchColumns = `key, operation, owner_id, project_id, root_file_id, target_project_id, target_parent_id, status, total, completed, failed, error, created_at, updated_at, expires_at`

// CreateBatch stores the record and one pending item per file id, in order.
func (r *BatchRepository) CreateBatch(ctx context.Context, rec model.BatchRecord, fileIDs []string) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit

	query := `INSERT INTO batches (` + batchColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		rec.Key, rec.Operation, rec.OwnerID, rec.ProjectID, rec.RootFileID, rec.TargetProjectID, rec.TargetParentID,
		rec.Status, rec.Total, rec.Completed, rec.Failed, rec.Error,
		toUnix(rec.CreatedAt), toUnix(rec.UpdatedAt), toUnix(rec.ExpiresAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("batch %s: %w", rec.Key, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO batch_items (id, batch_key, file_id, sequence, status, error)
		VALUES (?, ?, ?, ?, ?, '')
	`)
	if err != nil {
		return fmt.Errorf("could not prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, fileID := range fileIDs {
		_, err := stmt.ExecContext(ctx, ulid.Make().String(), rec.Key, fileID, i+1, model.BatchItemStatusPending)
		if err != nil {
			return fmt.Errorf("could not insert batch item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Added %d items for batch %s", len(fileIDs), rec.Key)
	return nil
}

// GetBatch retrieves a batch record.
func (r *BatchRepository) GetBatch(ctx context.Context, key string) (*model.BatchRecord, error) {
	var rec model.BatchRecord
	var createdAt, updatedAt, expiresAt int64

	query := `SELECT ` + batchColumns + ` FROM batches WHERE key = ?`
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Operation,
		&rec.OwnerID,
		&rec.ProjectID,
		&rec.RootFileID,
		&rec.TargetProjectID,
		&rec.TargetParentID,
		&rec.Status,
		&rec.Total,
		&rec.Completed,
		&rec.Failed,
		&rec.Error,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query batch: %w", err)
	}
	rec.CreatedAt = timeFromUnix(createdAt)
	rec.UpdatedAt = timeFromUnix(updatedAt)
	rec.ExpiresAt = timeFromUnix(expiresAt)

	return &rec, nil
}

// UpdateBatch updates the status fields of a batch record. Item counters are
// owned by CompleteItem and FailItem and are not overwritten.
func (r *BatchRepository) UpdateBatch(ctx context.Context, rec model.BatchRecord) error {
	query := `UPDATE batches SET status = ?, total = ?, error = ?, updated_at = ?, expires_at = ? WHERE key = ?`

	result, err := r.db.ExecContext(ctx, query, rec.Status, rec.Total, rec.Error, toUnix(rec.UpdatedAt), toUnix(rec.ExpiresAt), rec.Key)
	if err != nil {
		return fmt.Errorf("could not update batch: %w", err)
	}

	return checkAffected(result, "batch", rec.Key)
}

// NextItem returns the next pending item, or nil if all are processed.
func (r *BatchRepository) NextItem(ctx context.Context, key string) (*model.BatchItem, error) {
	query := `
		SELECT id, batch_key, file_id, sequence, status, error
		FROM batch_items
		WHERE batch_key = ? AND status = ?
		ORDER BY sequence ASC
		LIMIT 1
	`

	var it model.BatchItem
	err := r.db.QueryRowContext(ctx, query, key, model.BatchItemStatusPending).Scan(
		&it.ID,
		&it.BatchKey,
		&it.FileID,
		&it.Sequence,
		&it.Status,
		&it.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No pending items.
		}
		return nil, fmt.Errorf("could not query next batch item: %w", err)
	}

	return &it, nil
}

// CompleteItem marks an item as done and counts it on its batch.
func (r *BatchRepository) CompleteItem(ctx context.Context, itemID string) error {
	return r.finishItem(ctx, itemID, model.BatchItemStatusDone, "", "completed")
}

// FailItem marks an item as failed and counts it on its batch.
func (r *BatchRepository) FailItem(ctx context.Context, itemID string, itemErr error) error {
	errMsg := ""
	if itemErr != nil {
		errMsg = itemErr.Error()
	}
	return r.finishItem(ctx, itemID, model.BatchItemStatusFailed, errMsg, "failed")
}

func (r *BatchRepository) finishItem(ctx context.Context, itemID string, status model.BatchItemStatus, errMsg, counter string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var key string
	var current model.BatchItemStatus
	err = tx.QueryRowContext(ctx, `SELECT batch_key, status FROM batch_items WHERE id = ?`, itemID).Scan(&key, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch item %s: %w", itemID, model.ErrNotFound)
		}
		return fmt.Errorf("could not query batch item: %w", err)
	}
	if current != model.BatchItemStatusPending {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE batch_items SET status = ?, error = ? WHERE id = ?`, status, errMsg, itemID); err != nil {
		return fmt.Errorf("could not update batch item: %w", err)
	}

	// Counter is one of our own column names, never user input.
	query := fmt.Sprintf(`UPDATE batches SET %[1]s = %[1]s + 1, updated_at = ? WHERE key = ?`, counter)
	if _, err := tx.ExecContext(ctx, query, toUnix(time.Now()), key); err != nil {
		return fmt.Errorf("could not update batch counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Batch item %s of %s is %s", itemID, key, status)
	return nil
}

// ListFailedItems returns the failed items of a batch in order.
func (r *BatchRepository) ListFailedItems(ctx context.Context, key string) ([]model.BatchItem, error) {
	query := `
		SELECT id, batch_key, file_id, sequence, status, error
		FROM batch_items
		WHERE batch_key = ? AND status = ?
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, key, model.BatchItemStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("could not query batch items: %w", err)
	}
	defer rows.Close()

	var items []model.BatchItem
	for rows.Next() {
		var it model.BatchItem
		if err := rows.Scan(&it.ID, &it.BatchKey, &it.FileID, &it.Sequence, &it.Status, &it.Error); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return items, nil
}

// DeleteBatch removes the record and all its items.
func (r *BatchRepository) DeleteBatch(ctx context.Context, key string) error {
	// Items are removed by the foreign key cascade.
	if _, err := r.db.ExecContext(ctx, `DELETE FROM batches WHERE key = ?`, key); err != nil {
		return fmt.Errorf("could not delete batch: %w", err)
	}

	r.logger.Debugf("Deleted batch %s", key)
	return nil
}

// ListExpiredBatches returns the keys of expired batches.
func (r *BatchRepository) ListExpiredBatches(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key FROM batches WHERE expires_at > 0 AND expires_at < ? ORDER BY key ASC`, toUnix(now))
	if err != nil {
		return nil, fmt.Errorf("could not query expired batches: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}
