package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// BatchRepositoryConfig is the configuration for the memory batch repository.
type BatchRepositoryConfig struct {
	Logger log.Logger
}

func (c *BatchRepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.MemoryBatch"})
	return nil
}

// BatchRepository is an in-memory implementation of storage.BatchRepository.
type BatchRepository struct {
	batches map[string]model.BatchRecord
	items   map[string][]model.BatchItem
	mu      sync.Mutex
	logger  log.Logger
}

var _ storage.BatchRepository = &BatchRepository{}

// NewBatchRepository creates a new memory batch repository.
func NewBatchRepository(cfg BatchRepositoryConfig) (*BatchRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &BatchRepository{
		batches: map[string]model.BatchRecord{},
		items:   map[string][]model.BatchItem{},
		logger:  cfg.Logger,
	}, nil
}

// CreateBatch stores the record and its pending items.
func (r *BatchRepository) CreateBatch(ctx context.Context, rec model.BatchRecord, fileIDs []string) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.batches[rec.Key]; ok {
		return fmt.Errorf("batch %s: %w", rec.Key, model.ErrAlreadyExists)
	}

	items := make([]model.BatchItem, 0, len(fileIDs))
	for i, id := range fileIDs {
		items = append(items, model.BatchItem{
			ID:       ulid.Make().String(),
			BatchKey: rec.Key,
			FileID:   id,
			Sequence: i + 1,
			Status:   model.BatchItemStatusPending,
		})
	}
	r.batches[rec.Key] = rec
	r.items[rec.Key] = items
	r.logger.Debugf("Added %d items for batch %s", len(items), rec.Key)

	return nil
}

// GetBatch retrieves a batch record.
func (r *BatchRepository) GetBatch(ctx context.Context, key string) (*model.BatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.batches[key]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", key, model.ErrNotFound)
	}

	return &rec, nil
}

// UpdateBatch updates a batch record. Item counters are owned by CompleteItem
// and FailItem and are not overwritten.
func (r *BatchRepository) UpdateBatch(ctx context.Context, rec model.BatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.batches[rec.Key]
	if !ok {
		return fmt.Errorf("batch %s: %w", rec.Key, model.ErrNotFound)
	}
	rec.Completed = old.Completed
	rec.Failed = old.Failed
	r.batches[rec.Key] = rec

	return nil
}

// NextItem returns the next pending item, or nil if all are processed.
func (r *BatchRepository) NextItem(ctx context.Context, key string) (*model.BatchItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range r.items[key] {
		if it.Status == model.BatchItemStatusPending {
			return &it, nil
		}
	}

	return nil, nil
}

// CompleteItem marks an item as done and counts it on its batch.
func (r *BatchRepository) CompleteItem(ctx context.Context, itemID string) error {
	return r.setItemStatus(itemID, model.BatchItemStatusDone, "")
}

// FailItem marks an item as failed and counts it on its batch.
func (r *BatchRepository) FailItem(ctx context.Context, itemID string, itemErr error) error {
	msg := ""
	if itemErr != nil {
		msg = itemErr.Error()
	}
	return r.setItemStatus(itemID, model.BatchItemStatusFailed, msg)
}

func (r *BatchRepository) setItemStatus(itemID string, status model.BatchItemStatus, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, items := range r.items {
		for i := range items {
			if items[i].ID == itemID {
				if items[i].Status != model.BatchItemStatusPending {
					return nil
				}
				items[i].Status = status
				items[i].Error = msg
				rec := r.batches[key]
				if status == model.BatchItemStatusDone {
					rec.Completed++
				} else {
					rec.Failed++
				}
				r.batches[key] = rec
				return nil
			}
		}
	}

	return fmt.Errorf("batch item %s: %w", itemID, model.ErrNotFound)
}

// ListFailedItems returns the failed items of a batch in order.
func (r *BatchRepository) ListFailedItems(ctx context.Context, key string) ([]model.BatchItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []model.BatchItem
	for _, it := range r.items[key] {
		if it.Status == model.BatchItemStatusFailed {
			failed = append(failed, it)
		}
	}

	return failed, nil
}

// DeleteBatch removes the record and its items.
func (r *BatchRepository) DeleteBatch(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.batches, key)
	delete(r.items, key)

	return nil
}

// ListExpiredBatches returns the keys of expired batches.
func (r *BatchRepository) ListExpiredBatches(ctx context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []string
	for k, rec := range r.batches {
		if rec.Expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	return keys, nil
}
