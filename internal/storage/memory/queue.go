package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

type queueEntry struct {
	item         storage.QueueItem
	visibleAfter time.Time
}

// QueueRepository is an in-memory implementation of storage.QueueRepository.
type QueueRepository struct {
	entries []queueEntry
	mu      sync.Mutex
}

var _ storage.QueueRepository = &QueueRepository{}

// NewQueueRepository creates a new memory queue repository.
func NewQueueRepository() *QueueRepository {
	return &QueueRepository{}
}

// Enqueue adds an item at the end of the queue.
func (r *QueueRepository) Enqueue(ctx context.Context, queue string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := make([]byte, len(payload))
	copy(p, payload)
	r.entries = append(r.entries, queueEntry{item: storage.QueueItem{
		ID:      ulid.Make().String(),
		Queue:   queue,
		Payload: p,
	}})

	return nil
}

// Claim takes the oldest visible item of the queue.
func (r *QueueRepository) Claim(ctx context.Context, queue string, visibility time.Duration) (*storage.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for i := range r.entries {
		e := &r.entries[i]
		if e.item.Queue != queue || now.Before(e.visibleAfter) {
			continue
		}
		e.visibleAfter = now.Add(visibility)
		e.item.Attempts++
		it := e.item
		return &it, nil
	}

	return nil, nil
}

// Ack removes an item from the queue.
func (r *QueueRepository) Ack(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.item.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("queue item %s: %w", id, model.ErrNotFound)
}
