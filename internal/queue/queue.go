package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/retry"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// Queue names.
const (
	BatchQueue = "batch"
)

// Publisher publishes work items to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// Message is a claimed work item.
type Message struct {
	ID       string
	Queue    string
	Attempts int
	payload  []byte
}

// Decode decodes the item payload into v.
func (m Message) Decode(v any) error {
	if err := Unmarshal(m.payload, v); err != nil {
		return fmt.Errorf("could not decode queue item %s: %w", m.ID, err)
	}
	return nil
}

// HandlerFunc handles a claimed item. Returning nil acknowledges it.
type HandlerFunc func(ctx context.Context, m Message) error

// QueueConfig is the configuration of the durable queue.
type QueueConfig struct {
	Repository storage.QueueRepository
	// Retry wraps every enqueue call.
	Retry retry.Policy
	// PublishTimeout bounds a single enqueue attempt.
	PublishTimeout time.Duration
	// PollInterval is the wait between claims when the queue is empty.
	PollInterval time.Duration
	// Visibility hides a claimed item from other consumers until it is acked.
	Visibility time.Duration
	// MaxDeliveries drops an item after this many failed handlings.
	MaxDeliveries int
	Logger        log.Logger
}

func (c *QueueConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Default
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Queue"})
	return nil
}

// Queue is a durable work queue on top of a queue repository.
type Queue struct {
	repo           storage.QueueRepository
	retry          retry.Policy
	publishTimeout time.Duration
	pollInterval   time.Duration
	visibility     time.Duration
	maxDeliveries  int
	logger         log.Logger
}

var _ Publisher = &Queue{}

// NewQueue returns a new durable queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Queue{
		repo:           cfg.Repository,
		retry:          cfg.Retry,
		publishTimeout: cfg.PublishTimeout,
		pollInterval:   cfg.PollInterval,
		visibility:     cfg.Visibility,
		maxDeliveries:  cfg.MaxDeliveries,
		logger:         cfg.Logger,
	}, nil
}

// Publish encodes v and enqueues it, retrying transient failures.
func (q *Queue) Publish(ctx context.Context, queue string, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode work item: %w", err)
	}

	err = q.retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, q.publishTimeout)
		defer cancel()
		return q.repo.Enqueue(ctx, queue, payload)
	})
	if err != nil {
		return fmt.Errorf("could not publish to %s queue: %w", queue, err)
	}

	return nil
}

// Consume claims items from the queue and runs the handler on each one until
// the context ends. Failed items become visible again after the visibility
// window and are dropped after the maximum deliveries.
func (q *Queue) Consume(ctx context.Context, queue string, h HandlerFunc) error {
	logger := q.logger.WithValues(log.Kv{"queue": queue})
	logger.Infof("Consuming queue")

	for {
		processed, err := q.consumeOne(ctx, queue, h, logger)
		if err != nil {
			logger.Errorf("Could not consume item: %s", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			logger.Infof("Stopped consuming queue")
			return nil
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *Queue) consumeOne(ctx context.Context, queue string, h HandlerFunc, logger log.Logger) (bool, error) {
	item, err := q.repo.Claim(ctx, queue, q.visibility)
	if err != nil {
		return false, fmt.Errorf("could not claim item: %w", err)
	}
	if item == nil {
		return false, nil
	}

	msg := Message{ID: item.ID, Queue: item.Queue, Attempts: item.Attempts, payload: item.Payload}
	if herr := h(ctx, msg); herr != nil {
		if item.Attempts < q.maxDeliveries {
			return true, fmt.Errorf("item %s attempt %d failed: %w", item.ID, item.Attempts, herr)
		}
		logger.Errorf("Dropping item %s after %d attempts: %s", item.ID, item.Attempts, herr)
	}

	if err := q.repo.Ack(context.WithoutCancel(ctx), item.ID); err != nil {
		return true, fmt.Errorf("could not ack item %s: %w", item.ID, err)
	}

	return true, nil
}
