package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
)

// Type is the kind of a domain event.
type Type string

const (
	// TypeMessageReady is published once a delivered message is persisted and waits for processing.
	TypeMessageReady Type = "message.ready"
	// TypeTaskCompleted is published once per task when it reaches finished or error.
	TypeTaskCompleted Type = "task.completed"
	// TypeBatchCompleted is published when a batch file operation ends.
	TypeBatchCompleted Type = "batch.completed"
)

// Event is a domain event. Only the fields relevant to each type are set.
type Event struct {
	Type          Type
	CorrelationID string
	OccurredAt    time.Time

	TopicID    string
	TaskID     string
	SandboxID  string
	MessageID  string
	DeliveryID string
	BatchKey   string
	Status     string
}

// Publisher publishes domain events for asynchronous consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler handles an event.
type Handler func(ctx context.Context, e Event) error

// BusConfig is the configuration of the in-process bus.
type BusConfig struct {
	// Workers is the maximum number of handlers running at the same time.
	Workers int
	// Sync runs the handlers on the publisher goroutine and returns their errors.
	Sync   bool
	Logger log.Logger
}

func (c *BusConfig) defaults() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers can't be negative")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "eventbus.Bus"})
	return nil
}

// Bus is an in-process publisher that fans events out to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	slots    chan struct{}
	wg       sync.WaitGroup
	sync     bool
	logger   log.Logger
}

var _ Publisher = &Bus{}

// NewBus returns a new in-process event bus.
func NewBus(cfg BusConfig) (*Bus, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Bus{
		handlers: map[Type][]Handler{},
		slots:    make(chan struct{}, cfg.Workers),
		sync:     cfg.Sync,
		logger:   cfg.Logger,
	}, nil
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish dispatches the event to every handler of its type. In async mode it
// blocks only while waiting for a free worker slot.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debugf("No handlers for event %s", e.Type)
		return nil
	}

	if b.sync {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	// Handlers outlive the publishing request.
	hctx := context.WithoutCancel(ctx)
	logger := b.logger.WithValues(log.Kv{"event": string(e.Type), "correlation-id": e.CorrelationID})
	for _, h := range handlers {
		select {
		case b.slots <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("could not dispatch event %s: %w", e.Type, ctx.Err())
		}

		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() { <-b.slots }()

			if err := h(hctx, e); err != nil {
				logger.Errorf("Event handler failed: %s", err)
			}
		}(h)
	}

	return nil
}

// Wait blocks until every dispatched handler has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}
