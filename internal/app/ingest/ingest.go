package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"

	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/filestore"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/notify"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// ServiceConfig is the configuration for the ingest service.
type ServiceConfig struct {
	Repository storage.Repository
	Locker     lock.Locker
	Publisher  eventbus.Publisher
	Notifier   notify.Notifier
	FileStore  filestore.Service
	// Lock TTLs, the lock is released as soon as the work ends.
	SandboxLockTTL time.Duration
	TopicLockTTL   time.Duration
	FileLockTTL    time.Duration
	// LockWait is the spin window before giving up with model.ErrBusy.
	LockWait time.Duration
	// OffloadObjectSizeThreshold is the serialized tool size above which tool
	// content is moved to the file store.
	OffloadObjectSizeThreshold int
	// OffloadMinContentLength is the minimum tool content length to consider off-loading.
	OffloadMinContentLength int
	Logger                  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Locker == nil {
		return fmt.Errorf("locker is required")
	}
	if c.Publisher == nil {
		return fmt.Errorf("publisher is required")
	}
	if c.FileStore == nil {
		return fmt.Errorf("file store is required")
	}
	if c.SandboxLockTTL <= 0 {
		c.SandboxLockTTL = 10 * time.Second
	}
	if c.TopicLockTTL <= 0 {
		c.TopicLockTTL = 15 * time.Second
	}
	if c.FileLockTTL <= 0 {
		c.FileLockTTL = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.OffloadObjectSizeThreshold <= 0 {
		c.OffloadObjectSizeThreshold = 64 << 10
	}
	if c.OffloadMinContentLength <= 0 {
		c.OffloadMinContentLength = 1 << 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Notifier == nil {
		c.Notifier = notify.NewLogNotifier(c.Logger)
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Ingest"})
	return nil
}

// Service persists and processes the protocol messages sandboxes send.
type Service struct {
	repo           storage.Repository
	locker         lock.Locker
	publisher      eventbus.Publisher
	notifier       notify.Notifier
	files          filestore.Service
	sandboxLockTTL time.Duration
	topicLockTTL   time.Duration
	fileLockTTL    time.Duration
	lockWait       time.Duration
	offloadSize    int
	offloadMinLen  int
	logger         log.Logger
}

// NewService creates a new ingest service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:           cfg.Repository,
		locker:         cfg.Locker,
		publisher:      cfg.Publisher,
		notifier:       cfg.Notifier,
		files:          cfg.FileStore,
		sandboxLockTTL: cfg.SandboxLockTTL,
		topicLockTTL:   cfg.TopicLockTTL,
		fileLockTTL:    cfg.FileLockTTL,
		lockWait:       cfg.LockWait,
		offloadSize:    cfg.OffloadObjectSizeThreshold,
		offloadMinLen:  cfg.OffloadMinContentLength,
		logger:         cfg.Logger,
	}, nil
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s_%d", prefix, time.Now().UTC().UnixNano())
}

// NewMessageID returns an orchestrator generated message id.
func NewMessageID() string { return newID("msg") }

func newDeliveryID() string { return newID("dlv") }

// DeliverRequest is an asynchronous push from a sandbox.
type DeliverRequest struct {
	SandboxID     string
	Envelope      model.Envelope
	CorrelationID string
}

// DeliverResult is the delivery acknowledgment.
type DeliverResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Deliver persists a message pushed by a sandbox and publishes it for processing.
// It returns as soon as the delivery is stored, processing happens on the
// message ready event.
func (s *Service) Deliver(ctx context.Context, req DeliverRequest) (*DeliverResult, error) {
	if req.SandboxID == "" {
		return nil, fmt.Errorf("sandbox id is required: %w", model.ErrNotValid)
	}
	if err := req.Envelope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	env := req.Envelope
	if env.Payload.MessageID == "" {
		env.Payload.MessageID = NewMessageID()
	}
	logger := s.logger.WithValues(log.Kv{"sandbox-id": req.SandboxID, "message-id": env.Payload.MessageID, "correlation-id": req.CorrelationID})

	var delivery model.Delivery
	err := lock.Do(ctx, s.locker, logger, lock.Options{Key: lock.SandboxKey(req.SandboxID), TTL: s.sandboxLockTTL, Wait: s.lockWait}, func(ctx context.Context) error {
		// 1. Resolve the topic of the sandbox.
		topic, err := s.repo.GetTopicBySandbox(ctx, req.SandboxID)
		if err != nil {
			return fmt.Errorf("could not resolve sandbox topic: %w", err)
		}

		taskID := resolveTaskID(env, *topic)

		// 2. Check ordering, a mismatch is only a data quality signal.
		if taskID != "" {
			last, err := s.repo.LastDeliveredSeqID(ctx, topic.ID, taskID)
			if err != nil {
				return fmt.Errorf("could not get last delivered sequence: %w", err)
			}
			if expected := last + 1; env.Payload.SeqID != expected {
				logger.Warningf("Unexpected sequence id on task %s: got %d, expected %d", taskID, env.Payload.SeqID, expected)
			}
		}

		// 3. Persist.
		delivery = model.Delivery{
			ID:        newDeliveryID(),
			SandboxID: req.SandboxID,
			TopicID:   topic.ID,
			TaskID:    taskID,
			MessageID: env.Payload.MessageID,
			SeqID:     env.Payload.SeqID,
			Envelope:  env,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.CreateDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("could not store delivery: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 4. Hand over to the processing consumer. Pending deliveries are replayed
	// if the event is lost.
	err = s.publisher.Publish(ctx, eventbus.Event{
		Type:          eventbus.TypeMessageReady,
		CorrelationID: req.CorrelationID,
		TopicID:       delivery.TopicID,
		TaskID:        delivery.TaskID,
		SandboxID:     delivery.SandboxID,
		MessageID:     delivery.MessageID,
		DeliveryID:    delivery.ID,
	})
	if err != nil {
		logger.Warningf("Could not publish message ready event for delivery %s: %s", delivery.ID, err)
	}

	logger.Debugf("Delivery %s accepted", delivery.ID)
	return &DeliverResult{Success: true, MessageID: delivery.MessageID}, nil
}

// HandleEvent is the message ready event handler.
func (s *Service) HandleEvent(ctx context.Context, e eventbus.Event) error {
	if e.Type != eventbus.TypeMessageReady {
		return nil
	}
	return s.ProcessDelivery(ctx, e.DeliveryID, e.CorrelationID)
}

// ProcessDelivery processes a stored delivery once.
func (s *Service) ProcessDelivery(ctx context.Context, deliveryID, correlationID string) error {
	d, err := s.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("could not get delivery: %w", err)
	}
	if d.Processed {
		return nil
	}

	_, err = s.Process(ctx, ProcessRequest{
		TopicID:       d.TopicID,
		TaskID:        d.TaskID,
		Envelope:      d.Envelope,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}

	if err := s.repo.MarkDeliveryProcessed(ctx, d.ID); err != nil {
		return fmt.Errorf("could not mark delivery processed: %w", err)
	}
	return nil
}

// ReplayPending processes the oldest unprocessed deliveries, then publishes the
// pending task completions, and returns how many were handled. Busy topics are
// left for the next replay.
func (s *Service) ReplayPending(ctx context.Context, limit int) (int, error) {
	ds, err := s.repo.ListPendingDeliveries(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("could not list pending deliveries: %w", err)
	}

	n := 0
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		err := s.ProcessDelivery(ctx, d.ID, "")
		switch {
		case errors.Is(err, model.ErrBusy):
			s.logger.Debugf("Topic %s busy, delivery %s left pending", d.TopicID, d.ID)
		case err != nil:
			s.logger.Errorf("Could not replay delivery %s: %s", d.ID, err)
		default:
			n++
		}
	}

	ts, err := s.repo.ListPendingCompletions(ctx, limit)
	if err != nil {
		return n, fmt.Errorf("could not list pending completions: %w", err)
	}
	for _, t := range ts {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		err := s.replayCompletion(ctx, t.ID)
		switch {
		case errors.Is(err, model.ErrBusy):
			s.logger.Debugf("Topic %s busy, completion of task %s left pending", t.TopicID, t.ID)
		case err != nil:
			s.logger.Errorf("Could not replay completion of task %s: %s", t.ID, err)
		default:
			n++
		}
	}

	return n, nil
}

// replayCompletion publishes a pending completion under the topic lock, status
// changes of the task can't race with it.
func (s *Service) replayCompletion(ctx context.Context, taskID string) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}
	logger := s.logger.WithValues(log.Kv{"topic-id": task.TopicID, "task-id": task.ID})

	opts := lock.Options{Key: lock.TopicKey(task.TopicID), TTL: s.topicLockTTL, Wait: s.lockWait}
	return lock.Do(ctx, s.locker, logger, opts, func(ctx context.Context) error {
		t, err := s.repo.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("could not get task: %w", err)
		}
		if !t.CompletionPending {
			return nil
		}
		if err := s.publishCompletion(ctx, *t, ""); err != nil {
			return err
		}
		logger.Infof("Replayed completion of task %s", t.ID)
		return nil
	})
}

func resolveTaskID(env model.Envelope, topic model.Topic) string {
	switch {
	case env.Payload.TaskID != "":
		return env.Payload.TaskID
	case env.Metadata.TaskID != "":
		return env.Metadata.TaskID
	}
	return topic.CurrentTaskID
}
