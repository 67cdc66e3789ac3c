package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// SandboxManager gets ready sandboxes.
type SandboxManager interface {
	EnsureReady(ctx context.Context, req sandbox.EnsureRequest) (*sandbox.EnsureResult, error)
	Endpoint(ctx context.Context, sandboxID string) (string, error)
}

// ServiceConfig is the configuration for the rollback service.
type ServiceConfig struct {
	Repository   storage.Repository
	Locker       lock.Locker
	Sandboxes    SandboxManager
	Checkpointer sandbox.Checkpointer
	// LockTTL is the topic lock TTL while a phase runs.
	LockTTL  time.Duration
	LockWait time.Duration
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Locker == nil {
		return fmt.Errorf("locker is required")
	}
	if c.Sandboxes == nil {
		return fmt.Errorf("sandbox manager is required")
	}
	if c.Checkpointer == nil {
		return fmt.Errorf("checkpointer is required")
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Rollback"})
	return nil
}

// Service coordinates the checkpoint rollback protocol between a sandbox and
// the stored topic messages.
type Service struct {
	repo         storage.Repository
	locker       lock.Locker
	sandboxes    SandboxManager
	checkpointer sandbox.Checkpointer
	lockTTL      time.Duration
	lockWait     time.Duration
	logger       log.Logger
}

// NewService creates a new rollback service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:         cfg.Repository,
		locker:       cfg.Locker,
		sandboxes:    cfg.Sandboxes,
		checkpointer: cfg.Checkpointer,
		lockTTL:      cfg.LockTTL,
		lockWait:     cfg.LockWait,
		logger:       cfg.Logger,
	}, nil
}

// Request is a rollback phase request on a topic.
type Request struct {
	TopicID string
	// UserID must own the topic.
	UserID string
	// TargetMessageID is required on check and start.
	TargetMessageID string
	CorrelationID   string
}

func (r Request) validate(phase sandbox.RollbackPhase) error {
	if r.TopicID == "" {
		return fmt.Errorf("topic id is required: %w", model.ErrNotValid)
	}
	if r.UserID == "" {
		return fmt.Errorf("user id is required: %w", model.ErrNotValid)
	}
	if (phase == sandbox.RollbackPhaseCheck || phase == sandbox.RollbackPhaseStart) && r.TargetMessageID == "" {
		return fmt.Errorf("target message id is required on %s: %w", phase, model.ErrNotValid)
	}
	return nil
}

// Check asks the sandbox if rolling back to the target message is possible. It never changes local state.
func (s *Service) Check(ctx context.Context, req Request) (*model.RollbackResult, error) {
	return s.Run(ctx, sandbox.RollbackPhaseCheck, req)
}

// Start begins the rollback and marks the messages after the target as in rollback.
func (s *Service) Start(ctx context.Context, req Request) (*model.RollbackResult, error) {
	return s.Run(ctx, sandbox.RollbackPhaseStart, req)
}

// Commit finalizes the rollback and tombstones the marked messages.
func (s *Service) Commit(ctx context.Context, req Request) (*model.RollbackResult, error) {
	return s.Run(ctx, sandbox.RollbackPhaseCommit, req)
}

// Undo cancels the rollback and restores the marked messages.
func (s *Service) Undo(ctx context.Context, req Request) (*model.RollbackResult, error) {
	return s.Run(ctx, sandbox.RollbackPhaseUndo, req)
}

// Run executes a rollback phase. Local messages only change after the sandbox
// confirms the phase, a failed or rejected phase leaves them untouched.
func (s *Service) Run(ctx context.Context, phase sandbox.RollbackPhase, req Request) (*model.RollbackResult, error) {
	if !phase.Valid() {
		return nil, fmt.Errorf("unknown rollback phase %q: %w", phase, model.ErrNotValid)
	}
	if err := req.validate(phase); err != nil {
		return nil, err
	}
	logger := s.logger.WithValues(log.Kv{"topic-id": req.TopicID, "phase": string(phase), "correlation-id": req.CorrelationID})

	// 1. Ownership, before any remote call.
	topic, err := s.repo.GetTopic(ctx, req.TopicID)
	if err != nil {
		return nil, fmt.Errorf("could not get topic: %w", err)
	}
	if !topic.OwnedBy(req.UserID) {
		return nil, fmt.Errorf("user %s does not own topic %s: %w", req.UserID, topic.ID, model.ErrForbidden)
	}

	var res *model.RollbackResult
	opts := lock.Options{Key: lock.TopicKey(topic.ID), TTL: s.lockTTL, Wait: s.lockWait}
	err = lock.Do(ctx, s.locker, logger, opts, func(ctx context.Context) error {
		// 2. Resolve the target.
		var target *model.Message
		if req.TargetMessageID != "" {
			m, err := s.repo.GetMessage(ctx, topic.ID, req.TargetMessageID)
			if err != nil {
				return fmt.Errorf("could not get target message: %w", err)
			}
			target = m
		}

		// 3. Get a ready sandbox.
		ready, err := s.sandboxes.EnsureReady(ctx, sandbox.EnsureRequest{TopicID: topic.ID, TaskID: topic.CurrentTaskID})
		if err != nil {
			return fmt.Errorf("could not get a ready sandbox: %w", err)
		}
		endpoint, err := s.sandboxes.Endpoint(ctx, ready.SandboxID)
		if err != nil {
			return err
		}

		// 4. Remote phase.
		r, err := s.checkpointer.Rollback(ctx, endpoint, phase, sandbox.RollbackRequest{
			SandboxID:       ready.SandboxID,
			TargetMessageID: req.TargetMessageID,
		})
		if err != nil {
			return fmt.Errorf("sandbox %s rollback %s failed: %w", ready.SandboxID, phase, err)
		}
		res = r
		if !r.Success {
			logger.Infof("Sandbox refused rollback %s: %s", phase, r.Message)
			return nil
		}

		// 5. Local state.
		n, err := s.applyLocal(ctx, phase, topic.ID, target)
		if err != nil {
			return err
		}
		if phase != sandbox.RollbackPhaseCheck {
			logger.Infof("Rollback %s applied on %d messages", phase, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Service) applyLocal(ctx context.Context, phase sandbox.RollbackPhase, topicID string, target *model.Message) (int, error) {
	var (
		after    int64
		from, to model.MessageState
	)
	switch phase {
	case sandbox.RollbackPhaseStart:
		after, from, to = target.Position, model.MessageStateNormal, model.MessageStateRollback
	case sandbox.RollbackPhaseCommit:
		from, to = model.MessageStateRollback, model.MessageStateTombstoned
	case sandbox.RollbackPhaseUndo:
		from, to = model.MessageStateRollback, model.MessageStateNormal
	default:
		return 0, nil
	}

	n, err := s.repo.UpdateMessagesState(ctx, topicID, after, from, to)
	if err != nil {
		return 0, fmt.Errorf("could not move messages from %s to %s: %w", from, to, err)
	}
	return n, nil
}
