package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/retry"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// ManagerConfig is the configuration of the sandbox lifecycle manager.
type ManagerConfig struct {
	Provider   Provider
	Repository storage.Repository
	// Image and Env are used on every created sandbox.
	Image string
	Env   map[string]string
	// ReadyTimeout and ReadyInterval control the workspace readiness wait.
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	// CallTimeout bounds every single remote call.
	CallTimeout time.Duration
	// StatusRetry wraps remote status queries.
	StatusRetry retry.Policy
	// ProbeFanOut is the maximum number of status probes in flight.
	ProbeFanOut int
	Logger      log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Minute
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.StatusRetry.MaxAttempts == 0 {
		c.StatusRetry = retry.Default
	}
	if c.ProbeFanOut <= 0 {
		c.ProbeFanOut = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Manager"})
	return nil
}

// Manager decides sandbox reuse or recreation and waits for readiness.
type Manager struct {
	provider      Provider
	repo          storage.Repository
	image         string
	env           map[string]string
	readyTimeout  time.Duration
	readyInterval time.Duration
	callTimeout   time.Duration
	statusRetry   retry.Policy
	probeFanOut   int
	logger        log.Logger
}

// NewManager returns a new sandbox lifecycle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		provider:      cfg.Provider,
		repo:          cfg.Repository,
		image:         cfg.Image,
		env:           cfg.Env,
		readyTimeout:  cfg.ReadyTimeout,
		readyInterval: cfg.ReadyInterval,
		callTimeout:   cfg.CallTimeout,
		statusRetry:   cfg.StatusRetry,
		probeFanOut:   cfg.ProbeFanOut,
		logger:        cfg.Logger,
	}, nil
}

// EnsureRequest identifies the topic, and optionally the task, that needs a sandbox.
type EnsureRequest struct {
	TopicID string
	TaskID  string
}

// EnsureResult is the ready sandbox.
type EnsureResult struct {
	SandboxID string
	// Created is true when a new sandbox was created.
	Created bool
}

// EnsureReady returns a running sandbox for the topic. A recorded running sandbox
// is returned as is. Otherwise a new one is created, awaited and persisted on the
// topic and task. Callers must hold the topic lock.
func (m *Manager) EnsureReady(ctx context.Context, req EnsureRequest) (*EnsureResult, error) {
	topic, err := m.repo.GetTopic(ctx, req.TopicID)
	if err != nil {
		return nil, fmt.Errorf("could not get topic: %w", err)
	}

	var task *model.Task
	if req.TaskID != "" {
		task, err = m.repo.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, fmt.Errorf("could not get task: %w", err)
		}
	}

	currentID := topic.CurrentSandboxID
	if task != nil && task.SandboxID != "" {
		currentID = task.SandboxID
	}
	logger := m.logger.WithValues(log.Kv{"topic-id": topic.ID, "sandbox-id": currentID})

	if currentID != "" {
		status, err := m.Status(ctx, currentID)
		switch {
		case err != nil:
			logger.Warningf("Could not query sandbox status, recreating: %s", err)
		case status.Reusable():
			logger.Debugf("Reusing running sandbox")
			if task != nil && task.SandboxID == "" {
				if err := m.persist(ctx, *topic, task, currentID); err != nil {
					return nil, err
				}
			}
			return &EnsureResult{SandboxID: currentID}, nil
		default:
			logger.Infof("Sandbox is %s, recreating", status)
		}
	}

	workDir := topic.WorkDir
	if task != nil && task.WorkDir != "" {
		workDir = task.WorkDir
	}
	cfg := model.SandboxConfig{
		TopicID:   topic.ID,
		ProjectID: topic.ProjectID,
		WorkDir:   workDir,
		Image:     m.image,
		Env:       m.env,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}

	start := time.Now()
	createCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	sbx, err := m.provider.Create(createCtx, cfg)
	cancel()
	if err != nil {
		return nil, &model.SandboxError{Elapsed: time.Since(start), Err: fmt.Errorf("could not create sandbox: %w", err)}
	}
	logger = logger.WithValues(log.Kv{"sandbox-id": sbx.ID})
	logger.Infof("Sandbox created, waiting for workspace")

	if err := m.WaitUntilReady(ctx, sbx.ID, m.readyTimeout, m.readyInterval); err != nil {
		return nil, err
	}

	if err := m.persist(ctx, *topic, task, sbx.ID); err != nil {
		return nil, err
	}

	logger.Infof("Sandbox ready in %s", time.Since(start).Round(time.Millisecond))
	return &EnsureResult{SandboxID: sbx.ID, Created: true}, nil
}

func (m *Manager) persist(ctx context.Context, topic model.Topic, task *model.Task, sandboxID string) error {
	now := time.Now().UTC()
	topic.CurrentSandboxID = sandboxID
	topic.UpdatedAt = now

	if task == nil {
		if err := m.repo.UpdateTopic(ctx, topic); err != nil {
			return fmt.Errorf("could not persist sandbox on topic: %w", err)
		}
		return nil
	}

	t := *task
	t.SandboxID = sandboxID
	t.UpdatedAt = now
	topic.CurrentTaskID = t.ID
	if err := m.repo.UpdateTaskWithTopic(ctx, t, topic); err != nil {
		return fmt.Errorf("could not persist sandbox on task and topic: %w", err)
	}

	return nil
}

// WaitUntilReady polls the workspace status until it is ready. An error status
// fails fast, running out of time fails with model.ErrTimeout.
func (m *Manager) WaitUntilReady(ctx context.Context, sandboxID string, timeout, interval time.Duration) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	last := ""
	fail := func(err error) error {
		return &model.SandboxError{SandboxID: sandboxID, Elapsed: time.Since(start), LastStatus: last, Err: err}
	}

	for {
		callCtx, callCancel := context.WithTimeout(ctx, m.callTimeout)
		status, err := m.provider.WorkspaceStatus(callCtx, sandboxID)
		callCancel()

		switch {
		case err != nil:
			m.logger.Debugf("Could not get workspace status of %s: %s", sandboxID, err)
		case status == model.WorkspaceStatusReady:
			return nil
		case status == model.WorkspaceStatusError:
			last = string(status)
			return fail(fmt.Errorf("workspace reported error status: %w", model.ErrRemote))
		default:
			last = string(status)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fail(fmt.Errorf("workspace not ready after %s: %w", timeout, model.ErrTimeout))
			}
			return fail(ctx.Err())
		case <-time.After(interval):
		}
	}
}

// Status queries the remote sandbox status with the status retry policy.
func (m *Manager) Status(ctx context.Context, sandboxID string) (model.SandboxStatus, error) {
	var status model.SandboxStatus
	err := m.statusRetry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()

		s, err := m.provider.Status(ctx, sandboxID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("could not get sandbox %s status: %w", sandboxID, err)
	}

	return status, nil
}

// Endpoint returns the gateway endpoint of a sandbox.
func (m *Manager) Endpoint(ctx context.Context, sandboxID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	endpoint, err := m.provider.Endpoint(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("could not get sandbox %s endpoint: %w", sandboxID, err)
	}
	return endpoint, nil
}

// ProbeResult is the remote status of one probed sandbox.
type ProbeResult struct {
	SandboxID string
	Status    model.SandboxStatus
	Err       error
}

// ProbeStatuses queries the status of many sandboxes concurrently with a bounded
// fan-out. Results keep the input order, per sandbox failures are set on the result.
func (m *Manager) ProbeStatuses(ctx context.Context, sandboxIDs []string) ([]ProbeResult, error) {
	results := make([]ProbeResult, len(sandboxIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeFanOut)
	for i, id := range sandboxIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			status, err := m.Status(gctx, id)
			results[i] = ProbeResult{SandboxID: id, Status: status, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probe cancelled: %w", err)
	}

	return results, nil
}
