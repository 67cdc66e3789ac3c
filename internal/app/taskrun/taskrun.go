package taskrun

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/filestore"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/retry"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
	"github.com/saashqdev/delightful-sub003/internal/session"
	"github.com/saashqdev/delightful-sub003/internal/storage"
)

// SandboxManager readies sandboxes and reports their remote status.
type SandboxManager interface {
	EnsureReady(ctx context.Context, req sandbox.EnsureRequest) (*sandbox.EnsureResult, error)
	Endpoint(ctx context.Context, sandboxID string) (string, error)
	Status(ctx context.Context, sandboxID string) (model.SandboxStatus, error)
	ProbeStatuses(ctx context.Context, sandboxIDs []string) ([]sandbox.ProbeResult, error)
}

// Ingester feeds sandbox messages and status changes through the ingestion pipeline.
type Ingester interface {
	Process(ctx context.Context, req ingest.ProcessRequest) (*ingest.ProcessResult, error)
	ApplyStatus(ctx context.Context, req ingest.ApplyStatusRequest) (bool, error)
}

// ServiceConfig is the configuration for the task run service.
type ServiceConfig struct {
	Repository storage.Repository
	Locker     lock.Locker
	Sandboxes  SandboxManager
	Ingest     Ingester
	Dialer     session.Dialer
	// FileStore issues the upload credential sent on the init handshake, optional.
	FileStore  filestore.Service
	Supervisor *Supervisor
	// AgentUserID is the agent identity set on every envelope metadata.
	AgentUserID string
	// SandboxLockTTL is the topic lock TTL while a sandbox is readied, it has
	// to cover the sandbox ready timeout.
	SandboxLockTTL time.Duration
	LockWait       time.Duration
	ConnectTimeout time.Duration
	InitTimeout    time.Duration
	ChatTimeout    time.Duration
	// TaskTimeout is the overall deadline of the streamed task.
	TaskTimeout   time.Duration
	ReadTimeout   time.Duration
	CredentialTTL time.Duration
	// ProcessRetry wraps every streamed message processing, a busy topic is retried.
	ProcessRetry retry.Policy
	Logger       log.Logger
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
	if c.Ingest == nil {
		return fmt.Errorf("ingest is required")
	}
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.AgentUserID == "" {
		c.AgentUserID = "agent"
	}
	if c.SandboxLockTTL <= 0 {
		c.SandboxLockTTL = 11 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 900 * time.Second
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = 60 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = time.Hour
	}
	if c.ProcessRetry.MaxAttempts == 0 {
		c.ProcessRetry = retry.Default
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.TaskRun"})
	if c.Supervisor == nil {
		c.Supervisor = NewSupervisor(c.Logger)
	}
	return nil
}

// Service starts tasks on sandboxes and interrupts them.
type Service struct {
	repo           storage.Repository
	locker         lock.Locker
	sandboxes      SandboxManager
	ingest         Ingester
	dialer         session.Dialer
	files          filestore.Service
	supervisor     *Supervisor
	agentUserID    string
	sandboxLockTTL time.Duration
	lockWait       time.Duration
	connectTimeout time.Duration
	initTimeout    time.Duration
	chatTimeout    time.Duration
	taskTimeout    time.Duration
	readTimeout    time.Duration
	credentialTTL  time.Duration
	processRetry   retry.Policy
	logger         log.Logger
}

// NewService creates a new task run service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:           cfg.Repository,
		locker:         cfg.Locker,
		sandboxes:      cfg.Sandboxes,
		ingest:         cfg.Ingest,
		dialer:         cfg.Dialer,
		files:          cfg.FileStore,
		supervisor:     cfg.Supervisor,
		agentUserID:    cfg.AgentUserID,
		sandboxLockTTL: cfg.SandboxLockTTL,
		lockWait:       cfg.LockWait,
		connectTimeout: cfg.ConnectTimeout,
		initTimeout:    cfg.InitTimeout,
		chatTimeout:    cfg.ChatTimeout,
		taskTimeout:    cfg.TaskTimeout,
		readTimeout:    cfg.ReadTimeout,
		credentialTTL:  cfg.CredentialTTL,
		processRetry:   cfg.ProcessRetry,
		logger:         cfg.Logger,
	}, nil
}

// StartRequest is a user action that creates or continues a task on a topic.
type StartRequest struct {
	TopicID     string             `json:"topicId"`
	UserID      string             `json:"userId"`
	Prompt      string             `json:"prompt"`
	Instruction string             `json:"instruction,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Mode        model.TaskMode     `json:"mode,omitempty"`
	// FirstTask performs the init handshake before the chat.
	FirstTask     bool   `json:"firstTask"`
	CorrelationID string `json:"-"`
}

// StartResult is the started task.
type StartResult struct {
	TaskID string           `json:"taskId"`
	Status model.TaskStatus `json:"status"`
}

// Start creates the task in waiting status and runs it in the background: the
// sandbox is readied, the session handshake done and the task streamed until it
// ends. Failures move the task to error and notify the user.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.TopicID == "" || req.UserID == "" {
		return nil, fmt.Errorf("topic and user are required: %w", model.ErrNotValid)
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required: %w", model.ErrNotValid)
	}
	if req.Mode == "" {
		req.Mode = model.TaskModeChat
	}
	logger := s.logger.WithValues(log.Kv{"topic-id": req.TopicID, "correlation-id": req.CorrelationID})

	// 1. Create the task and point the topic to it.
	var task model.Task
	err := lock.Do(ctx, s.locker, logger, lock.Options{Key: lock.TopicKey(req.TopicID), TTL: s.sandboxLockTTL, Wait: s.lockWait}, func(ctx context.Context) error {
		topic, err := s.repo.GetTopic(ctx, req.TopicID)
		if err != nil {
			return fmt.Errorf("could not get topic: %w", err)
		}
		if !topic.OwnedBy(req.UserID) {
			return fmt.Errorf("user %s does not own topic %s: %w", req.UserID, topic.ID, model.ErrForbidden)
		}

		now := time.Now().UTC()
		task = model.Task{
			ID:          ulid.Make().String(),
			TopicID:     topic.ID,
			ProjectID:   topic.ProjectID,
			UserID:      req.UserID,
			WorkDir:     topic.WorkDir,
			Prompt:      req.Prompt,
			Attachments: req.Attachments,
			Status:      model.TaskStatusWaiting,
			Mode:        req.Mode,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("could not create task: %w", err)
		}

		t := *topic
		t.CurrentTaskID = task.ID
		t.UpdatedAt = now
		if err := s.repo.UpdateTopic(ctx, t); err != nil {
			return fmt.Errorf("could not update topic: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// 2. Run it in the background.
	_, err = s.supervisor.Go(ctx, task.ID, req.CorrelationID, func(ctx context.Context, logger log.Logger) error {
		return s.run(ctx, logger.WithValues(log.Kv{"topic-id": task.TopicID, "task-id": task.ID}), task, req)
	})
	if err != nil {
		s.fail(ctx, logger, task.ID, req.CorrelationID, err)
		return nil, fmt.Errorf("could not run task: %w", err)
	}

	logger.Infof("Task %s started", task.ID)
	return &StartResult{TaskID: task.ID, Status: model.TaskStatusWaiting}, nil
}

func (s *Service) run(ctx context.Context, logger log.Logger, task model.Task, req StartRequest) error {
	err := s.runTask(ctx, logger, task, req)
	if err == nil {
		return nil
	}

	if errors.Is(context.Cause(ctx), ErrInterrupted) {
		logger.Infof("Task run interrupted")
		return nil
	}
	s.fail(ctx, logger, task.ID, req.CorrelationID, err)
	return err
}

// fail moves the task to error, the user is notified with the reason.
func (s *Service) fail(ctx context.Context, logger log.Logger, taskID, correlationID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	_, err := s.ingest.ApplyStatus(ctx, ingest.ApplyStatusRequest{
		TaskID:        taskID,
		Status:        model.TaskStatusError,
		Reason:        cause.Error(),
		CorrelationID: correlationID,
	})
	if err != nil {
		logger.Errorf("Could not mark task %s as failed: %s", taskID, err)
	}
}

func (s *Service) runTask(ctx context.Context, logger log.Logger, task model.Task, req StartRequest) error {
	// 1. Ready the sandbox, it is persisted on the task and topic.
	var sandboxID string
	err := lock.Do(ctx, s.locker, logger, lock.Options{Key: lock.TopicKey(task.TopicID), TTL: s.sandboxLockTTL, Wait: s.lockWait}, func(ctx context.Context) error {
		res, err := s.sandboxes.EnsureReady(ctx, sandbox.EnsureRequest{TopicID: task.TopicID, TaskID: task.ID})
		if err != nil {
			return err
		}
		sandboxID = res.SandboxID
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not ready sandbox: %w", err)
	}
	logger = logger.WithValues(log.Kv{"sandbox-id": sandboxID})

	topic, err := s.repo.GetTopic(ctx, task.TopicID)
	if err != nil {
		return fmt.Errorf("could not get topic: %w", err)
	}

	// 2. Open the session.
	client, err := s.connect(ctx, logger, sandboxID)
	if err != nil {
		return err
	}
	defer client.Close()

	md := s.metadata(*topic, task, sandboxID, req.Instruction)
	process := func(ctx context.Context, env model.Envelope) (*ingest.ProcessResult, error) {
		var res *ingest.ProcessResult
		for {
			err := s.processRetry.Do(ctx, func(ctx context.Context) error {
				r, err := s.ingest.Process(ctx, ingest.ProcessRequest{TopicID: task.TopicID, TaskID: task.ID, Envelope: env, CorrelationID: req.CorrelationID})
				if err != nil {
					return err
				}
				res = r
				return nil
			})
			if err == nil || !errors.Is(err, model.ErrBusy) {
				return res, err
			}

			// A busy topic never drops a frame, it waits until the stream deadline.
			logger.Warningf("Topic busy, retrying message: %s", err)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", err, ctx.Err())
			case <-time.After(s.lockWait):
			}
		}
	}

	// 3. Init handshake, only on the first task of the topic.
	if req.FirstTask {
		ireq := session.InitRequest{Metadata: md, TaskMode: task.Mode, SandboxConfig: map[string]string{"work_dir": task.WorkDir}}
		if s.files != nil {
			cred, err := s.files.IssueCredential(ctx, uploadPrefix(*topic), s.credentialTTL)
			if err != nil {
				return fmt.Errorf("could not issue upload credential: %w", err)
			}
			ireq.UploadCredential = cred
		}

		resp, err := client.Init(ctx, ireq)
		if err != nil {
			return err
		}
		if _, err := process(ctx, *resp); err != nil {
			return fmt.Errorf("could not process init response: %w", err)
		}
		logger.Infof("Sandbox initialized")
	}

	// 4. Send the task.
	resp, err := client.Chat(ctx, session.ChatRequest{
		Metadata:    md,
		TaskID:      task.ID,
		Instruction: req.Instruction,
		Prompt:      task.Prompt,
		Attachments: task.Attachments,
		TaskMode:    task.Mode,
	})
	if err != nil {
		return err
	}
	if _, err := s.ingest.ApplyStatus(ctx, ingest.ApplyStatusRequest{TaskID: task.ID, Status: model.TaskStatusRunning, CorrelationID: req.CorrelationID}); err != nil {
		return fmt.Errorf("could not mark task as running: %w", err)
	}
	res, err := process(ctx, *resp)
	if err != nil {
		return fmt.Errorf("could not process chat response: %w", err)
	}
	if ended(res) {
		logger.Infof("Task ended with %s on the chat response", res.Status)
		return nil
	}

	// 5. Stream until the task ends.
	opts := session.StreamOptions{Timeout: s.taskTimeout, ReadTimeout: s.readTimeout}
	err = client.Stream(ctx, opts, func(ctx context.Context, env model.Envelope) (bool, error) {
		res, err := process(ctx, env)
		if err != nil {
			return false, err
		}
		return ended(res), nil
	})
	if err != nil {
		return err
	}

	logger.Infof("Task stream ended")
	return nil
}

func ended(res *ingest.ProcessResult) bool {
	if res == nil || !res.Applied {
		return false
	}
	return res.Status.IsTerminal() || res.Status == model.TaskStatusSuspended
}

func (s *Service) connect(ctx context.Context, logger log.Logger, sandboxID string) (*session.Client, error) {
	endpoint, err := s.sandboxes.Endpoint(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	client, err := session.NewClient(session.ClientConfig{
		Dialer:         s.dialer,
		Endpoint:       endpoint,
		SandboxID:      sandboxID,
		ConnectTimeout: s.connectTimeout,
		InitTimeout:    s.initTimeout,
		ChatTimeout:    s.chatTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

func (s *Service) metadata(topic model.Topic, task model.Task, sandboxID, instruction string) model.Metadata {
	return model.Metadata{
		AgentUserID:        s.agentUserID,
		UserID:             task.UserID,
		OrganizationCode:   topic.OrganizationCode,
		ChatConversationID: topic.ChatConversationID,
		ChatTopicID:        topic.ID,
		Instruction:        instruction,
		SandboxID:          sandboxID,
		TaskID:             task.ID,
	}
}

func uploadPrefix(topic model.Topic) string {
	if topic.ProjectID != "" {
		return path.Join("projects", topic.ProjectID)
	}
	return path.Join("topics", topic.ID)
}

// InterruptRequest is a user request to stop a running task.
type InterruptRequest struct {
	TaskID        string `json:"-"`
	UserID        string `json:"userId"`
	CorrelationID string `json:"-"`
}

// InterruptResult is the outcome of an interrupt.
type InterruptResult struct {
	Status model.TaskStatus `json:"status"`
	// Sent is true when the interrupt frame reached the sandbox.
	Sent bool `json:"sent"`
}

// Interrupt stops a task. A task without sandbox, or whose sandbox is gone, is
// suspended right away without talking to the sandbox. Otherwise an interrupt
// frame is sent and the background run is cancelled.
func (s *Service) Interrupt(ctx context.Context, req InterruptRequest) (*InterruptResult, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("task id is required: %w", model.ErrNotValid)
	}
	logger := s.logger.WithValues(log.Kv{"task-id": req.TaskID, "correlation-id": req.CorrelationID})

	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	topic, err := s.repo.GetTopic(ctx, task.TopicID)
	if err != nil {
		return nil, fmt.Errorf("could not get topic: %w", err)
	}
	if !topic.OwnedBy(req.UserID) {
		return nil, fmt.Errorf("user %s does not own topic %s: %w", req.UserID, topic.ID, model.ErrForbidden)
	}
	if task.Status.IsTerminal() {
		logger.Infof("Task already ended with %s, nothing to interrupt", task.Status)
		return &InterruptResult{Status: task.Status}, nil
	}

	// 1. Nothing to talk to.
	if task.SandboxID == "" {
		logger.Infof("Task has no sandbox, suspending")
		return s.suspend(ctx, logger, *task, req, false)
	}

	status, err := s.sandboxes.Status(ctx, task.SandboxID)
	switch {
	case err != nil:
		logger.Warningf("Could not get sandbox status, sending the interrupt anyway: %s", err)
	case status.Gone():
		logger.Infof("Sandbox is %s, suspending", status)
		return s.suspend(ctx, logger, *task, req, false)
	}

	// 2. Tell the sandbox.
	client, err := s.connect(ctx, logger, task.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("could not reach sandbox: %w", err)
	}
	defer client.Close()

	md := s.metadata(*topic, *task, task.SandboxID, "")
	if err := client.Interrupt(ctx, md, task.ID); err != nil {
		return nil, err
	}

	return s.suspend(ctx, logger, *task, req, true)
}

func (s *Service) suspend(ctx context.Context, logger log.Logger, task model.Task, req InterruptRequest, sent bool) (*InterruptResult, error) {
	if s.supervisor.Cancel(task.ID) {
		logger.Debugf("Background run cancelled")
	}

	_, err := s.ingest.ApplyStatus(ctx, ingest.ApplyStatusRequest{TaskID: task.ID, Status: model.TaskStatusSuspended, CorrelationID: req.CorrelationID})
	if err != nil {
		return nil, fmt.Errorf("could not suspend task: %w", err)
	}

	current, err := s.repo.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	return &InterruptResult{Status: current.Status, Sent: sent}, nil
}

// TopicProbe is the real sandbox status of a topic.
type TopicProbe struct {
	TopicID   string              `json:"topicId"`
	SandboxID string              `json:"sandboxId,omitempty"`
	Status    model.SandboxStatus `json:"status,omitempty"`
	// Reusable is true when a new task can run on the current sandbox.
	Reusable bool   `json:"reusable"`
	Error    string `json:"error,omitempty"`
}

// ProbeTopics checks the sandbox status of many topics concurrently. Topics
// without sandbox are returned without status.
func (s *Service) ProbeTopics(ctx context.Context, topicIDs []string) ([]TopicProbe, error) {
	probes := make([]TopicProbe, len(topicIDs))
	var ids []string
	idx := map[string][]int{}

	for i, id := range topicIDs {
		topic, err := s.repo.GetTopic(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("could not get topic %s: %w", id, err)
		}
		probes[i] = TopicProbe{TopicID: id, SandboxID: topic.CurrentSandboxID}
		if topic.CurrentSandboxID == "" {
			continue
		}
		if _, ok := idx[topic.CurrentSandboxID]; !ok {
			ids = append(ids, topic.CurrentSandboxID)
		}
		idx[topic.CurrentSandboxID] = append(idx[topic.CurrentSandboxID], i)
	}

	if len(ids) == 0 {
		return probes, nil
	}

	results, err := s.sandboxes.ProbeStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		for _, i := range idx[r.SandboxID] {
			probes[i].Status = r.Status
			probes[i].Reusable = r.Err == nil && r.Status.Reusable()
			if r.Err != nil {
				probes[i].Error = r.Err.Error()
			}
		}
	}

	return probes, nil
}

// Shutdown cancels the running tasks and waits for them.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.supervisor.Shutdown(ctx)
}
