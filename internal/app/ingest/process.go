package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/notify"
)

// ProcessRequest is a message to process for a topic.
type ProcessRequest struct {
	TopicID string
	// TaskID is used when the envelope does not carry one.
	TaskID        string
	Envelope      model.Envelope
	CorrelationID string
}

// ProcessResult is the outcome of processing a message.
type ProcessResult struct {
	MessageID string
	// Created is false when the message was already stored.
	Created bool
	// Applied is true when the carried status was applied to the task.
	Applied bool
	Status  model.TaskStatus
	// Completed is true when this message moved the task to a terminal status.
	Completed bool
}

// Process stores a message and applies its side effects under the topic lock.
// Processing the same message twice stores it once and completes the task once.
// If the topic lock can't be taken it fails with model.ErrBusy.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.TopicID == "" {
		return nil, fmt.Errorf("topic id is required: %w", model.ErrNotValid)
	}

	env := req.Envelope
	if env.Payload.MessageID == "" {
		env.Payload.MessageID = NewMessageID()
	}
	logger := s.logger.WithValues(log.Kv{"topic-id": req.TopicID, "message-id": env.Payload.MessageID, "correlation-id": req.CorrelationID})

	var res *ProcessResult
	err := lock.Do(ctx, s.locker, logger, lock.Options{Key: lock.TopicKey(req.TopicID), TTL: s.topicLockTTL, Wait: s.lockWait}, func(ctx context.Context) error {
		r, err := s.process(ctx, logger, req, env)
		if err != nil {
			logger.Errorf("Could not process message: %s", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrBusy) {
			return nil, fmt.Errorf("temporarily unable to process message %s: %w", env.Payload.MessageID, err)
		}
		return nil, err
	}

	return res, nil
}

func (s *Service) process(ctx context.Context, logger log.Logger, req ProcessRequest, env model.Envelope) (*ProcessResult, error) {
	topic, err := s.repo.GetTopic(ctx, req.TopicID)
	if err != nil {
		return nil, fmt.Errorf("could not get topic: %w", err)
	}

	taskID := resolveTaskID(env, *topic)
	if taskID == "" {
		taskID = req.TaskID
	}
	res := &ProcessResult{MessageID: env.Payload.MessageID}

	// 1. Store the message once.
	msg, err := s.repo.GetMessage(ctx, topic.ID, env.Payload.MessageID)
	switch {
	case err == nil:
		logger.Debugf("Message already stored")
	case errors.Is(err, model.ErrNotFound):
		m, err := s.buildMessage(ctx, logger, *topic, taskID, env)
		if err != nil {
			return nil, err
		}
		err = s.repo.CreateMessage(ctx, *m)
		switch {
		case err == nil:
			res.Created = true
		case errors.Is(err, model.ErrAlreadyExists):
			logger.Debugf("Message stored concurrently")
		default:
			return nil, fmt.Errorf("could not store message: %w", err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("could not check message existence: %w", err)
	}

	// 2. Show it to the user.
	if msg.ShowInUI {
		err := s.notifier.Notify(ctx, notify.Notification{
			Kind:    notify.KindMessage,
			UserID:  topic.UserID,
			TopicID: topic.ID,
			TaskID:  taskID,
			Message: msg,
		})
		if err != nil {
			return nil, fmt.Errorf("could not notify message: %w", err)
		}
	}

	// 3. Apply the carried status.
	if env.Payload.Status == "" || taskID == "" {
		return res, nil
	}
	status, err := model.ParseTaskStatus(env.Payload.Status)
	if err != nil {
		logger.Warningf("Ignoring message status: %s", err)
		return res, nil
	}

	applied, err := s.applyStatus(ctx, logger, applyStatusRequest{
		TaskID:        taskID,
		Status:        status,
		Reason:        env.Payload.Content,
		SandboxID:     env.Metadata.SandboxID,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	res.Applied = applied
	res.Status = status
	res.Completed = applied && status.IsTerminal()

	return res, nil
}

func (s *Service) buildMessage(ctx context.Context, logger log.Logger, topic model.Topic, taskID string, env model.Envelope) (*model.Message, error) {
	p := env.Payload
	m := &model.Message{
		ID:            p.MessageID,
		TopicID:       topic.ID,
		TaskID:        taskID,
		SeqID:         p.SeqID,
		Type:          model.ParseMessageType(string(p.Type)),
		Status:        p.Status,
		Content:       p.Content,
		Steps:         p.Steps,
		Tool:          p.Tool,
		Event:         p.Event,
		CorrelationID: p.CorrelationID,
		ShowInUI:      p.ShowInUI,
		State:         model.MessageStateNormal,
		CreatedAt:     time.Now().UTC(),
	}
	if m.Type == model.MessageTypeUnknown {
		m.RawType = string(p.Type)
		logger.Infof("Unknown message type %q kept as passthrough", p.Type)
	}
	if p.Usage != nil {
		m.Usage = *p.Usage
	}

	atts, err := s.resolveAttachments(ctx, logger, topic, p.Attachments)
	if err != nil {
		return nil, err
	}
	m.Attachments = atts

	tool, err := s.offloadTool(ctx, topic.ID, m.ID, p.Tool)
	if err != nil {
		return nil, err
	}
	m.Tool = tool

	return m, nil
}

func (s *Service) resolveAttachments(ctx context.Context, logger log.Logger, topic model.Topic, atts []model.Attachment) ([]model.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}

	res := make([]model.Attachment, 0, len(atts))
	for _, a := range atts {
		if a.FileKey == "" || topic.ProjectID == "" {
			logger.Warningf("Attachment %q can't be resolved, missing file key or project", a.FileID)
			res = append(res, a)
			continue
		}

		f, err := s.ensureFile(ctx, logger, topic, a)
		if err != nil {
			return nil, fmt.Errorf("could not resolve attachment %s: %w", a.FileKey, err)
		}
		a.FileID = f.ID
		a.FileSize = f.Size
		if a.FileName == "" {
			a.FileName = f.Name
		}
		res = append(res, a)
	}

	return res, nil
}

// ensureFile returns the file record of an attachment, creating it under the
// file lock when it is not known yet.
func (s *Service) ensureFile(ctx context.Context, logger log.Logger, topic model.Topic, a model.Attachment) (*model.File, error) {
	f, err := s.repo.GetFileByKey(ctx, topic.ProjectID, a.FileKey)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	opts := lock.Options{Key: lock.FileKey(topic.ProjectID, a.FileKey), TTL: s.fileLockTTL, Wait: s.lockWait}
	err = lock.Do(ctx, s.locker, logger, opts, func(ctx context.Context) error {
		// Someone may have created it while we waited for the lock.
		existing, err := s.repo.GetFileByKey(ctx, topic.ProjectID, a.FileKey)
		if err == nil {
			f = existing
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		size := a.FileSize
		if info, err := s.files.Stat(ctx, a.FileKey); err == nil {
			size = info.Size
		} else {
			logger.Warningf("Attachment object %s not found on file store: %s", a.FileKey, err)
		}

		name := a.FileName
		if name == "" {
			name = model.FileKeyName(a.FileKey)
		}
		now := time.Now().UTC()
		nf := model.File{
			ID:        ulid.Make().String(),
			ProjectID: topic.ProjectID,
			Name:      name,
			Key:       a.FileKey,
			Size:      size,
			TopicID:   topic.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateFile(ctx, nf); err != nil {
			return fmt.Errorf("could not create file record: %w", err)
		}
		f = &nf
		return nil
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// ApplyStatusRequest is a task status change requested by the orchestration.
type ApplyStatusRequest struct {
	TaskID string
	Status model.TaskStatus
	// Reason is shown to the user when the task moves to error.
	Reason        string
	CorrelationID string
}

// ApplyStatus routes a status change through the transition validator under
// the topic lock. A rejected transition is not an error, it returns false.
// Moving to error notifies the user with the reason.
func (s *Service) ApplyStatus(ctx context.Context, req ApplyStatusRequest) (bool, error) {
	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return false, fmt.Errorf("could not get task: %w", err)
	}
	logger := s.logger.WithValues(log.Kv{"topic-id": task.TopicID, "task-id": task.ID, "correlation-id": req.CorrelationID})

	applied := false
	err = lock.Do(ctx, s.locker, logger, lock.Options{Key: lock.TopicKey(task.TopicID), TTL: s.topicLockTTL, Wait: s.lockWait}, func(ctx context.Context) error {
		ok, err := s.applyStatus(ctx, logger, applyStatusRequest{
			TaskID:        req.TaskID,
			Status:        req.Status,
			Reason:        req.Reason,
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied && req.Status == model.TaskStatusError {
		topic, err := s.repo.GetTopic(ctx, task.TopicID)
		if err != nil {
			return applied, fmt.Errorf("could not get topic: %w", err)
		}
		if err := s.notifier.Notify(ctx, notify.NewErrorNotification(*task, topic.UserID, req.Reason)); err != nil {
			logger.Warningf("Could not notify task error: %s", err)
		}
	}

	return applied, nil
}

type applyStatusRequest struct {
	TaskID        string
	Status        model.TaskStatus
	Reason        string
	SandboxID     string
	CorrelationID string
}

// applyStatus expects the topic lock to be held.
func (s *Service) applyStatus(ctx context.Context, logger log.Logger, req applyStatusRequest) (bool, error) {
	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Warningf("Status %s for unknown task %s ignored", req.Status, req.TaskID)
			return false, nil
		}
		return false, fmt.Errorf("could not get task: %w", err)
	}

	allowed, reason := model.IsTransitionAllowed(task.Status, req.Status)
	if !allowed {
		logger.Debugf("Status change of task %s dropped: %s", task.ID, reason)
		return false, nil
	}
	if task.Status == req.Status {
		if task.CompletionPending {
			return true, s.publishCompletion(ctx, *task, req.CorrelationID)
		}
		return true, nil
	}

	t := *task
	t.Status = req.Status
	t.UpdatedAt = time.Now().UTC()
	if req.Status == model.TaskStatusError {
		t.StatusReason = req.Reason
	}

	if req.Status.IsTerminal() {
		msgs, err := s.repo.ListTaskMessages(ctx, t.TopicID, t.ID)
		if err != nil {
			return false, fmt.Errorf("could not list task messages: %w", err)
		}
		var usage model.Usage
		for _, m := range msgs {
			usage = usage.Add(m.Usage)
		}
		t.Usage = usage
		t.CompletionPending = true
	}

	if err := s.repo.UpdateTask(ctx, t); err != nil {
		return false, fmt.Errorf("could not update task status: %w", err)
	}
	logger.Infof("Task %s moved from %s to %s", t.ID, task.Status, t.Status)

	if !req.Status.IsTerminal() {
		return true, nil
	}

	if t.SandboxID == "" {
		t.SandboxID = req.SandboxID
	}
	if err := s.publishCompletion(ctx, t, req.CorrelationID); err != nil {
		return true, err
	}

	return true, nil
}

// publishCompletion publishes the completion of a terminal task and clears its
// pending mark. A failed publish keeps the mark for ReplayPending.
func (s *Service) publishCompletion(ctx context.Context, t model.Task, correlationID string) error {
	err := s.publisher.Publish(ctx, eventbus.Event{
		Type:          eventbus.TypeTaskCompleted,
		CorrelationID: correlationID,
		TopicID:       t.TopicID,
		TaskID:        t.ID,
		SandboxID:     t.SandboxID,
		Status:        string(t.Status),
	})
	if err != nil {
		return fmt.Errorf("could not publish task completion: %w", err)
	}

	cur, err := s.repo.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("could not get completed task: %w", err)
	}
	cur.CompletionPending = false
	if err := s.repo.UpdateTask(ctx, *cur); err != nil {
		return fmt.Errorf("could not clear task completion mark: %w", err)
	}

	return nil
}
