package lib

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

const waitTaskInterval = 100 * time.Millisecond

// StartTask creates a task on a topic and runs it in the background. The
// returned task is in [TaskStatusWaiting], use [Client.WaitTask] to follow it.
//
// Returns [ErrBusy] if the topic already runs a task.
func (c *Client) StartTask(ctx context.Context, opts StartTaskOpts) (*Task, error) {
	res, err := c.svcs.Tasks.Start(ctx, taskrun.StartRequest{
		TopicID:       opts.TopicID,
		UserID:        opts.UserID,
		Prompt:        opts.Prompt,
		Instruction:   opts.Instruction,
		Attachments:   toInternalAttachments(opts.Attachments),
		Mode:          model.TaskMode(opts.Mode),
		FirstTask:     opts.FirstTask,
		CorrelationID: ulid.Make().String(),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return c.GetTask(ctx, res.TaskID)
}

// GetTask returns the current state of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := c.svcs.Repository.GetTask(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	res := fromInternalTask(*t)
	return &res, nil
}

// WaitTask blocks until the task reaches a terminal status or the context ends.
func (c *Client) WaitTask(ctx context.Context, id string) (*Task, error) {
	ticker := time.NewTicker(waitTaskInterval)
	defer ticker.Stop()

	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting task %s: %w", id, ErrTimeout)
			}
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, fmt.Errorf("task %s still %s: %w", id, t.Status, ErrTimeout)
		case <-ticker.C:
		}
	}
}

// InterruptTask stops a task of the user.
func (c *Client) InterruptTask(ctx context.Context, taskID, userID string) (*InterruptResult, error) {
	res, err := c.svcs.Tasks.Interrupt(ctx, taskrun.InterruptRequest{
		TaskID:        taskID,
		UserID:        userID,
		CorrelationID: ulid.Make().String(),
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &InterruptResult{Status: TaskStatus(res.Status), Sent: res.Sent}, nil
}

// ProbeTopics returns the real sandbox status of the topics.
func (c *Client) ProbeTopics(ctx context.Context, topicIDs []string) ([]TopicProbe, error) {
	probes, err := c.svcs.Tasks.ProbeTopics(ctx, topicIDs)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalProbes(probes), nil
}

// Messages returns the stored messages of a topic in arrival order.
func (c *Client) Messages(ctx context.Context, topicID string) ([]Message, error) {
	ms, err := c.svcs.Repository.ListMessages(ctx, topicID)
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalMessages(ms), nil
}
