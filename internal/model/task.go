package model

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	// TaskStatusWaiting is the initial state, the task has not reached a sandbox yet.
	TaskStatusWaiting TaskStatus = "waiting"
	// TaskStatusRunning indicates the sandbox is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusFinished is a terminal state.
	TaskStatusFinished TaskStatus = "finished"
	// TaskStatusError is a terminal state.
	TaskStatusError TaskStatus = "error"
	// TaskStatusSuspended indicates the task was interrupted and can be resumed.
	TaskStatusSuspended TaskStatus = "suspended"
)

// Valid returns true if the status is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusRunning, TaskStatusFinished, TaskStatusError, TaskStatusSuspended:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that end a task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFinished || s == TaskStatusError
}

// ParseTaskStatus parses a task status as sent by a sandbox. Sandboxes are not
// consistent with casing so the match is case insensitive.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q: %w", s, ErrNotValid)
	}
	return st, nil
}

// TaskMode is the agent mode the task runs with.
type TaskMode string

const (
	TaskModeChat TaskMode = "chat"
	TaskModePlan TaskMode = "plan"
)

// Usage is the accumulated resource usage of a task.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Add returns the sum of both usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Cost:         u.Cost + o.Cost,
	}
}

// Task is one execution attempt of an agent against a topic.
//
// Once SandboxID is set it identifies the sandbox all further protocol traffic
// for the task must be addressed to.
type Task struct {
	ID           string
	TopicID      string
	ProjectID    string
	UserID       string
	SandboxID    string
	WorkDir      string
	Prompt       string
	Attachments  []Attachment
	Status       TaskStatus
	StatusReason string
	Mode         TaskMode
	Usage        Usage
	// CompletionPending is set with a terminal status until the completion
	// event is published.
	CompletionPending bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate validates the task model.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}
	if t.TopicID == "" {
		return fmt.Errorf("task topic id is required: %w", ErrNotValid)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task status %q is invalid: %w", t.Status, ErrNotValid)
	}
	return nil
}
