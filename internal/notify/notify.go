package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Kind is the kind of a notification.
type Kind string

const (
	KindMessage Kind = "message"
	KindError   Kind = "error"
)

// Notification is a structured message for the human-facing client.
type Notification struct {
	Kind    Kind
	UserID  string
	TopicID string
	TaskID  string
	// Message is set on message notifications.
	Message *model.Message
	// Error is the user-facing reason on error notifications.
	Error  string
	Status model.TaskStatus
}

// Notifier delivers notifications to the client.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NewErrorNotification returns the structured error a user receives when a task fails.
func NewErrorNotification(task model.Task, userID string, reason string) Notification {
	return Notification{
		Kind:    KindError,
		UserID:  userID,
		TopicID: task.TopicID,
		TaskID:  task.ID,
		Error:   reason,
		Status:  model.TaskStatusError,
	}
}

type logNotifier struct {
	logger log.Logger
}

// NewLogNotifier returns a notifier that writes notifications to the logger.
func NewLogNotifier(logger log.Logger) Notifier {
	if logger == nil {
		logger = log.Noop
	}
	return logNotifier{logger: logger.WithValues(log.Kv{"svc": "notify.Log"})}
}

func (l logNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.logger.WithValues(log.Kv{"kind": string(n.Kind), "topic-id": n.TopicID, "task-id": n.TaskID})
	switch n.Kind {
	case KindError:
		logger.Warningf("Task error notified to user %s: %s", n.UserID, n.Error)
	case KindMessage:
		if n.Message == nil {
			return fmt.Errorf("message notification without message: %w", model.ErrNotValid)
		}
		logger.Infof("Message %s (seq %d, %s) notified to user %s", n.Message.ID, n.Message.SeqID, n.Message.Type, n.UserID)
	default:
		return fmt.Errorf("unknown notification kind %q: %w", n.Kind, model.ErrNotValid)
	}
	return nil
}

// Recorder is an in-memory notifier that keeps every notification.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

var _ Notifier = &Recorder{}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
