package storage

import (
	"context"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// TopicRepository persists topics.
type TopicRepository interface {
	CreateTopic(ctx context.Context, t model.Topic) error
	GetTopic(ctx context.Context, id string) (*model.Topic, error)
	// GetTopicBySandbox returns the topic whose current sandbox is sandboxID.
	GetTopicBySandbox(ctx context.Context, sandboxID string) (*model.Topic, error)
	UpdateTopic(ctx context.Context, t model.Topic) error
}

// TaskRepository persists tasks.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) error
	// UpdateTaskWithTopic updates the task and the topic atomically.
	UpdateTaskWithTopic(ctx context.Context, t model.Task, topic model.Topic) error
	// ListPendingCompletions returns the oldest tasks with an unpublished completion.
	ListPendingCompletions(ctx context.Context, limit int) ([]model.Task, error)
}

// MessageRepository persists processed protocol messages.
type MessageRepository interface {
	// CreateMessage stores a message, returns model.ErrAlreadyExists if the
	// (topic, message id) pair is already stored.
	CreateMessage(ctx context.Context, m model.Message) error
	GetMessage(ctx context.Context, topicID, id string) (*model.Message, error)
	// ListMessages returns the topic messages in insertion order.
	ListMessages(ctx context.Context, topicID string) ([]model.Message, error)
	// ListTaskMessages returns the task messages in insertion order.
	ListTaskMessages(ctx context.Context, topicID, taskID string) ([]model.Message, error)
	// LastSeqID returns the highest stored sequence id for the task, 0 if none.
	LastSeqID(ctx context.Context, topicID, taskID string) (int64, error)
	// UpdateMessagesState moves the topic messages stored after afterPosition
	// that are in the from state into the to state. Returns the affected count.
	UpdateMessagesState(ctx context.Context, topicID string, afterPosition int64, from, to model.MessageState) (int, error)
}

// DeliveryRepository persists asynchronous deliveries until processed.
type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, d model.Delivery) error
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	// LastDeliveredSeqID returns the highest delivered sequence id for the task, 0 if none.
	LastDeliveredSeqID(ctx context.Context, topicID, taskID string) (int64, error)
	MarkDeliveryProcessed(ctx context.Context, id string) error
	ListPendingDeliveries(ctx context.Context, limit int) ([]model.Delivery, error)
}

// ProjectRepository persists projects and their file tree.
type ProjectRepository interface {
	CreateProject(ctx context.Context, p model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateFile(ctx context.Context, f model.File) error
	GetFile(ctx context.Context, id string) (*model.File, error)
	GetFileByKey(ctx context.Context, projectID, key string) (*model.File, error)
	// ListChildren returns the direct children of a directory sorted by name.
	ListChildren(ctx context.Context, parentID string) ([]model.File, error)
	UpdateFile(ctx context.Context, f model.File) error
	DeleteFile(ctx context.Context, id string) error
}

// Repository is the main persistence interface.
type Repository interface {
	TopicRepository
	TaskRepository
	MessageRepository
	DeliveryRepository
	ProjectRepository
}

// BatchRepository tracks batch operations and their items.
type BatchRepository interface {
	// CreateBatch stores the record and one pending item per file id, in order.
	CreateBatch(ctx context.Context, r model.BatchRecord, fileIDs []string) error
	GetBatch(ctx context.Context, key string) (*model.BatchRecord, error)
	UpdateBatch(ctx context.Context, r model.BatchRecord) error
	// NextItem returns the next pending item, or nil if all are processed.
	NextItem(ctx context.Context, key string) (*model.BatchItem, error)
	CompleteItem(ctx context.Context, itemID string) error
	FailItem(ctx context.Context, itemID string, err error) error
	ListFailedItems(ctx context.Context, key string) ([]model.BatchItem, error)
	// DeleteBatch removes the record and all its items.
	DeleteBatch(ctx context.Context, key string) error
	ListExpiredBatches(ctx context.Context, now time.Time) ([]string, error)
}

// QueueItem is a work item stored on a durable queue.
type QueueItem struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int
}

// QueueRepository is a durable work queue.
type QueueRepository interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
	// Claim takes the oldest visible item, hiding it for visibility. Returns nil if empty.
	Claim(ctx context.Context, queue string, visibility time.Duration) (*QueueItem, error)
	Ack(ctx context.Context, id string) error
}
