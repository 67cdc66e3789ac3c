package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	topics     map[string]model.Topic
	tasks      map[string]model.Task
	messages   map[string][]model.Message // By topic, in insertion order.
	deliveries map[string]model.Delivery
	projects   map[string]model.Project
	files      map[string]model.File
	position   int64
	mu         sync.RWMutex
	logger     log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		topics:     make(map[string]model.Topic),
		tasks:      make(map[string]model.Task),
		messages:   make(map[string][]model.Message),
		deliveries: make(map[string]model.Delivery),
		projects:   make(map[string]model.Project),
		files:      make(map[string]model.File),
		logger:     cfg.Logger,
	}, nil
}

// CreateTopic creates a new topic.
func (r *Repository) CreateTopic(ctx context.Context, t model.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[t.ID]; ok {
		return fmt.Errorf("topic %s: %w", t.ID, model.ErrAlreadyExists)
	}
	r.topics[t.ID] = t

	return nil
}

// GetTopic retrieves a topic by ID.
func (r *Repository) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.topics[id]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", id, model.ErrNotFound)
	}

	return &t, nil
}

// GetTopicBySandbox retrieves the topic that currently uses the sandbox.
func (r *Repository) GetTopicBySandbox(ctx context.Context, sandboxID string) (*model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.topics {
		if sandboxID != "" && t.CurrentSandboxID == sandboxID {
			return &t, nil
		}
	}

	return nil, fmt.Errorf("topic for sandbox %s: %w", sandboxID, model.ErrNotFound)
}

// UpdateTopic updates an existing topic.
func (r *Repository) UpdateTopic(ctx context.Context, t model.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[t.ID]; !ok {
		return fmt.Errorf("topic %s: %w", t.ID, model.ErrNotFound)
	}
	r.topics[t.ID] = t

	return nil
}

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
	}
	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	t = copyTask(t)
	return &t, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}
	r.tasks[t.ID] = copyTask(t)

	return nil
}

// UpdateTaskWithTopic updates the task and the topic atomically.
func (r *Repository) UpdateTaskWithTopic(ctx context.Context, t model.Task, topic model.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}
	if _, ok := r.topics[topic.ID]; !ok {
		return fmt.Errorf("topic %s: %w", topic.ID, model.ErrNotFound)
	}
	r.tasks[t.ID] = copyTask(t)
	r.topics[topic.ID] = topic

	return nil
}

// ListPendingCompletions returns the oldest tasks whose completion event is not published yet.
func (r *Repository) ListPendingCompletions(ctx context.Context, limit int) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ts []model.Task
	for _, t := range r.tasks {
		if t.CompletionPending {
			ts = append(ts, copyTask(t))
		}
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].UpdatedAt.Equal(ts[j].UpdatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].UpdatedAt.Before(ts[j].UpdatedAt)
	})
	if limit > 0 && len(ts) > limit {
		ts = ts[:limit]
	}

	return ts, nil
}

// CreateMessage stores a message once per (topic, message id).
func (r *Repository) CreateMessage(ctx context.Context, m model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.messages[m.TopicID] {
		if existing.ID == m.ID {
			return fmt.Errorf("message %s on topic %s: %w", m.ID, m.TopicID, model.ErrAlreadyExists)
		}
	}

	r.position++
	m.Position = r.position
	if m.State == "" {
		m.State = model.MessageStateNormal
	}
	r.messages[m.TopicID] = append(r.messages[m.TopicID], m)

	return nil
}

// GetMessage retrieves a message of a topic.
func (r *Repository) GetMessage(ctx context.Context, topicID, id string) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages[topicID] {
		if m.ID == id {
			return &m, nil
		}
	}

	return nil, fmt.Errorf("message %s on topic %s: %w", id, topicID, model.ErrNotFound)
}

// ListMessages returns the topic messages in insertion order.
func (r *Repository) ListMessages(ctx context.Context, topicID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := make([]model.Message, len(r.messages[topicID]))
	copy(msgs, r.messages[topicID])

	return msgs, nil
}

// ListTaskMessages returns the task messages in insertion order.
func (r *Repository) ListTaskMessages(ctx context.Context, topicID, taskID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var msgs []model.Message
	for _, m := range r.messages[topicID] {
		if m.TaskID == taskID {
			msgs = append(msgs, m)
		}
	}

	return msgs, nil
}

// LastSeqID returns the highest stored sequence id of a task.
func (r *Repository) LastSeqID(ctx context.Context, topicID, taskID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last int64
	for _, m := range r.messages[topicID] {
		if m.TaskID == taskID && m.SeqID > last {
			last = m.SeqID
		}
	}

	return last, nil
}

// UpdateMessagesState moves messages stored after a position between states.
func (r *Repository) UpdateMessagesState(ctx context.Context, topicID string, afterPosition int64, from, to model.MessageState) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	msgs := r.messages[topicID]
	for i := range msgs {
		if msgs[i].Position > afterPosition && msgs[i].State == from {
			msgs[i].State = to
			n++
		}
	}

	return n, nil
}

// CreateDelivery stores a delivery.
func (r *Repository) CreateDelivery(ctx context.Context, d model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[d.ID]; ok {
		return fmt.Errorf("delivery %s: %w", d.ID, model.ErrAlreadyExists)
	}
	r.deliveries[d.ID] = d

	return nil
}

// GetDelivery retrieves a delivery by ID.
func (r *Repository) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
	}

	return &d, nil
}

// LastDeliveredSeqID returns the highest delivered sequence id of a task.
func (r *Repository) LastDeliveredSeqID(ctx context.Context, topicID, taskID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last int64
	for _, d := range r.deliveries {
		if d.TopicID == topicID && d.TaskID == taskID && d.SeqID > last {
			last = d.SeqID
		}
	}

	return last, nil
}

// MarkDeliveryProcessed marks a delivery as processed.
func (r *Repository) MarkDeliveryProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
	}
	d.Processed = true
	r.deliveries[id] = d

	return nil
}

// ListPendingDeliveries returns the oldest unprocessed deliveries.
func (r *Repository) ListPendingDeliveries(ctx context.Context, limit int) ([]model.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ds []model.Delivery
	for _, d := range r.deliveries {
		if !d.Processed {
			ds = append(ds, d)
		}
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
	if limit > 0 && len(ds) > limit {
		ds = ds[:limit]
	}

	return ds, nil
}

// CreateProject creates a new project.
func (r *Repository) CreateProject(ctx context.Context, p model.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[p.ID]; ok {
		return fmt.Errorf("project %s: %w", p.ID, model.ErrAlreadyExists)
	}
	r.projects[p.ID] = p

	return nil
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (*model.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, model.ErrNotFound)
	}

	return &p, nil
}

// CreateFile creates a new file record, keys are unique per project.
func (r *Repository) CreateFile(ctx context.Context, f model.File) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[f.ID]; ok {
		return fmt.Errorf("file %s: %w", f.ID, model.ErrAlreadyExists)
	}
	for _, existing := range r.files {
		if existing.ProjectID == f.ProjectID && existing.Key == f.Key {
			return fmt.Errorf("file with key %s: %w", f.Key, model.ErrAlreadyExists)
		}
	}
	r.files[f.ID] = f

	return nil
}

// GetFile retrieves a file by ID.
func (r *Repository) GetFile(ctx context.Context, id string) (*model.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, model.ErrNotFound)
	}

	return &f, nil
}

// GetFileByKey retrieves a file of a project by its object key.
func (r *Repository) GetFileByKey(ctx context.Context, projectID, key string) (*model.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.files {
		if f.ProjectID == projectID && f.Key == key {
			return &f, nil
		}
	}

	return nil, fmt.Errorf("file with key %s: %w", key, model.ErrNotFound)
}

// ListChildren returns the direct children of a directory sorted by name.
func (r *Repository) ListChildren(ctx context.Context, parentID string) ([]model.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var children []model.File
	for _, f := range r.files {
		if f.ParentID == parentID {
			children = append(children, f)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	return children, nil
}

// UpdateFile updates an existing file record.
func (r *Repository) UpdateFile(ctx context.Context, f model.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[f.ID]; !ok {
		return fmt.Errorf("file %s: %w", f.ID, model.ErrNotFound)
	}
	r.files[f.ID] = f

	return nil
}

// DeleteFile deletes a file record.
func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[id]; !ok {
		return fmt.Errorf("file %s: %w", id, model.ErrNotFound)
	}
	delete(r.files, id)

	return nil
}

func copyTask(t model.Task) model.Task {
	if t.Attachments != nil {
		atts := make([]model.Attachment, len(t.Attachments))
		copy(atts, t.Attachments)
		t.Attachments = atts
	}
	return t
}
