package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/storage"
	"github.com/saashqdev/delightful-sub003/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.Repository = &Repository{}

// NewRepository creates a new SQLite repository, running the pending migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// OpenDB opens the database file, creating its directory when missing. No
// migration is run.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	return db, nil
}

// DB returns the underlying database so other repositories can share it.
func (r *Repository) DB() *sql.DB { return r.db }

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

const topicColumns = `id, project_id, user_id, organization_code, chat_conversation_id, work_dir, current_sandbox_id, current_task_id, created_at, updated_at`

// CreateTopic creates a new topic.
func (r *Repository) CreateTopic(ctx context.Context, t model.Topic) error {
	query := `INSERT INTO topics (` + topicColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.ProjectID, t.UserID, t.OrganizationCode, t.ChatConversationID, t.WorkDir,
		t.CurrentSandboxID, t.CurrentTaskID, toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("topic %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert topic: %w", err)
	}

	return nil
}

// GetTopic retrieves a topic by ID.
func (r *Repository) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics WHERE id = ?`

	t, err := scanTopic(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("topic %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query topic: %w", err)
	}

	return t, nil
}

// GetTopicBySandbox retrieves the topic that currently uses the sandbox.
func (r *Repository) GetTopicBySandbox(ctx context.Context, sandboxID string) (*model.Topic, error) {
	if sandboxID == "" {
		return nil, fmt.Errorf("sandbox id is required: %w", model.ErrNotValid)
	}
	query := `SELECT ` + topicColumns + ` FROM topics WHERE current_sandbox_id = ? ORDER BY updated_at DESC LIMIT 1`

	t, err := scanTopic(r.db.QueryRowContext(ctx, query, sandboxID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("topic for sandbox %s: %w", sandboxID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query topic: %w", err)
	}

	return t, nil
}

// UpdateTopic updates an existing topic.
func (r *Repository) UpdateTopic(ctx context.Context, t model.Topic) error {
	return updateTopic(ctx, r.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTopic(ctx context.Context, db execer, t model.Topic) error {
	query := `
		UPDATE topics
		SET
			project_id = ?,
			user_id = ?,
			organization_code = ?,
			chat_conversation_id = ?,
			work_dir = ?,
			current_sandbox_id = ?,
			current_task_id = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query,
		t.ProjectID, t.UserID, t.OrganizationCode, t.ChatConversationID, t.WorkDir,
		t.CurrentSandboxID, t.CurrentTaskID, toUnix(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update topic: %w", err)
	}

	return checkAffected(result, "topic", t.ID)
}

const taskColumns = `id, topic_id, project_id, user_id, sandbox_id, work_dir, prompt, attachments, status, status_reason, mode, input_tokens, output_tokens, cost, completion_pending, created_at, updated_at`

// CreateTask creates a new task.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	atts, err := marshalJSON(t.Attachments, "[]")
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.TopicID, t.ProjectID, t.UserID, t.SandboxID, t.WorkDir, t.Prompt, atts,
		t.Status, t.StatusReason, t.Mode, t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.Cost,
		t.CompletionPending, toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return t, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	return updateTask(ctx, r.db, t)
}

// UpdateTaskWithTopic updates the task and the topic in a single transaction.
func (r *Repository) UpdateTaskWithTopic(ctx context.Context, t model.Task, topic model.Topic) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := updateTopic(ctx, tx, topic); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

func updateTask(ctx context.Context, db execer, t model.Task) error {
	atts, err := marshalJSON(t.Attachments, "[]")
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET
			sandbox_id = ?,
			work_dir = ?,
			prompt = ?,
			attachments = ?,
			status = ?,
			status_reason = ?,
			mode = ?,
			input_tokens = ?,
			output_tokens = ?,
			cost = ?,
			completion_pending = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query,
		t.SandboxID, t.WorkDir, t.Prompt, atts, t.Status, t.StatusReason, t.Mode,
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.Cost, t.CompletionPending, toUnix(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	return checkAffected(result, "task", t.ID)
}

// ListPendingCompletions returns the oldest tasks whose completion event is not published yet.
func (r *Repository) ListPendingCompletions(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE completion_pending = 1 ORDER BY updated_at ASC, id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var ts []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		ts = append(ts, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return ts, nil
}

const messageColumns = `position, id, topic_id, task_id, seq_id, type, raw_type, status, content, steps, tool, attachments, event, correlation_id, show_in_ui, input_tokens, output_tokens, cost, state, created_at`

// CreateMessage stores a message once per (topic, message id).
func (r *Repository) CreateMessage(ctx context.Context, m model.Message) error {
	steps, err := marshalJSON(m.Steps, "[]")
	if err != nil {
		return err
	}
	atts, err := marshalJSON(m.Attachments, "[]")
	if err != nil {
		return err
	}
	if m.State == "" {
		m.State = model.MessageStateNormal
	}

	query := `
		INSERT INTO messages (
			id, topic_id, task_id, seq_id, type, raw_type, status, content,
			steps, tool, attachments, event, correlation_id, show_in_ui,
			input_tokens, output_tokens, cost, state, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.TopicID, m.TaskID, m.SeqID, m.Type, m.RawType, m.Status, m.Content,
		steps, string(m.Tool), atts, m.Event, m.CorrelationID, m.ShowInUI,
		m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.Cost, m.State, toUnix(m.CreatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("message %s on topic %s: %w", m.ID, m.TopicID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message of a topic.
func (r *Repository) GetMessage(ctx context.Context, topicID, id string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id = ? AND id = ?`

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, topicID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s on topic %s: %w", id, topicID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query message: %w", err)
	}

	return m, nil
}

// ListMessages returns the topic messages in insertion order.
func (r *Repository) ListMessages(ctx context.Context, topicID string) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id = ? ORDER BY position ASC`
	return r.listMessages(ctx, query, topicID)
}

// ListTaskMessages returns the task messages in insertion order.
func (r *Repository) ListTaskMessages(ctx context.Context, topicID, taskID string) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id = ? AND task_id = ? ORDER BY position ASC`
	return r.listMessages(ctx, query, topicID, taskID)
}

func (r *Repository) listMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		msgs = append(msgs, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return msgs, nil
}

// LastSeqID returns the highest stored sequence id of a task.
func (r *Repository) LastSeqID(ctx context.Context, topicID, taskID string) (int64, error) {
	var last int64
	query := `SELECT COALESCE(MAX(seq_id), 0) FROM messages WHERE topic_id = ? AND task_id = ?`
	if err := r.db.QueryRowContext(ctx, query, topicID, taskID).Scan(&last); err != nil {
		return 0, fmt.Errorf("could not get last seq id: %w", err)
	}

	return last, nil
}

// UpdateMessagesState moves messages stored after a position between states.
func (r *Repository) UpdateMessagesState(ctx context.Context, topicID string, afterPosition int64, from, to model.MessageState) (int, error) {
	query := `UPDATE messages SET state = ? WHERE topic_id = ? AND position > ? AND state = ?`

	result, err := r.db.ExecContext(ctx, query, to, topicID, afterPosition, from)
	if err != nil {
		return 0, fmt.Errorf("could not update messages state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w", err)
	}

	r.logger.Debugf("Moved %d messages of topic %s from %s to %s", n, topicID, from, to)
	return int(n), nil
}

const deliveryColumns = `id, sandbox_id, topic_id, task_id, message_id, seq_id, envelope, processed, created_at`

// CreateDelivery stores a delivery.
func (r *Repository) CreateDelivery(ctx context.Context, d model.Delivery) error {
	env, err := json.Marshal(d.Envelope)
	if err != nil {
		return fmt.Errorf("could not marshal envelope: %w", err)
	}

	query := `INSERT INTO deliveries (` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		d.ID, d.SandboxID, d.TopicID, d.TaskID, d.MessageID, d.SeqID, string(env), d.Processed, toUnix(d.CreatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("delivery %s: %w", d.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves a delivery by ID.
func (r *Repository) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = ?`

	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query delivery: %w", err)
	}

	return d, nil
}

// LastDeliveredSeqID returns the highest delivered sequence id of a task.
func (r *Repository) LastDeliveredSeqID(ctx context.Context, topicID, taskID string) (int64, error) {
	var last int64
	query := `SELECT COALESCE(MAX(seq_id), 0) FROM deliveries WHERE topic_id = ? AND task_id = ?`
	if err := r.db.QueryRowContext(ctx, query, topicID, taskID).Scan(&last); err != nil {
		return 0, fmt.Errorf("could not get last delivered seq id: %w", err)
	}

	return last, nil
}

// MarkDeliveryProcessed marks a delivery as processed.
func (r *Repository) MarkDeliveryProcessed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE deliveries SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not update delivery: %w", err)
	}

	return checkAffected(result, "delivery", id)
}

// ListPendingDeliveries returns the oldest unprocessed deliveries.
func (r *Repository) ListPendingDeliveries(ctx context.Context, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE processed = 0 ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query deliveries: %w", err)
	}
	defer rows.Close()

	var ds []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		ds = append(ds, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return ds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTopic(s scanner) (*model.Topic, error) {
	var t model.Topic
	var createdAt, updatedAt int64
	err := s.Scan(
		&t.ID,
		&t.ProjectID,
		&t.UserID,
		&t.OrganizationCode,
		&t.ChatConversationID,
		&t.WorkDir,
		&t.CurrentSandboxID,
		&t.CurrentTaskID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = timeFromUnix(createdAt)
	t.UpdatedAt = timeFromUnix(updatedAt)

	return &t, nil
}

func scanTask(s scanner) (*model.Task, error) {
	var t model.Task
	var atts string
	var createdAt, updatedAt int64
	err := s.Scan(
		&t.ID,
		&t.TopicID,
		&t.ProjectID,
		&t.UserID,
		&t.SandboxID,
		&t.WorkDir,
		&t.Prompt,
		&atts,
		&t.Status,
		&t.StatusReason,
		&t.Mode,
		&t.Usage.InputTokens,
		&t.Usage.OutputTokens,
		&t.Usage.Cost,
		&t.CompletionPending,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(atts), &t.Attachments); err != nil {
		return nil, fmt.Errorf("could not unmarshal task attachments: %w", err)
	}
	if len(t.Attachments) == 0 {
		t.Attachments = nil
	}
	t.CreatedAt = timeFromUnix(createdAt)
	t.UpdatedAt = timeFromUnix(updatedAt)

	return &t, nil
}

func scanMessage(s scanner) (*model.Message, error) {
	var m model.Message
	var steps, tool, atts string
	var createdAt int64
	err := s.Scan(
		&m.Position,
		&m.ID,
		&m.TopicID,
		&m.TaskID,
		&m.SeqID,
		&m.Type,
		&m.RawType,
		&m.Status,
		&m.Content,
		&steps,
		&tool,
		&atts,
		&m.Event,
		&m.CorrelationID,
		&m.ShowInUI,
		&m.Usage.InputTokens,
		&m.Usage.OutputTokens,
		&m.Usage.Cost,
		&m.State,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &m.Steps); err != nil {
		return nil, fmt.Errorf("could not unmarshal message steps: %w", err)
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return nil, fmt.Errorf("could not unmarshal message attachments: %w", err)
	}
	if len(m.Steps) == 0 {
		m.Steps = nil
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if tool != "" {
		m.Tool = json.RawMessage(tool)
	}
	m.CreatedAt = timeFromUnix(createdAt)

	return &m, nil
}

func scanDelivery(s scanner) (*model.Delivery, error) {
	var d model.Delivery
	var env string
	var createdAt int64
	err := s.Scan(
		&d.ID,
		&d.SandboxID,
		&d.TopicID,
		&d.TaskID,
		&d.MessageID,
		&d.SeqID,
		&env,
		&d.Processed,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(env), &d.Envelope); err != nil {
		return nil, fmt.Errorf("could not unmarshal delivery envelope: %w", err)
	}
	d.CreatedAt = timeFromUnix(createdAt)

	return &d, nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not marshal column: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func checkAffected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

func isUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromUnix(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
