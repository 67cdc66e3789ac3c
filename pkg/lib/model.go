package lib

import (
	"encoding/json"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// EngineType identifies the sandbox engine implementation.
type EngineType string

const (
	// EngineDocker runs sandboxes as Docker containers.
	EngineDocker EngineType = "docker"
	// EngineFake uses in-memory sandboxes with a scripted agent.
	// Use this for tests without infrastructure dependencies.
	EngineFake EngineType = "fake"
)

// StorageType identifies where the orchestrator state is kept.
type StorageType string

const (
	// StorageSQLite keeps the state on a SQLite database.
	StorageSQLite StorageType = "sqlite"
	// StorageMemory keeps the state in memory, it is lost on Close.
	StorageMemory StorageType = "memory"
)

// TaskStatus is the lifecycle state of an agent task.
//
//	waiting -> running -> finished | error | suspended
type TaskStatus string

const (
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusFinished  TaskStatus = "finished"
	TaskStatusError     TaskStatus = "error"
	TaskStatusSuspended TaskStatus = "suspended"
)

// Terminal returns true when the task will not change anymore.
func (s TaskStatus) Terminal() bool {
	return model.TaskStatus(s).IsTerminal()
}

// TaskMode selects how the agent works on a task.
type TaskMode string

const (
	TaskModeChat TaskMode = "chat"
	TaskModePlan TaskMode = "plan"
)

// Usage is the model usage reported by the agent.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Task is a snapshot of an agent task.
type Task struct {
	ID        string
	TopicID   string
	ProjectID string
	UserID    string
	// SandboxID is empty until a sandbox is assigned.
	SandboxID string
	Status    TaskStatus
	// StatusReason explains an error status.
	StatusReason string
	Mode         TaskMode
	Usage        Usage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Attachment is a file referenced by a task or a message.
type Attachment struct {
	FileID   string
	FileKey  string
	FileName string
	FileSize int64
}

// StartTaskOpts configures a new task.
type StartTaskOpts struct {
	// TopicID and UserID are required, the user must own the topic.
	TopicID string
	UserID  string
	// Prompt is required.
	Prompt      string
	Instruction string
	Attachments []Attachment
	// Mode defaults to [TaskModeChat].
	Mode TaskMode
	// FirstTask performs the workspace initialization before the chat.
	FirstTask bool
}

// InterruptResult is the outcome of [Client.InterruptTask].
type InterruptResult struct {
	Status TaskStatus
	// Sent is true when the interrupt reached the sandbox.
	Sent bool
}

// TopicProbe is the real sandbox status of a topic.
type TopicProbe struct {
	TopicID   string
	SandboxID string
	Status    string
	// Reusable is true when a new task can run on the current sandbox.
	Reusable bool
	Error    string
}

// MessageState is the rollback state of a stored message.
type MessageState string

const (
	MessageStateNormal     MessageState = "normal"
	MessageStateRollback   MessageState = "rollback"
	MessageStateTombstoned MessageState = "tombstoned"
)

// Message is a processed protocol message of a topic.
type Message struct {
	ID          string
	TaskID      string
	SeqID       int64
	Type        string
	Status      string
	Content     string
	Tool        json.RawMessage
	Attachments []Attachment
	ShowInUI    bool
	State       MessageState
	CreatedAt   time.Time
}

// DeliverResult acknowledges a delivered message.
type DeliverResult struct {
	MessageID string
}

// RollbackPhase is a step of the rollback protocol.
type RollbackPhase string

const (
	// RollbackPhaseCheck asks the sandbox if the rollback is possible.
	RollbackPhaseCheck RollbackPhase = "check"
	// RollbackPhaseStart hides the messages after the target.
	RollbackPhaseStart RollbackPhase = "start"
	// RollbackPhaseCommit makes a started rollback permanent.
	RollbackPhaseCommit RollbackPhase = "commit"
	// RollbackPhaseUndo restores the messages of a started rollback.
	RollbackPhaseUndo RollbackPhase = "undo"
)

// RollbackOpts configures a rollback phase.
type RollbackOpts struct {
	TopicID string
	// UserID must own the topic.
	UserID string
	// TargetMessageID is required on check and start.
	TargetMessageID string
}

// RollbackResult is the answer of a rollback phase.
type RollbackResult struct {
	Success bool
	Message string
}

// Project is an application project owning files and topics.
type Project struct {
	ID      string
	OwnerID string
	WorkDir string
}

// Topic is a conversation of a user with the agent.
type Topic struct {
	ID                 string
	ProjectID          string
	UserID             string
	OrganizationCode   string
	ChatConversationID string
	// WorkDir defaults to the project one.
	WorkDir string
}

// UploadFileOpts describes a file to upload. Directories have no content and
// their key ends with "/".
type UploadFileOpts struct {
	ID        string
	ProjectID string
	// ParentID is empty for project root entries.
	ParentID string
	Name     string
	Key      string
	IsDir    bool
	TopicID  string
}

// File is a file or directory of a project.
type File struct {
	ID        string
	ProjectID string
	ParentID  string
	Name      string
	Key       string
	IsDir     bool
	Size      int64
}

// BatchOperation is a file operation.
type BatchOperation string

const (
	BatchOperationMove   BatchOperation = "move"
	BatchOperationCopy   BatchOperation = "copy"
	BatchOperationDelete BatchOperation = "delete"
)

// BatchStatus is the state of a batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	// BatchStatusNotFound is returned for unknown and expired batches.
	BatchStatusNotFound BatchStatus = "not_found"
)

// BatchOpts configures a file operation.
type BatchOpts struct {
	Operation   BatchOperation
	RequesterID string
	FileID      string
	// TargetProjectID defaults to the source project.
	TargetProjectID string
	// TargetParentID is required on move and copy.
	TargetParentID string
}

// BatchSubmission is the answer of [Client.SubmitBatch]. Single files are done
// right away and have no batch key.
type BatchSubmission struct {
	BatchKey string
	Status   BatchStatus
	Total    int
}

// BatchFailure is a file that could not be processed.
type BatchFailure struct {
	FileID string
	Error  string
}

// Batch is the progress of a batch.
type Batch struct {
	Key        string
	Status     BatchStatus
	Percentage float64
	Message    string
	Total      int
	Completed  int
	Failed     int
	Error      string
	// Failures is only set once the batch has ended.
	Failures []BatchFailure
}

func fromInternalTask(t model.Task) Task {
	return Task{
		ID:           t.ID,
		TopicID:      t.TopicID,
		ProjectID:    t.ProjectID,
		UserID:       t.UserID,
		SandboxID:    t.SandboxID,
		Status:       TaskStatus(t.Status),
		StatusReason: t.StatusReason,
		Mode:         TaskMode(t.Mode),
		Usage:        Usage(t.Usage),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func toInternalAttachments(as []Attachment) []model.Attachment {
	if len(as) == 0 {
		return nil
	}
	res := make([]model.Attachment, 0, len(as))
	for _, a := range as {
		res = append(res, model.Attachment(a))
	}
	return res
}

func fromInternalAttachments(as []model.Attachment) []Attachment {
	if len(as) == 0 {
		return nil
	}
	res := make([]Attachment, 0, len(as))
	for _, a := range as {
		res = append(res, Attachment(a))
	}
	return res
}

func fromInternalProbes(ps []taskrun.TopicProbe) []TopicProbe {
	res := make([]TopicProbe, 0, len(ps))
	for _, p := range ps {
		res = append(res, TopicProbe{
			TopicID:   p.TopicID,
			SandboxID: p.SandboxID,
			Status:    string(p.Status),
			Reusable:  p.Reusable,
			Error:     p.Error,
		})
	}
	return res
}

func fromInternalMessages(ms []model.Message) []Message {
	res := make([]Message, 0, len(ms))
	for _, m := range ms {
		typ := string(m.Type)
		if m.Type == model.MessageTypeUnknown && m.RawType != "" {
			typ = m.RawType
		}
		res = append(res, Message{
			ID:          m.ID,
			TaskID:      m.TaskID,
			SeqID:       m.SeqID,
			Type:        typ,
			Status:      m.Status,
			Content:     m.Content,
			Tool:        m.Tool,
			Attachments: fromInternalAttachments(m.Attachments),
			ShowInUI:    m.ShowInUI,
			State:       MessageState(m.State),
			CreatedAt:   m.CreatedAt,
		})
	}
	return res
}

func fromInternalFile(f model.File) File {
	return File{
		ID:        f.ID,
		ProjectID: f.ProjectID,
		ParentID:  f.ParentID,
		Name:      f.Name,
		Key:       f.Key,
		IsDir:     f.IsDir,
		Size:      f.Size,
	}
}

func fromInternalBatch(v model.BatchStatusView) Batch {
	b := Batch{
		Key:        v.Key,
		Status:     BatchStatus(v.Status),
		Percentage: v.Progress.Percentage,
		Message:    v.Progress.Message,
		Total:      v.Progress.Total,
		Completed:  v.Progress.Completed,
		Failed:     v.Progress.Failed,
		Error:      v.Error,
	}
	if v.Result != nil {
		for _, f := range v.Result.FailedItems {
			b.Failures = append(b.Failures, BatchFailure(f))
		}
	}
	return b
}
