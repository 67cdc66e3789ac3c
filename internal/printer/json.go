package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// JSONPrinter prints indented JSON.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type taskOutput struct {
	ID           string      `json:"id"`
	TopicID      string      `json:"topic_id"`
	ProjectID    string      `json:"project_id,omitempty"`
	SandboxID    string      `json:"sandbox_id,omitempty"`
	Status       string      `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Mode         string      `json:"mode,omitempty"`
	Usage        model.Usage `json:"usage"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type messageOutput struct {
	Message string `json:"message"`
}

// PrintBatchStatus prints the batch view with the same shape the HTTP API answers.
func (j *JSONPrinter) PrintBatchStatus(view model.BatchStatusView) error {
	return j.encode(view)
}

// PrintTask prints the task without its prompt and attachments.
func (j *JSONPrinter) PrintTask(task model.Task) error {
	return j.encode(taskOutput{
		ID:           task.ID,
		TopicID:      task.TopicID,
		ProjectID:    task.ProjectID,
		SandboxID:    task.SandboxID,
		Status:       string(task.Status),
		StatusReason: task.StatusReason,
		Mode:         string(task.Mode),
		Usage:        task.Usage,
		CreatedAt:    task.CreatedAt.UTC(),
		UpdatedAt:    task.UpdatedAt.UTC(),
	})
}

// PrintProbes prints the probe list, never null.
func (j *JSONPrinter) PrintProbes(probes []taskrun.TopicProbe) error {
	if probes == nil {
		probes = []taskrun.TopicProbe{}
	}
	return j.encode(probes)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
