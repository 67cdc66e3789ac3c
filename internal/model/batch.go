package model

import (
	"fmt"
	"time"
)

// BatchOperation is a directory scale file operation.
type BatchOperation string

const (
	BatchOperationMove   BatchOperation = "move"
	BatchOperationCopy   BatchOperation = "copy"
	BatchOperationDelete BatchOperation = "delete"
)

// Valid returns true if the operation is known.
func (o BatchOperation) Valid() bool {
	switch o {
	case BatchOperationMove, BatchOperationCopy, BatchOperationDelete:
		return true
	}
	return false
}

// BatchStatus is the status of a batch operation.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"

	// BatchStatusNotFound is only used on status queries, it is never stored.
	BatchStatusNotFound BatchStatus = "not_found"
)

// IsTerminal returns true if the batch will not make more progress.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchRecord is the progress record of an asynchronous batch operation.
type BatchRecord struct {
	Key       string
	Operation BatchOperation
	OwnerID   string
	ProjectID string
	// RootFileID is the directory the operation was requested for.
	RootFileID string
	// TargetProjectID and TargetParentID are only used by move and copy.
	TargetProjectID string
	TargetParentID  string
	Status          BatchStatus
	Total           int
	Completed       int
	Failed          int
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Validate validates the batch record.
func (r BatchRecord) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("batch key is required: %w", ErrNotValid)
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("batch operation %q is invalid: %w", r.Operation, ErrNotValid)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("batch owner is required: %w", ErrNotValid)
	}
	if r.Operation != BatchOperationDelete && r.TargetParentID == "" {
		return fmt.Errorf("target parent is required for %s: %w", r.Operation, ErrNotValid)
	}
	return nil
}

// Expired returns true if the record is past its expiry time.
func (r BatchRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Percentage returns the processed percentage, failed items count as processed.
func (r BatchRecord) Percentage() float64 {
	if r.Total == 0 {
		if r.Status.IsTerminal() {
			return 100
		}
		return 0
	}
	return float64(r.Completed+r.Failed) * 100 / float64(r.Total)
}

// BatchItemStatus is the status of a single item in a batch.
type BatchItemStatus string

const (
	BatchItemStatusPending BatchItemStatus = "pending"
	BatchItemStatusDone    BatchItemStatus = "done"
	BatchItemStatusFailed  BatchItemStatus = "failed"
)

// BatchItem is a single file of a batch operation, tracked independently.
type BatchItem struct {
	ID       string
	BatchKey string
	FileID   string
	Sequence int
	Status   BatchItemStatus
	Error    string
}

// BatchProgress is the progress section of a batch status.
type BatchProgress struct {
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
}

// BatchItemFailure describes a failed batch item.
type BatchItemFailure struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// BatchResult is the result of a finished batch operation.
type BatchResult struct {
	Succeeded   int                `json:"succeeded"`
	FailedItems []BatchItemFailure `json:"failedItems,omitempty"`
}

// BatchStatusView is the answer for a batch status query.
type BatchStatusView struct {
	Key      string        `json:"batchKey"`
	Status   BatchStatus   `json:"status"`
	Progress BatchProgress `json:"progress"`
	Result   *BatchResult  `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}
