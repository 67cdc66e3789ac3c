package sandbox

import (
	"context"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Provider creates and inspects remote sandboxes.
type Provider interface {
	// Create creates a new sandbox bound to the configured work dir and project.
	Create(ctx context.Context, cfg model.SandboxConfig) (*model.Sandbox, error)
	// Status returns the remote status. A missing sandbox is reported as
	// model.SandboxStatusNotFound, not as an error.
	Status(ctx context.Context, id string) (model.SandboxStatus, error)
	// WorkspaceStatus returns the status of the agent workspace inside the sandbox.
	WorkspaceStatus(ctx context.Context, id string) (model.WorkspaceStatus, error)
	// Endpoint returns the base URL of the sandbox gateway.
	Endpoint(ctx context.Context, id string) (string, error)
}

// RollbackPhase is a phase of the checkpoint rollback protocol.
type RollbackPhase string

const (
	RollbackPhaseCheck  RollbackPhase = "check"
	RollbackPhaseStart  RollbackPhase = "start"
	RollbackPhaseCommit RollbackPhase = "commit"
	RollbackPhaseUndo   RollbackPhase = "undo"
)

// Valid returns true if the phase is known.
func (p RollbackPhase) Valid() bool {
	switch p {
	case RollbackPhaseCheck, RollbackPhaseStart, RollbackPhaseCommit, RollbackPhaseUndo:
		return true
	}
	return false
}

// RollbackRequest is the body sent to the sandbox on every rollback phase.
type RollbackRequest struct {
	SandboxID       string `json:"sandbox_id"`
	TargetMessageID string `json:"target_message_id,omitempty"`
}

// Checkpointer drives the checkpoint rollback protocol on a sandbox.
type Checkpointer interface {
	Rollback(ctx context.Context, endpoint string, phase RollbackPhase, req RollbackRequest) (*model.RollbackResult, error)
}
