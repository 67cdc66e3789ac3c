package model

import (
	"fmt"
	"time"
)

// SandboxStatus represents the remote status of a sandbox.
type SandboxStatus string

const (
	// SandboxStatusCreated indicates the sandbox exists but has not started yet.
	SandboxStatusCreated SandboxStatus = "created"
	// SandboxStatusRunning indicates the sandbox is running and can be reused.
	SandboxStatusRunning SandboxStatus = "running"
	// SandboxStatusExited indicates the sandbox is gone for good.
	SandboxStatusExited SandboxStatus = "exited"
	// SandboxStatusNotFound indicates the sandbox does not exist.
	SandboxStatusNotFound SandboxStatus = "not_found"
)

// Reusable returns true when the sandbox can keep receiving protocol traffic.
func (s SandboxStatus) Reusable() bool { return s == SandboxStatusRunning }

// Gone returns true when the sandbox will never be able to serve again.
func (s SandboxStatus) Gone() bool {
	return s == SandboxStatusExited || s == SandboxStatusNotFound
}

// WorkspaceStatus is the status of the agent workspace inside a sandbox.
type WorkspaceStatus string

const (
	WorkspaceStatusInitializing WorkspaceStatus = "initializing"
	WorkspaceStatusReady        WorkspaceStatus = "ready"
	WorkspaceStatusError        WorkspaceStatus = "error"
)

// SandboxConfig is the configuration used to create a sandbox.
type SandboxConfig struct {
	TopicID   string
	ProjectID string
	// WorkDir is the task work directory the sandbox workspace is bound to.
	WorkDir string
	Image   string
	Env     map[string]string
}

// Validate validates the sandbox configuration.
func (c SandboxConfig) Validate() error {
	if c.TopicID == "" {
		return fmt.Errorf("topic id is required: %w", ErrNotValid)
	}

	if c.WorkDir == "" {
		return fmt.Errorf("work dir is required: %w", ErrNotValid)
	}

	return nil
}

// Sandbox is an external compute session. Only its existence and status are tracked.
type Sandbox struct {
	ID        string
	Status    SandboxStatus
	Endpoint  string
	Config    SandboxConfig
	CreatedAt time.Time
}
