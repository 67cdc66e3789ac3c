package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrBusy is returned when a lock could not be acquired in time. Callers
	// should treat it as a recoverable condition and retry later.
	ErrBusy = errors.New("resource busy")
	// ErrTimeout is returned when a remote call does not answer in time.
	ErrTimeout = errors.New("timeout")
	// ErrForbidden is returned when the requester does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrRemote is returned when the sandbox explicitly rejects a request.
	ErrRemote = errors.New("remote rejected request")
)

// SandboxError is an operational failure while creating or readying a sandbox.
// It carries enough context for a higher level retry policy.
type SandboxError struct {
	SandboxID  string
	Elapsed    time.Duration
	LastStatus string
	Err        error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %q failed after %s (last status %q): %s", e.SandboxID, e.Elapsed.Round(time.Millisecond), e.LastStatus, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// ProtocolError is an operational failure on the sandbox session protocol.
type ProtocolError struct {
	// Type is the message type of the exchange that failed.
	Type MessageType
	// Status is the status reported by the sandbox, if any.
	Status string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s exchange failed (remote status %q): %s", e.Type, e.Status, e.Err)
	}
	return fmt.Sprintf("%s exchange failed: %s", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
