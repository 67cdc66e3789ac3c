package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the type of a session protocol frame.
type MessageType string

const (
	MessageTypeInit           MessageType = "init"
	MessageTypeChat           MessageType = "chat"
	MessageTypeError          MessageType = "error"
	MessageTypeInterrupt      MessageType = "interrupt"
	MessageTypeProjectArchive MessageType = "project_archive"

	// MessageTypeUnknown is the fallback for types this service does not know yet.
	// Those messages are kept as passthrough, never rejected.
	MessageTypeUnknown MessageType = "unknown"
)

// ParseMessageType maps a raw protocol type into a known MessageType, falling
// back to MessageTypeUnknown.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case MessageTypeInit, MessageTypeChat, MessageTypeError, MessageTypeInterrupt, MessageTypeProjectArchive:
		return t
	}
	return MessageTypeUnknown
}

// MessageState is the local lifecycle state of a stored message.
type MessageState string

const (
	MessageStateNormal MessageState = "normal"

	// MessageStateRollback marks messages after a rollback target while the
	// rollback is in progress on the sandbox.
	MessageStateRollback MessageState = "rollback"

	// MessageStateTombstoned marks messages removed by a committed rollback.
	MessageStateTombstoned MessageState = "tombstoned"
)

// UserInfo is the optional user information sent to the sandbox.
type UserInfo struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

// Metadata is the routing information of a protocol envelope.
type Metadata struct {
	AgentUserID        string    `json:"agentUserId"`
	UserID             string    `json:"userId"`
	OrganizationCode   string    `json:"organizationCode"`
	ChatConversationID string    `json:"chatConversationId"`
	ChatTopicID        string    `json:"chatTopicId"`
	Instruction        string    `json:"instruction"`
	SandboxID          string    `json:"sandboxId"`
	TaskID             string    `json:"taskId"`
	UserInfo           *UserInfo `json:"userInfo,omitempty"`
}

// Step is one entry of the agent plan reported by the sandbox.
type Step struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Attachment is a file referenced by a message.
type Attachment struct {
	FileID   string `json:"fileId,omitempty"`
	FileKey  string `json:"fileKey"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

// Payload is the body of a protocol envelope.
type Payload struct {
	Type          MessageType     `json:"type"`
	TaskID        string          `json:"taskId"`
	MessageID     string          `json:"messageId"`
	SeqID         int64           `json:"seqId"`
	Status        string          `json:"status,omitempty"`
	Content       string          `json:"content,omitempty"`
	Steps         []Step          `json:"steps,omitempty"`
	Tool          json.RawMessage `json:"tool,omitempty"`
	Attachments   []Attachment    `json:"attachments,omitempty"`
	Event         string          `json:"event,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ShowInUI      bool            `json:"showInUi"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Request only fields, sent by the orchestrator on init and chat.
	Prompt        string            `json:"prompt,omitempty"`
	TaskMode      TaskMode          `json:"taskMode,omitempty"`
	UploadConfig  *UploadCredential `json:"uploadConfig,omitempty"`
	SandboxConfig map[string]string `json:"sandboxConfig,omitempty"`
}

// Envelope is a session protocol frame.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// Validate checks the minimum data required to route an inbound envelope.
func (e Envelope) Validate() error {
	if e.Payload.Type == "" {
		return fmt.Errorf("payload type is required: %w", ErrNotValid)
	}
	if e.Payload.SeqID < 0 {
		return fmt.Errorf("payload seq id can't be negative: %w", ErrNotValid)
	}
	return nil
}

// Message is a processed protocol message stored for a topic.
// A message is identified by (TopicID, ID) and is immutable once stored, only
// its State changes through the rollback protocol.
type Message struct {
	ID            string
	TopicID       string
	TaskID        string
	SeqID         int64
	Type          MessageType
	Status        string
	Content       string
	Steps         []Step
	Tool          json.RawMessage
	Attachments   []Attachment
	Event         string
	CorrelationID string
	ShowInUI      bool
	Usage         Usage
	State         MessageState
	CreatedAt     time.Time

	// RawType keeps the original type when Type is MessageTypeUnknown.
	RawType string
	// Position is the storage assigned insertion order inside the topic.
	Position int64
}

// Delivery is an inbound message pushed asynchronously by a sandbox, waiting to be processed.
type Delivery struct {
	ID        string
	SandboxID string
	TopicID   string
	TaskID    string
	MessageID string
	SeqID     int64
	Envelope  Envelope
	Processed bool
	CreatedAt time.Time
}

// RollbackResult is the result of a rollback phase.
type RollbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
