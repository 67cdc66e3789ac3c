package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// ErrNotConnected is returned when the client is used before Connect or after Close.
var ErrNotConnected = errors.New("session not connected")

// Conn is a duplex message channel to a sandbox.
type Conn interface {
	// Read returns the next frame. It returns the context error when ctx ends
	// before a frame arrives, the connection stays usable.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections to sandbox endpoints.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// ClientConfig is the configuration of a session client.
type ClientConfig struct {
	Dialer   Dialer
	Endpoint string
	// SandboxID is only used for logging.
	SandboxID string
	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration
	// WriteTimeout bounds every send.
	WriteTimeout time.Duration
	// InitTimeout is the wait for the init handshake response.
	InitTimeout time.Duration
	// ChatTimeout is the wait for the chat response.
	ChatTimeout time.Duration
	Logger      log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.Dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 900 * time.Second
	}
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Client", "sandbox-id": c.SandboxID})
	return nil
}

// Client speaks the session protocol with one sandbox. Every exit path must call Close.
type Client struct {
	dialer         Dialer
	endpoint       string
	connectTimeout time.Duration
	writeTimeout   time.Duration
	initTimeout    time.Duration
	chatTimeout    time.Duration
	logger         log.Logger

	mu   sync.Mutex
	conn Conn
}

// NewClient returns a new, not yet connected, session client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		dialer:         cfg.Dialer,
		endpoint:       cfg.Endpoint,
		connectTimeout: cfg.ConnectTimeout,
		writeTimeout:   cfg.WriteTimeout,
		initTimeout:    cfg.InitTimeout,
		chatTimeout:    cfg.ChatTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Connect opens the channel, replacing any previous one. It does not retry.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.logger.Debugf("Connected to %s", c.endpoint)
	return nil
}

func (c *Client) current() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Send writes an envelope.
func (c *Client) Send(ctx context.Context, env model.Envelope) error {
	conn, err := c.current()
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("could not encode %s message: %w", env.Payload.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("could not send %s message: %w", env.Payload.Type, err)
	}

	return nil
}

// Receive waits up to timeout for the next envelope. Running out of time
// returns model.ErrTimeout and the connection stays open.
func (c *Client) Receive(ctx context.Context, timeout time.Duration) (*model.Envelope, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := conn.Read(rctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no message after %s: %w", timeout, model.ErrTimeout)
		}
		return nil, err
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("could not decode message: %w: %w", err, model.ErrNotValid)
	}

	return &env, nil
}

// InitRequest is the init handshake data.
type InitRequest struct {
	Metadata         model.Metadata
	UploadCredential *model.UploadCredential
	SandboxConfig    map[string]string
	TaskMode         model.TaskMode
}

// Init performs the init handshake. Any failure, including a missing response,
// is a *model.ProtocolError.
func (c *Client) Init(ctx context.Context, req InitRequest) (*model.Envelope, error) {
	env := model.Envelope{
		Metadata: req.Metadata,
		Payload: model.Payload{
			Type:          model.MessageTypeInit,
			TaskID:        req.Metadata.TaskID,
			TaskMode:      req.TaskMode,
			UploadConfig:  req.UploadCredential,
			SandboxConfig: req.SandboxConfig,
		},
	}

	return c.exchange(ctx, env, c.initTimeout)
}

// ChatRequest is the task payload sent to the sandbox.
type ChatRequest struct {
	Metadata    model.Metadata
	TaskID      string
	Instruction string
	Prompt      string
	Attachments []model.Attachment
	TaskMode    model.TaskMode
}

// Chat sends the task payload and waits for its response.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*model.Envelope, error) {
	md := req.Metadata
	md.TaskID = req.TaskID
	md.Instruction = req.Instruction

	env := model.Envelope{
		Metadata: md,
		Payload: model.Payload{
			Type:        model.MessageTypeChat,
			TaskID:      req.TaskID,
			Prompt:      req.Prompt,
			Attachments: req.Attachments,
			TaskMode:    req.TaskMode,
		},
	}

	return c.exchange(ctx, env, c.chatTimeout)
}

// Interrupt sends an interrupt frame without waiting for an answer.
func (c *Client) Interrupt(ctx context.Context, md model.Metadata, taskID string) error {
	md.TaskID = taskID
	env := model.Envelope{
		Metadata: md,
		Payload:  model.Payload{Type: model.MessageTypeInterrupt, TaskID: taskID},
	}

	if err := c.Send(ctx, env); err != nil {
		return &model.ProtocolError{Type: model.MessageTypeInterrupt, Err: err}
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, req model.Envelope, timeout time.Duration) (*model.Envelope, error) {
	typ := req.Payload.Type
	if err := c.Send(ctx, req); err != nil {
		return nil, &model.ProtocolError{Type: typ, Err: err}
	}

	resp, err := c.Receive(ctx, timeout)
	if err != nil {
		return nil, &model.ProtocolError{Type: typ, Err: err}
	}

	if model.ParseMessageType(string(resp.Payload.Type)) != typ {
		return nil, &model.ProtocolError{Type: typ, Status: resp.Payload.Status, Err: fmt.Errorf("unexpected response type %q: %w", resp.Payload.Type, model.ErrRemote)}
	}
	if status, _ := model.ParseTaskStatus(resp.Payload.Status); status == model.TaskStatusError {
		return nil, &model.ProtocolError{Type: typ, Status: resp.Payload.Status, Err: fmt.Errorf("sandbox reported error: %s: %w", resp.Payload.Content, model.ErrRemote)}
	}

	c.logger.Debugf("%s exchange done", typ)
	return resp, nil
}

// Close tears the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		c.logger.Debugf("Error closing session: %s", err)
		return err
	}
	return nil
}
