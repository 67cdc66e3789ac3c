package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/session"
)

// Responder returns the frames a fake sandbox answers to a received envelope.
type Responder func(req model.Envelope) []model.Envelope

// Dialer is a session.Dialer connecting to an in-memory fake sandbox.
type Dialer struct {
	responder Responder
	mu        sync.Mutex
	conn      *conn
	sent      []model.Envelope
	dials     int
	dialErr   error
}

var _ session.Dialer = &Dialer{}

// NewDialer returns a fake dialer. A nil responder uses NewAgent().
func NewDialer(r Responder) *Dialer {
	if r == nil {
		r = NewAgent()
	}
	return &Dialer{responder: r}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}

	c := &conn{
		dialer: d,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	d.conn = c
	return c, nil
}

// FailDials makes the next dials fail with err, nil restores them.
func (d *Dialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Push sends frames from the sandbox on the current connection.
func (d *Dialer) Push(frames ...model.Envelope) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()

	if c != nil {
		c.push(frames)
	}
}

// Disconnect drops the current connection as if the sandbox went away.
func (d *Dialer) Disconnect() {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// Sent returns every envelope received by the fake sandbox.
func (d *Dialer) Sent() []model.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Envelope(nil), d.sent...)
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type conn struct {
	dialer *Dialer
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *conn) Read(ctx context.Context) ([]byte, error) {
	// Pending frames are delivered before a close is reported.
	select {
	case data := <-c.frames:
		return data, nil
	default:
	}

	select {
	case data := <-c.frames:
		return data, nil
	case <-c.closed:
		return nil, session.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return session.ErrDisconnected
	default:
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("fake sandbox could not decode frame: %w", err)
	}

	c.dialer.mu.Lock()
	c.dialer.sent = append(c.dialer.sent, env)
	responder := c.dialer.responder
	c.dialer.mu.Unlock()

	c.push(responder(env))
	return nil
}

func (c *conn) push(frames []model.Envelope) {
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// NewAgent returns a responder that acts like a well behaved agent: it accepts
// the init handshake, answers a chat with a running frame followed by a plan
// step and a finished frame, and suspends on interrupt.
func NewAgent() Responder {
	var mu sync.Mutex
	seqs := map[string]int64{}
	next := func(taskID string) int64 {
		mu.Lock()
		defer mu.Unlock()
		seqs[taskID]++
		return seqs[taskID]
	}

	frame := func(req model.Envelope, typ model.MessageType, status model.TaskStatus, content string) model.Envelope {
		return model.Envelope{
			Metadata: req.Metadata,
			Payload: model.Payload{
				Type:      typ,
				TaskID:    req.Payload.TaskID,
				MessageID: ulid.Make().String(),
				SeqID:     next(req.Payload.TaskID),
				Status:    string(status),
				Content:   content,
				ShowInUI:  true,
			},
		}
	}

	return func(req model.Envelope) []model.Envelope {
		switch req.Payload.Type {
		case model.MessageTypeInit:
			f := frame(req, model.MessageTypeInit, "", "workspace initialized")
			f.Payload.ShowInUI = false
			return []model.Envelope{f}
		case model.MessageTypeChat:
			running := frame(req, model.MessageTypeChat, model.TaskStatusRunning, "working on it")
			step := frame(req, model.MessageTypeChat, model.TaskStatusRunning, "")
			step.Payload.Steps = []model.Step{{ID: "1", Title: "Run the task", Status: "done"}}
			finished := frame(req, model.MessageTypeChat, model.TaskStatusFinished, "done")
			finished.Payload.Usage = &model.Usage{InputTokens: 120, OutputTokens: 40, Cost: 0.002}
			return []model.Envelope{running, step, finished}
		case model.MessageTypeInterrupt:
			return []model.Envelope{frame(req, model.MessageTypeChat, model.TaskStatusSuspended, "interrupted")}
		}
		return nil
	}
}
