package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// ErrDisconnected is returned by connections that lost their peer.
var ErrDisconnected = errors.New("session disconnected")

// Handler handles a streamed envelope. Returning stop ends the stream normally.
type Handler func(ctx context.Context, env model.Envelope) (stop bool, err error)

// StreamOptions control the continuous receive loop.
type StreamOptions struct {
	// Timeout is the overall deadline of the loop.
	Timeout time.Duration
	// ReadTimeout is the wait of a single read, expiring only means polling again.
	ReadTimeout time.Duration
	// RecoverDelay is the pause after a recoverable error.
	RecoverDelay time.Duration
}

func (o *StreamOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.RecoverDelay <= 0 {
		o.RecoverDelay = 100 * time.Millisecond
	}
}

// Stream reads envelopes until the handler stops it, the context ends, the
// overall timeout expires or a fatal error happens. A lost connection is
// reconnected once. Fatal errors and the overall timeout are returned as
// *model.ProtocolError, recoverable errors are logged and the loop goes on.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, h Handler) error {
	opts.defaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	reconnected := false
	for {
		if err := ctx.Err(); err != nil {
			return c.streamEnd(ctx, opts.Timeout)
		}

		env, err := c.Receive(ctx, opts.ReadTimeout)
		readErr := err != nil
		if err == nil {
			stop, herr := h(ctx, *env)
			if herr == nil {
				if stop {
					return nil
				}
				continue
			}
			err = herr
		}

		// Read timeouts and lost peers only come from the receive side, a
		// handler error is classified as fatal or recoverable.
		switch {
		case ctx.Err() != nil:
			return c.streamEnd(ctx, opts.Timeout)

		case readErr && errors.Is(err, model.ErrTimeout):
			c.logger.Debugf("No message yet, polling again")
			continue

		case readErr && IsDisconnect(err) && !reconnected:
			reconnected = true
			c.logger.Warningf("Session lost, reconnecting: %s", err)
			if cerr := c.Connect(ctx); cerr != nil {
				return &model.ProtocolError{Type: model.MessageTypeChat, Err: fmt.Errorf("reconnect failed: %w", cerr)}
			}
			continue

		case IsFatal(err):
			c.logger.Errorf("Fatal stream error: %s", err)
			return &model.ProtocolError{Type: model.MessageTypeChat, Err: err}

		default:
			c.logger.Warningf("Recoverable stream error: %s", err)
			select {
			case <-ctx.Done():
			case <-time.After(opts.RecoverDelay):
			}
		}
	}
}

func (c *Client) streamEnd(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &model.ProtocolError{Type: model.MessageTypeChat, Err: fmt.Errorf("task did not end after %s: %w", timeout, model.ErrTimeout)}
	}
	return ctx.Err()
}

// IsDisconnect returns true for errors that mean the peer is gone.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.CloseStatus(err) != -1
}

var fatalIndicators = []string{
	"out of memory",
	"memory",
	"timeout",
	"timed out",
	"socket",
	"closed",
	"broken pipe",
	"connection reset",
}

// IsFatal classifies stream errors. Runtime, memory, timeout, socket and closed
// connection errors are fatal, anything else is recoverable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var nerr net.Error
	var errno syscall.Errno
	switch {
	case IsDisconnect(err):
		return true
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &nerr), errors.As(err, &errno):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, ind := range fatalIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}

	return false
}
