package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// WebsocketDialerConfig is the configuration of the websocket dialer.
type WebsocketDialerConfig struct {
	HTTPClient *http.Client
	// Path is appended to the sandbox endpoint.
	Path string
	// ReadLimit is the maximum frame size in bytes.
	ReadLimit int64
}

func (c *WebsocketDialerConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 20
	}
}

// WebsocketDialer dials sandbox gateways over websocket.
type WebsocketDialer struct {
	httpClient *http.Client
	path       string
	readLimit  int64
}

var _ Dialer = &WebsocketDialer{}

// NewWebsocketDialer returns a new websocket dialer.
func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	cfg.defaults()
	return &WebsocketDialer{
		httpClient: cfg.HTTPClient,
		path:       cfg.Path,
		readLimit:  cfg.ReadLimit,
	}
}

// WebsocketURL maps a sandbox http(s) endpoint to its websocket URL.
func WebsocketURL(endpoint, path string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	return u.String(), nil
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := WebsocketURL(endpoint, d.path)
	if err != nil {
		return nil, err
	}

	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	c.SetReadLimit(d.readLimit)

	return newWebsocketConn(c), nil
}

// websocketConn pumps frames from a background reader so a read timeout does
// not close the connection.
type websocketConn struct {
	c       *websocket.Conn
	frames  chan []byte
	readErr error
	cancel  context.CancelFunc
	once    sync.Once
}

func newWebsocketConn(c *websocket.Conn) *websocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	w := &websocketConn{
		c:      c,
		frames: make(chan []byte),
		cancel: cancel,
	}
	go w.readLoop(ctx)
	return w
}

func (w *websocketConn) readLoop(ctx context.Context) {
	defer close(w.frames)
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			w.readErr = err
			return
		}

		select {
		case w.frames <- data:
		case <-ctx.Done():
			w.readErr = ctx.Err()
			return
		}
	}
}

func (w *websocketConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-w.frames:
		if !ok {
			return nil, fmt.Errorf("%w: %w", ErrDisconnected, w.readErr)
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *websocketConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *websocketConn) Close() error {
	var err error
	w.once.Do(func() {
		err = w.c.Close(websocket.StatusNormalClosure, "")
		w.cancel()
	})
	return err
}
