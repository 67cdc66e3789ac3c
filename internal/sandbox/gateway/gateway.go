package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

const rollbackPath = "/api/v1/checkpoints/rollback/"

// ClientConfig is the configuration of the sandbox gateway client.
type ClientConfig struct {
	HTTPClient *http.Client
	// Timeout bounds every gateway call.
	Timeout time.Duration
	Logger  log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Gateway"})
	return nil
}

// Client talks to the HTTP gateway every sandbox exposes.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  log.Logger
}

var _ sandbox.Checkpointer = &Client{}

// NewClient returns a new gateway client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Rollback runs a rollback phase on the sandbox. A response without success is
// returned as a result, transport or status code failures as errors.
func (c *Client) Rollback(ctx context.Context, endpoint string, phase sandbox.RollbackPhase, req sandbox.RollbackRequest) (*model.RollbackResult, error) {
	if !phase.Valid() {
		return nil, fmt.Errorf("unknown rollback phase %q: %w", phase, model.ErrNotValid)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required: %w", model.ErrNotValid)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not encode rollback request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimSuffix(endpoint, "/") + rollbackPath + string(phase)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debugf("Calling rollback %s on %s", phase, url)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rollback %s call failed: %w", phase, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("could not read rollback %s response: %w", phase, err)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rollback %s returned %d: %s: %w", phase, resp.StatusCode, strings.TrimSpace(string(data)), model.ErrRemote)
	}

	var result model.RollbackResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("could not decode rollback %s response: %w", phase, err)
	}

	return &result, nil
}
