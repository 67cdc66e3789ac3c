package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

// ProviderConfig is the configuration for the fake provider.
type ProviderConfig struct {
	// Endpoint is returned for every sandbox when set, otherwise a fake URL is used.
	Endpoint string
	// ReadyAfter is the number of workspace status calls answering initializing
	// before the workspace is ready.
	ReadyAfter int
	Logger     log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.ReadyAfter < 0 {
		return fmt.Errorf("ready after can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Fake"})
	return nil
}

type fakeSandbox struct {
	sandbox     model.Sandbox
	workspace   model.WorkspaceStatus
	statusCalls int
}

// Provider is a fake sandbox.Provider that simulates sandboxes in memory.
type Provider struct {
	sandboxes  map[string]*fakeSandbox
	endpoint   string
	readyAfter int
	creations  int
	mu         sync.Mutex
	logger     log.Logger
}

var _ sandbox.Provider = &Provider{}

// NewProvider creates a new fake provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{
		sandboxes:  make(map[string]*fakeSandbox),
		endpoint:   cfg.Endpoint,
		readyAfter: cfg.ReadyAfter,
		logger:     cfg.Logger,
	}, nil
}

// Create creates a new running sandbox.
func (p *Provider) Create(ctx context.Context, cfg model.SandboxConfig) (*model.Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := ulid.Make().String()
	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s.sandbox.invalid", id)
	}

	sbx := model.Sandbox{
		ID:        id,
		Status:    model.SandboxStatusRunning,
		Endpoint:  endpoint,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	p.sandboxes[id] = &fakeSandbox{sandbox: sbx, workspace: model.WorkspaceStatusInitializing}
	p.creations++
	p.logger.Infof("Created fake sandbox: %s (topic: %s)", id, cfg.TopicID)

	return &sbx, nil
}

func (p *Provider) Status(ctx context.Context, id string) (model.SandboxStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sandboxes[id]
	if !ok {
		return model.SandboxStatusNotFound, nil
	}
	return s.sandbox.Status, nil
}

func (p *Provider) WorkspaceStatus(ctx context.Context, id string) (model.WorkspaceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sandboxes[id]
	if !ok {
		return "", fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	if s.workspace == model.WorkspaceStatusInitializing {
		s.statusCalls++
		if s.statusCalls > p.readyAfter {
			s.workspace = model.WorkspaceStatusReady
		}
	}
	return s.workspace, nil
}

func (p *Provider) Endpoint(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sandboxes[id]
	if !ok {
		return "", fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}
	return s.sandbox.Endpoint, nil
}

// Register adds an existing sandbox with the given status, used to simulate
// sandboxes created by a previous process.
func (p *Provider) Register(id string, status model.SandboxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s.sandbox.invalid", id)
	}
	p.sandboxes[id] = &fakeSandbox{
		sandbox:   model.Sandbox{ID: id, Status: status, Endpoint: endpoint, CreatedAt: time.Now().UTC()},
		workspace: model.WorkspaceStatusReady,
	}
}

// SetWorkspaceStatus forces the workspace status of a sandbox.
func (p *Provider) SetWorkspaceStatus(id string, status model.WorkspaceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sandboxes[id]; ok {
		s.workspace = status
	}
}

// Exit marks a sandbox as exited.
func (p *Provider) Exit(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sandboxes[id]; ok {
		s.sandbox.Status = model.SandboxStatusExited
	}
}

// Creations returns the number of sandboxes created.
func (p *Provider) Creations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creations
}
