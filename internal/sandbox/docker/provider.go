package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

// Container labels set on every sandbox.
const (
	LabelSandboxID = "sbxd.sandbox-id"
	LabelTopicID   = "sbxd.topic-id"
	LabelProjectID = "sbxd.project-id"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// ProviderConfig is the configuration for the Docker provider.
type ProviderConfig struct {
	Client DockerClient
	// DefaultImage is used when the sandbox config has no image.
	DefaultImage string
	// GatewayPort is the port the sandbox gateway listens on inside the container.
	GatewayPort int
	// WorkspaceMount is where the task work dir is mounted, empty uses the work dir path.
	WorkspaceMount string
	Logger         log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.DefaultImage != "" {
		if _, err := ValidateImage(c.DefaultImage); err != nil {
			return err
		}
	}
	if c.GatewayPort == 0 {
		c.GatewayPort = 8002
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Docker"})
	return nil
}

// Provider is the Docker implementation of sandbox.Provider, every sandbox is a container.
type Provider struct {
	client         DockerClient
	defaultImage   string
	gatewayPort    int
	workspaceMount string
	logger         log.Logger
}

var _ sandbox.Provider = &Provider{}

// NewProvider creates a new Docker provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Provider{
		client:         cfg.Client,
		defaultImage:   cfg.DefaultImage,
		gatewayPort:    cfg.GatewayPort,
		workspaceMount: cfg.WorkspaceMount,
		logger:         cfg.Logger,
	}, nil
}

// ValidateImage parses an image reference and returns its fully qualified name.
func ValidateImage(ref string) (string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %s: %w", ref, err, model.ErrNotValid)
	}
	return r.Name(), nil
}

func containerName(id string) string {
	return fmt.Sprintf("sbxd-%s", strings.ToLower(id))
}

// Create pulls the image, then creates and starts a container bound to the task work dir.
func (p *Provider) Create(ctx context.Context, cfg model.SandboxConfig) (*model.Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	img := cfg.Image
	if img == "" {
		img = p.defaultImage
	}
	if img == "" {
		return nil, fmt.Errorf("sandbox image is required: %w", model.ErrNotValid)
	}
	ref, err := ValidateImage(img)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	cname := containerName(id)

	p.logger.Infof("[1/3] Pulling image: %s", ref)
	pullResp, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, pullResp)
	pullResp.Close()

	p.logger.Infof("[2/3] Creating container: %s", cname)
	envVars := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envVars)

	mount := p.workspaceMount
	if mount == "" {
		mount = cfg.WorkDir
	}
	containerConfig := &container.Config{
		Image:      ref,
		Env:        envVars,
		WorkingDir: mount,
		Labels: map[string]string{
			LabelSandboxID: id,
			LabelTopicID:   cfg.TopicID,
			LabelProjectID: cfg.ProjectID,
		},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", cfg.WorkDir, mount)},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cname)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	p.logger.Infof("[3/3] Starting container: %s", resp.ID)
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Infof("Created Docker sandbox: %s (container: %s)", id, resp.ID)
	return &model.Sandbox{
		ID:        id,
		Status:    model.SandboxStatusRunning,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *Provider) inspect(ctx context.Context, id string) (*container.InspectResponse, error) {
	info, err := p.client.ContainerInspect(ctx, containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such container") {
			return nil, fmt.Errorf("container %s: %w", containerName(id), model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerName(id), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, fmt.Errorf("container %s has no state", containerName(id))
	}
	return &info, nil
}

// Status maps the container state into the sandbox status.
func (p *Provider) Status(ctx context.Context, id string) (model.SandboxStatus, error) {
	info, err := p.inspect(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.SandboxStatusNotFound, nil
		}
		return "", err
	}

	switch info.State.Status {
	case "created":
		return model.SandboxStatusCreated, nil
	case "running", "restarting":
		return model.SandboxStatusRunning, nil
	default:
		return model.SandboxStatusExited, nil
	}
}

// WorkspaceStatus uses the container health check, containers without one are
// ready as soon as they run.
func (p *Provider) WorkspaceStatus(ctx context.Context, id string) (model.WorkspaceStatus, error) {
	info, err := p.inspect(ctx, id)
	if err != nil {
		return "", err
	}

	switch info.State.Status {
	case "created", "restarting":
		return model.WorkspaceStatusInitializing, nil
	case "running":
	default:
		return model.WorkspaceStatusError, nil
	}

	if info.State.Health == nil {
		return model.WorkspaceStatusReady, nil
	}
	switch info.State.Health.Status {
	case "healthy":
		return model.WorkspaceStatusReady, nil
	case "unhealthy":
		return model.WorkspaceStatusError, nil
	default:
		return model.WorkspaceStatusInitializing, nil
	}
}

// Endpoint returns the gateway URL on the first container network with an address.
func (p *Provider) Endpoint(ctx context.Context, id string) (string, error) {
	info, err := p.inspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerName(id))
	}

	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for n := range info.NetworkSettings.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if ep := info.NetworkSettings.Networks[n]; ep != nil && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, p.gatewayPort), nil
		}
	}

	return "", fmt.Errorf("container %s has no network address", containerName(id))
}
