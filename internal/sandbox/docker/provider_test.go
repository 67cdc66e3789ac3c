package docker_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/docker"
)

type fakeClient struct {
	pulled     []string
	created    *container.Config
	hostConfig *container.HostConfig
	inspect    container.InspectResponse
	inspectErr error
}

func (f *fakeClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return f.inspect, f.inspectErr
}

func inspectWith(status string, health *container.Health) container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Status: status, Health: health},
		},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge": {IPAddress: "172.17.0.2"},
			},
		},
	}
}

func TestProviderCreate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cli := &fakeClient{}
	p, err := docker.NewProvider(docker.ProviderConfig{Client: cli, DefaultImage: "agent/sandbox:1.0"})
	require.NoError(err)

	sbx, err := p.Create(context.Background(), model.SandboxConfig{
		TopicID:   "topic-1",
		ProjectID: "p1",
		WorkDir:   "/data/p1",
		Env:       map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(err)

	assert.Equal(model.SandboxStatusRunning, sbx.Status)
	assert.Equal([]string{"index.docker.io/agent/sandbox:1.0"}, cli.pulled)
	assert.Equal([]string{"A=1", "B=2"}, cli.created.Env)
	assert.Equal("topic-1", cli.created.Labels[docker.LabelTopicID])
	assert.Equal(sbx.ID, cli.created.Labels[docker.LabelSandboxID])
	assert.Equal([]string{"/data/p1:/data/p1"}, cli.hostConfig.Binds)
}

func TestProviderCreateInvalidImage(t *testing.T) {
	p, err := docker.NewProvider(docker.ProviderConfig{Client: &fakeClient{}})
	require.NoError(t, err)

	_, err = p.Create(context.Background(), model.SandboxConfig{TopicID: "t", WorkDir: "/w", Image: "UPPER/Case::bad"})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestProviderStatus(t *testing.T) {
	tests := map[string]struct {
		inspect      container.InspectResponse
		inspectErr   error
		expStatus    model.SandboxStatus
		expWorkspace model.WorkspaceStatus
		expErr       bool
	}{
		"A running container without health check should be a ready running sandbox.": {
			inspect:      inspectWith("running", nil),
			expStatus:    model.SandboxStatusRunning,
			expWorkspace: model.WorkspaceStatusReady,
		},

		"A running container starting its health check should be initializing.": {
			inspect:      inspectWith("running", &container.Health{Status: "starting"}),
			expStatus:    model.SandboxStatusRunning,
			expWorkspace: model.WorkspaceStatusInitializing,
		},

		"An unhealthy container should report a workspace error.": {
			inspect:      inspectWith("running", &container.Health{Status: "unhealthy"}),
			expStatus:    model.SandboxStatusRunning,
			expWorkspace: model.WorkspaceStatusError,
		},

		"An exited container should be exited.": {
			inspect:      inspectWith("exited", nil),
			expStatus:    model.SandboxStatusExited,
			expWorkspace: model.WorkspaceStatusError,
		},

		"A missing container should be not found.": {
			inspectErr: errors.New("Error response from daemon: No such container: sbxd-x"),
			expStatus:  model.SandboxStatusNotFound,
			expErr:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			p, err := docker.NewProvider(docker.ProviderConfig{Client: &fakeClient{inspect: test.inspect, inspectErr: test.inspectErr}})
			require.NoError(err)

			status, err := p.Status(context.Background(), "x")
			require.NoError(err)
			assert.Equal(test.expStatus, status)

			ws, err := p.WorkspaceStatus(context.Background(), "x")
			if test.expErr {
				assert.ErrorIs(err, model.ErrNotFound)
				return
			}
			require.NoError(err)
			assert.Equal(test.expWorkspace, ws)

			endpoint, err := p.Endpoint(context.Background(), "x")
			require.NoError(err)
			assert.Equal("http://172.17.0.2:8002", endpoint)
		})
	}
}
