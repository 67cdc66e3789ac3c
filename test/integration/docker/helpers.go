package docker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"

	sbxdocker "github.com/saashqdev/delightful-sub003/internal/sandbox/docker"
)

// Config holds the Docker integration test configuration.
type Config struct {
	// Image must run the sandbox gateway.
	Image string
}

// NewConfig loads the configuration from environment variables, skipping the
// test when Docker integration is not enabled.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "SBXD_INTEGRATION"
		envImage      = "SBXD_INTEGRATION_IMAGE"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}
	c := Config{Image: os.Getenv(envImage)}
	if c.Image == "" {
		t.Skipf("Skipping integration test: %s is not set", envImage)
	}

	return c
}

// dockerHelper looks up sandbox containers by their labels.
type dockerHelper struct {
	client *client.Client
}

func newDockerHelper(t *testing.T) *dockerHelper {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err, "Failed to create Docker client")
	t.Cleanup(func() { _ = cli.Close() })

	return &dockerHelper{client: cli}
}

func (d *dockerHelper) byLabel(t *testing.T, key, value string) []container.Summary {
	t.Helper()

	containers, err := d.client.ContainerList(context.Background(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	require.NoError(t, err, "Failed to list containers")
	return containers
}

// waitForTopicContainer waits until the topic has a sandbox container and returns it.
func (d *dockerHelper) waitForTopicContainer(t *testing.T, topicID string, timeout time.Duration) container.Summary {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cs := d.byLabel(t, sbxdocker.LabelTopicID, topicID); len(cs) > 0 {
			return cs[0]
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("No sandbox container for topic %s within %s", topicID, timeout)
	return container.Summary{}
}

// requireContainerRunning asserts the sandbox container is running.
func (d *dockerHelper) requireContainerRunning(t *testing.T, sandboxID string) {
	t.Helper()

	cs := d.byLabel(t, sbxdocker.LabelSandboxID, sandboxID)
	require.Len(t, cs, 1, "Expected one container for sandbox %s", sandboxID)
	require.Equal(t, "running", cs[0].State, "Expected sandbox %s to be running", sandboxID)
}

// cleanupTopic removes every sandbox container of a topic.
func (d *dockerHelper) cleanupTopic(t *testing.T, topicID string) {
	ctx := context.Background()
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sbxdocker.LabelTopicID+"="+topicID)),
	})
	if err != nil {
		t.Logf("Warning: Failed to list containers during cleanup: %v", err)
		return
	}

	for _, c := range containers {
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			t.Logf("Warning: Failed to remove container %s during cleanup: %v", c.ID, err)
		}
	}
}
