package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sbxdocker "github.com/saashqdev/delightful-sub003/internal/sandbox/docker"
	"github.com/saashqdev/delightful-sub003/pkg/lib"
)

func TestIntegrationDockerSandboxForTask(t *testing.T) {
	config := NewConfig(t)
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()

	dataDir := t.TempDir()
	cfgFile := filepath.Join(dataDir, "sbxd.yaml")
	data := fmt.Sprintf("sandbox:\n  image: %s\n  ready_timeout: 60s\n", config.Image)
	require.NoError(os.WriteFile(cfgFile, []byte(data), 0o644))

	topicID := "it-" + filepath.Base(dataDir)
	dh := newDockerHelper(t)
	t.Cleanup(func() { dh.cleanupTopic(t, topicID) })

	client, err := lib.New(ctx, lib.Config{DataDir: dataDir, ConfigFile: cfgFile, Engine: lib.EngineDocker})
	require.NoError(err)
	defer client.Close()

	require.NoError(client.RegisterProject(ctx, lib.Project{ID: "p1", OwnerID: "u1", WorkDir: t.TempDir()}))
	require.NoError(client.RegisterTopic(ctx, lib.Topic{ID: topicID, ProjectID: "p1", UserID: "u1"}))

	task, err := client.StartTask(ctx, lib.StartTaskOpts{TopicID: topicID, UserID: "u1", Prompt: "list the files", FirstTask: true})
	require.NoError(err)

	// The sandbox container is created for the topic whatever the agent answers.
	c := dh.waitForTopicContainer(t, topicID, 2*time.Minute)
	sandboxID := c.Labels[sbxdocker.LabelSandboxID]
	assert.NotEmpty(sandboxID)
	assert.Equal("p1", c.Labels[sbxdocker.LabelProjectID])
	dh.requireContainerRunning(t, sandboxID)

	// The topic points to the sandbox once its workspace is ready.
	require.Eventually(func() bool {
		probes, err := client.ProbeTopics(ctx, []string{topicID})
		return err == nil && len(probes) == 1 && probes[0].SandboxID == sandboxID
	}, 90*time.Second, time.Second)

	_, err = client.InterruptTask(ctx, task.ID, "u1")
	assert.NoError(err)
}
