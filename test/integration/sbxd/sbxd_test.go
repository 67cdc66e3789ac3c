package sbxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/pkg/lib"
	"github.com/saashqdev/delightful-sub003/test/integration/testutils"
)

// seed registers project p1 and topic t1 owned by u1, plus docs/ with two files.
func seed(t *testing.T, dataDir string) {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	client, err := lib.New(ctx, lib.Config{DataDir: dataDir, Engine: lib.EngineFake})
	require.NoError(err)
	defer client.Close()

	require.NoError(client.RegisterProject(ctx, lib.Project{ID: "p1", OwnerID: "u1", WorkDir: "/work/p1"}))
	require.NoError(client.RegisterTopic(ctx, lib.Topic{ID: "t1", ProjectID: "p1", UserID: "u1"}))
	_, err = client.UploadFile(ctx, lib.UploadFileOpts{ID: "d1", ProjectID: "p1", Key: "docs/", IsDir: true}, nil)
	require.NoError(err)
	for _, id := range []string{"f1", "f2"} {
		_, err := client.UploadFile(ctx, lib.UploadFileOpts{ID: id, ProjectID: "p1", ParentID: "d1", Key: "docs/" + id + ".md"}, strings.NewReader(id))
		require.NoError(err)
	}
}

func post(t *testing.T, url string, body any, out any) int {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestIntegrationMigrate(t *testing.T) {
	config := NewConfig(t)
	assert := assert.New(t)
	dataDir := t.TempDir()

	out, err := runCmd(t, config, dataDir, "migrate")
	require.NoError(t, err)
	assert.Contains(out, "Schema at version 5")

	out, err = runCmd(t, config, dataDir, "migrate --down")
	require.NoError(t, err)
	assert.Contains(out, "Schema at version 0")
}

func TestIntegrationServeTaskAndBatch(t *testing.T) {
	config := NewConfig(t)
	assert := assert.New(t)
	require := require.New(t)

	dataDir := t.TempDir()
	seed(t, dataDir)

	srv := testutils.StartServer(t, []string{"SBXD_NO_COLOR=true"}, config.Binary, []string{"--data-dir", dataDir, "--engine", "fake"})

	// 1. Run a task through the API.
	var started struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	code := post(t, srv.URL+"/v1/tasks", map[string]any{"topicId": "t1", "userId": "u1", "prompt": "write a report", "firstTask": true}, &started)
	require.Equal(http.StatusAccepted, code)
	assert.Equal("waiting", started.Status)

	var task struct {
		SandboxID string `json:"sandbox_id"`
		Status    string `json:"status"`
	}
	require.Eventually(func() bool {
		out, err := runCmd(t, config, dataDir, "task-status --format json "+started.TaskID)
		if err != nil {
			return false
		}
		return json.Unmarshal([]byte(out), &task) == nil && task.Status == "finished"
	}, 30*time.Second, 250*time.Millisecond)

	// 2. The sandbox of the task can push messages.
	frame := map[string]any{
		"metadata": map[string]any{},
		"payload":  map[string]any{"type": "chat", "taskId": started.TaskID, "messageId": "late-1", "seqId": 10, "content": "late note"},
	}
	code = post(t, fmt.Sprintf("%s/v1/sandboxes/%s/messages", srv.URL, task.SandboxID), frame, nil)
	assert.Equal(http.StatusAccepted, code)

	// 3. Interrupting a finished task keeps its status.
	var interrupted struct {
		Status string `json:"status"`
	}
	code = post(t, srv.URL+"/v1/tasks/"+started.TaskID+"/interrupt", map[string]any{"userId": "u1"}, &interrupted)
	require.Equal(http.StatusOK, code)
	assert.Equal("finished", interrupted.Status)

	// 4. Delete a directory as a batch and follow it from the CLI.
	var submitted struct {
		BatchKey string `json:"batchKey"`
		Total    int    `json:"total"`
	}
	code = post(t, srv.URL+"/v1/batches", map[string]any{"operation": "delete", "requesterId": "u1", "fileId": "d1"}, &submitted)
	require.Equal(http.StatusAccepted, code)
	assert.Equal(2, submitted.Total)

	require.Eventually(func() bool {
		out, err := runCmd(t, config, dataDir, "batch-status --requester u1 "+submitted.BatchKey)
		return err == nil && strings.Contains(out, "completed")
	}, 30*time.Second, 250*time.Millisecond)

	// 5. A graceful stop.
	assert.NoError(srv.Stop(10 * time.Second))
}

func TestIntegrationCommandErrors(t *testing.T) {
	config := NewConfig(t)

	tests := map[string]struct {
		cmd       string
		expErrMsg string
		expOut    string
	}{
		"An unknown task should fail.": {
			cmd:       "task-status missing",
			expErrMsg: "not found",
		},

		"An unknown batch should be reported as not found.": {
			cmd:    "batch-status --requester u1 batch_delete_u1_0000",
			expOut: "not_found",
		},

		"Probing an unknown topic should fail.": {
			cmd:       "probe missing",
			expErrMsg: "not found",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			out, err := runCmd(t, config, t.TempDir(), test.cmd)

			if test.expErrMsg != "" {
				if assert.Error(err) {
					assert.Contains(err.Error(), test.expErrMsg)
				}
				return
			}
			assert.NoError(err)
			assert.Contains(out, test.expOut)
		})
	}
}
