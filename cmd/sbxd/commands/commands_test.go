package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

func TestDecodeEnvelope(t *testing.T) {
	expEnv := &model.Envelope{
		Metadata: model.Metadata{SandboxID: "sbx1", TaskID: "task1"},
		Payload: model.Payload{
			Type:      model.MessageTypeChat,
			TaskID:    "task1",
			MessageID: "m1",
			SeqID:     3,
			Status:    "running",
			Content:   "hello",
			ShowInUI:  true,
		},
	}

	tests := map[string]struct {
		data   string
		expEnv *model.Envelope
		expErr bool
	}{
		"A JSON envelope should be decoded.": {
			data:   `{"metadata":{"sandboxId":"sbx1","taskId":"task1"},"payload":{"type":"chat","taskId":"task1","messageId":"m1","seqId":3,"status":"running","content":"hello","showInUi":true}}`,
			expEnv: expEnv,
		},
		"A YAML envelope should use the JSON field names.": {
			data: `
metadata:
  sandboxId: sbx1
  taskId: task1
payload:
  type: chat
  taskId: task1
  messageId: m1
  seqId: 3
  status: running
  content: hello
  showInUi: true
`,
			expEnv: expEnv,
		},
		"An empty input should fail.": {
			data:   "  \n",
			expErr: true,
		},
		"A broken document should fail.": {
			data:   "payload: [",
			expErr: true,
		},
		"A wrong field type should fail.": {
			data:   `{"payload":{"seqId":"three"}}`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			gotEnv, err := decodeEnvelope([]byte(test.data))

			if test.expErr {
				assert.ErrorIs(err, model.ErrNotValid)
				return
			}
			require.NoError(err)
			assert.Equal(test.expEnv, gotEnv)
		})
	}
}

func TestRootCommandLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sbxd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: /from/file.db\nsession:\n  chat_timeout: 90s\n"), 0o644))

	tests := map[string]struct {
		root      RootCommand
		expDBPath string
		expDir    string
		expChat   time.Duration
		expErr    bool
	}{
		"Without file the db should live in the data dir.": {
			root:      RootCommand{DataDir: "/data"},
			expDBPath: "/data/sbxd.db",
			expDir:    "/data",
			expChat:   60 * time.Second,
		},
		"The file should override the defaults.": {
			root:      RootCommand{DataDir: "/data", ConfigPath: cfgPath},
			expDBPath: "/from/file.db",
			expDir:    "/data",
			expChat:   90 * time.Second,
		},
		"The db path flag should override the file.": {
			root:      RootCommand{DataDir: "/data", ConfigPath: cfgPath, DBPath: "/from/flag.db"},
			expDBPath: "/from/flag.db",
			expDir:    "/data",
			expChat:   90 * time.Second,
		},
		"A missing file should fail.": {
			root:   RootCommand{DataDir: "/data", ConfigPath: filepath.Join(dir, "missing.yaml")},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			cfg, err := test.root.LoadConfig(context.Background())

			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expDBPath, cfg.DBPath)
			assert.Equal(test.expDir, cfg.DataDir)
			assert.Equal(test.expChat, cfg.Session.ChatTimeout)
		})
	}
}
