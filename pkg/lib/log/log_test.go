package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/pkg/lib/log"
)

func TestNewLogrus(t *testing.T) {
	tests := map[string]struct {
		cfg      log.LogrusConfig
		expDebug bool
	}{
		"Debug messages should be written in debug mode.": {
			cfg:      log.LogrusConfig{Debug: true, JSON: true},
			expDebug: true,
		},

		"Debug messages should be dropped by default.": {
			cfg:      log.LogrusConfig{JSON: true},
			expDebug: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var out bytes.Buffer
			test.cfg.Out = &out
			logger := log.NewLogrus(test.cfg).WithValues(log.Kv{"task-id": "t1"})

			logger.Debugf("debug line")
			logger.Infof("info line")

			lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
			if test.expDebug {
				require.Len(lines, 2)
			} else {
				require.Len(lines, 1)
			}

			var entry map[string]any
			require.NoError(json.Unmarshal(lines[len(lines)-1], &entry))
			assert.Equal("info line", entry["msg"])
			assert.Equal("t1", entry["task-id"])
			assert.Equal("sbxd-lib", entry["app"])
		})
	}
}
