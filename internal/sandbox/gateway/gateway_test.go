package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/gateway"
)

func TestClientRollback(t *testing.T) {
	tests := map[string]struct {
		phase     sandbox.RollbackPhase
		status    int
		body      string
		expResult *model.RollbackResult
		expErr    error
	}{
		"A successful phase should return the sandbox result.": {
			phase:     sandbox.RollbackPhaseStart,
			status:    http.StatusOK,
			body:      `{"success":true,"message":"started"}`,
			expResult: &model.RollbackResult{Success: true, Message: "started"},
		},

		"A rejected check should be returned as a result.": {
			phase:     sandbox.RollbackPhaseCheck,
			status:    http.StatusOK,
			body:      `{"success":false,"message":"no checkpoint"}`,
			expResult: &model.RollbackResult{Success: false, Message: "no checkpoint"},
		},

		"An error status code should fail as remote error.": {
			phase:  sandbox.RollbackPhaseCommit,
			status: http.StatusConflict,
			body:   `rollback not started`,
			expErr: model.ErrRemote,
		},

		"An unknown phase should fail without calling the sandbox.": {
			phase:  "redo",
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var gotPath string
			var gotReq sandbox.RollbackRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				_ = json.NewDecoder(r.Body).Decode(&gotReq)
				w.WriteHeader(test.status)
				_, _ = w.Write([]byte(test.body))
			}))
			defer srv.Close()

			c, err := gateway.NewClient(gateway.ClientConfig{})
			require.NoError(err)

			res, err := c.Rollback(context.Background(), srv.URL+"/", test.phase, sandbox.RollbackRequest{SandboxID: "sbx-1", TargetMessageID: "m3"})
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)
			assert.Equal(test.expResult, res)
			assert.Equal("/api/v1/checkpoints/rollback/"+string(test.phase), gotPath)
			assert.Equal("m3", gotReq.TargetMessageID)
		})
	}
}
