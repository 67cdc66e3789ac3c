package api_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/api"
	"github.com/saashqdev/delightful-sub003/internal/api/apimock"
	"github.com/saashqdev/delightful-sub003/internal/app/batch"
	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/app/rollback"
	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
)

type mocks struct {
	deliverer *apimock.MockDeliverer
	batches   *apimock.MockBatchService
	rollbacks *apimock.MockRollbackService
	tasks     *apimock.MockTaskRunner
}

func TestHandler(t *testing.T) {
	tests := map[string]struct {
		method     string
		path       string
		body       string
		header     map[string]string
		mock       func(m mocks)
		expCode    int
		expBody    string
		expHeaders map[string]string
	}{
		"Health check should answer ok.": {
			method:  http.MethodGet,
			path:    "/healthz",
			expCode: http.StatusOK,
			expBody: `{"status":"ok"}`,
		},

		"Delivering a message should acknowledge it.": {
			method: http.MethodPost,
			path:   "/v1/sandboxes/sbx1/messages",
			body:   `{"metadata":{"taskId":"task1"},"payload":{"type":"chat","taskId":"task1","messageId":"m1","seqId":3,"status":"running","showInUi":true}}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				exp := ingest.DeliverRequest{
					SandboxID: "sbx1",
					Envelope: model.Envelope{
						Metadata: model.Metadata{TaskID: "task1"},
						Payload:  model.Payload{Type: model.MessageTypeChat, TaskID: "task1", MessageID: "m1", SeqID: 3, Status: "running", ShowInUI: true},
					},
					CorrelationID: "corr-1",
				}
				m.deliverer.On("Deliver", mock.Anything, exp).Once().Return(&ingest.DeliverResult{Success: true, MessageID: "m1"}, nil)
			},
			expCode:    http.StatusAccepted,
			expBody:    `{"success":true,"messageId":"m1"}`,
			expHeaders: map[string]string{api.CorrelationHeader: "corr-1"},
		},

		"Delivering to an unknown sandbox should fail with not found.": {
			method: http.MethodPost,
			path:   "/v1/sandboxes/sbx9/messages",
			body:   `{"payload":{"type":"chat"}}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				m.deliverer.On("Deliver", mock.Anything, mock.Anything).Once().Return(nil, fmt.Errorf("no topic: %w", model.ErrNotFound))
			},
			expCode: http.StatusNotFound,
			expBody: `{"error":"no topic: not found","correlationId":"corr-1"}`,
		},

		"A broken body should be rejected.": {
			method:  http.MethodPost,
			path:    "/v1/sandboxes/sbx1/messages",
			body:    `{"payload":`,
			expCode: http.StatusBadRequest,
		},

		"A busy sandbox should ask to retry.": {
			method: http.MethodPost,
			path:   "/v1/sandboxes/sbx1/messages",
			body:   `{"payload":{"type":"chat"}}`,
			mock: func(m mocks) {
				m.deliverer.On("Deliver", mock.Anything, mock.Anything).Once().Return(nil, model.ErrBusy)
			},
			expCode:    http.StatusServiceUnavailable,
			expHeaders: map[string]string{"Retry-After": "1"},
		},

		"Submitting a directory operation should return the batch key.": {
			method: http.MethodPost,
			path:   "/v1/batches",
			body:   `{"operation":"move","requesterId":"u1","fileId":"d1","targetParentId":"d2"}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				exp := batch.SubmitRequest{Operation: model.BatchOperationMove, RequesterID: "u1", FileID: "d1", TargetParentID: "d2", CorrelationID: "corr-1"}
				m.batches.On("Submit", mock.Anything, exp).Once().Return(&batch.SubmitResult{BatchKey: "batch_move_u1_ab", Status: model.BatchStatusPending, Total: 5}, nil)
			},
			expCode: http.StatusAccepted,
			expBody: `{"batchKey":"batch_move_u1_ab","status":"pending","total":5}`,
		},

		"Submitting a single file operation should return the final state.": {
			method: http.MethodPost,
			path:   "/v1/batches",
			body:   `{"operation":"delete","requesterId":"u1","fileId":"f1"}`,
			mock: func(m mocks) {
				m.batches.On("Submit", mock.Anything, mock.Anything).Once().Return(&batch.SubmitResult{Status: model.BatchStatusCompleted, Total: 1}, nil)
			},
			expCode: http.StatusOK,
			expBody: `{"status":"completed","total":1}`,
		},

		"Querying a batch should return its progress.": {
			method: http.MethodGet,
			path:   "/v1/batches/batch_move_u1_ab?requester=u1",
			mock: func(m mocks) {
				m.batches.On("CheckStatus", mock.Anything, "batch_move_u1_ab", "u1").Once().Return(&model.BatchStatusView{
					Key:      "batch_move_u1_ab",
					Status:   model.BatchStatusRunning,
					Progress: model.BatchProgress{Percentage: 40, Message: "2 of 5 files processed", Total: 5, Completed: 2},
				}, nil)
			},
			expCode: http.StatusOK,
			expBody: `{"batchKey":"batch_move_u1_ab","status":"running","progress":{"percentage":40,"message":"2 of 5 files processed","total":5,"completed":2,"failed":0}}`,
		},

		"Querying a batch without requester should be rejected.": {
			method:  http.MethodGet,
			path:    "/v1/batches/batch_move_u1_ab",
			expCode: http.StatusBadRequest,
		},

		"Querying a batch of another user should be forbidden.": {
			method: http.MethodGet,
			path:   "/v1/batches/batch_move_u1_ab?requester=u2",
			mock: func(m mocks) {
				m.batches.On("CheckStatus", mock.Anything, "batch_move_u1_ab", "u2").Once().Return(nil, model.ErrForbidden)
			},
			expCode: http.StatusForbidden,
		},

		"Starting a rollback should run the phase.": {
			method: http.MethodPost,
			path:   "/v1/topics/t1/rollback/start",
			body:   `{"userId":"u1","targetMessageId":"m2"}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				exp := rollback.Request{TopicID: "t1", UserID: "u1", TargetMessageID: "m2", CorrelationID: "corr-1"}
				m.rollbacks.On("Run", mock.Anything, sandbox.RollbackPhaseStart, exp).Once().Return(&model.RollbackResult{Success: true, Message: "rolling back"}, nil)
			},
			expCode: http.StatusOK,
			expBody: `{"success":true,"message":"rolling back"}`,
		},

		"An unknown rollback phase should be rejected.": {
			method:  http.MethodPost,
			path:    "/v1/topics/t1/rollback/redo",
			body:    `{"userId":"u1"}`,
			expCode: http.StatusBadRequest,
		},

		"A rollback rejected by the sandbox should be a bad gateway.": {
			method: http.MethodPost,
			path:   "/v1/topics/t1/rollback/commit",
			body:   `{"userId":"u1"}`,
			mock: func(m mocks) {
				m.rollbacks.On("Run", mock.Anything, sandbox.RollbackPhaseCommit, mock.Anything).Once().Return(nil, model.ErrRemote)
			},
			expCode: http.StatusBadGateway,
		},

		"Starting a task should return its id.": {
			method: http.MethodPost,
			path:   "/v1/tasks",
			body:   `{"topicId":"t1","userId":"u1","prompt":"build it","firstTask":true}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				exp := taskrun.StartRequest{TopicID: "t1", UserID: "u1", Prompt: "build it", FirstTask: true, CorrelationID: "corr-1"}
				m.tasks.On("Start", mock.Anything, exp).Once().Return(&taskrun.StartResult{TaskID: "task1", Status: model.TaskStatusWaiting}, nil)
			},
			expCode: http.StatusAccepted,
			expBody: `{"taskId":"task1","status":"waiting"}`,
		},

		"Interrupting a task should return its status.": {
			method: http.MethodPost,
			path:   "/v1/tasks/task1/interrupt",
			body:   `{"userId":"u1"}`,
			header: map[string]string{api.CorrelationHeader: "corr-1"},
			mock: func(m mocks) {
				exp := taskrun.InterruptRequest{TaskID: "task1", UserID: "u1", CorrelationID: "corr-1"}
				m.tasks.On("Interrupt", mock.Anything, exp).Once().Return(&taskrun.InterruptResult{Status: model.TaskStatusSuspended}, nil)
			},
			expCode: http.StatusOK,
			expBody: `{"status":"suspended","sent":false}`,
		},

		"A timed out remote call should be a gateway timeout.": {
			method: http.MethodPost,
			path:   "/v1/tasks/task1/interrupt",
			body:   `{"userId":"u1"}`,
			mock: func(m mocks) {
				m.tasks.On("Interrupt", mock.Anything, mock.Anything).Once().Return(nil, &model.ProtocolError{Type: model.MessageTypeInterrupt, Err: model.ErrTimeout})
			},
			expCode: http.StatusGatewayTimeout,
		},

		"An unknown route should not be found.": {
			method:  http.MethodGet,
			path:    "/v1/unknown",
			expCode: http.StatusNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := mocks{
				deliverer: apimock.NewMockDeliverer(t),
				batches:   apimock.NewMockBatchService(t),
				rollbacks: apimock.NewMockRollbackService(t),
				tasks:     apimock.NewMockTaskRunner(t),
			}
			if test.mock != nil {
				test.mock(m)
			}

			h, err := api.NewHandler(api.HandlerConfig{
				Deliverer: m.deliverer,
				Batches:   m.batches,
				Rollbacks: m.rollbacks,
				Tasks:     m.tasks,
			})
			require.NoError(err)

			req := httptest.NewRequest(test.method, test.path, strings.NewReader(test.body))
			for k, v := range test.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(test.expCode, w.Code)
			if test.expBody != "" {
				assert.JSONEq(test.expBody, w.Body.String())
			}
			for k, v := range test.expHeaders {
				assert.Equal(v, w.Header().Get(k))
			}
			assert.NotEmpty(w.Header().Get(api.CorrelationHeader))
		})
	}
}
