package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/eventbus/eventbusmock"
	"github.com/saashqdev/delightful-sub003/internal/filestore/local"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	lockmemory "github.com/saashqdev/delightful-sub003/internal/lock/memory"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/notify"
	"github.com/saashqdev/delightful-sub003/internal/storage/memory"
)

type testEnv struct {
	repo     *memory.Repository
	locker   *lockmemory.Locker
	store    *local.Store
	recorder *notify.Recorder
	svc      *ingest.Service

	mu        sync.Mutex
	completed []eventbus.Event
}

func (e *testEnv) completions() []eventbus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]eventbus.Event(nil), e.completed...)
}

// newTestEnv seeds topic t1 owned by u1 on project p1, using sandbox sbx1 and
// running task1 with the given status.
func newTestEnv(t *testing.T, status model.TaskStatus, publisher eventbus.Publisher) *testEnv {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	locker, err := lockmemory.NewLocker(lockmemory.LockerConfig{})
	require.NoError(err)
	store, err := local.NewStore(local.StoreConfig{RootDir: t.TempDir()})
	require.NoError(err)

	require.NoError(repo.CreateProject(ctx, model.Project{ID: "p1", OwnerID: "u1", WorkDir: "/work/p1"}))
	require.NoError(repo.CreateTopic(ctx, model.Topic{
		ID:               "t1",
		ProjectID:        "p1",
		UserID:           "u1",
		WorkDir:          "/work/p1",
		CurrentSandboxID: "sbx1",
		CurrentTaskID:    "task1",
	}))
	require.NoError(repo.CreateTask(ctx, model.Task{
		ID:        "task1",
		TopicID:   "t1",
		ProjectID: "p1",
		UserID:    "u1",
		SandboxID: "sbx1",
		Status:    status,
	}))

	env := &testEnv{repo: repo, locker: locker, store: store, recorder: &notify.Recorder{}}

	if publisher == nil {
		bus, err := eventbus.NewBus(eventbus.BusConfig{Sync: true})
		require.NoError(err)
		bus.Subscribe(eventbus.TypeTaskCompleted, func(ctx context.Context, e eventbus.Event) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.completed = append(env.completed, e)
			return nil
		})
		bus.Subscribe(eventbus.TypeMessageReady, func(ctx context.Context, e eventbus.Event) error {
			return env.svc.HandleEvent(ctx, e)
		})
		publisher = bus
	}

	svc, err := ingest.NewService(ingest.ServiceConfig{
		Repository:                 repo,
		Locker:                     locker,
		Publisher:                  publisher,
		Notifier:                   env.recorder,
		FileStore:                  store,
		LockWait:                   20 * time.Millisecond,
		OffloadObjectSizeThreshold: 256,
		OffloadMinContentLength:    64,
	})
	require.NoError(err)
	env.svc = svc

	return env
}

func chatEnvelope(msgID string, seq int64, status string) model.Envelope {
	return model.Envelope{
		Metadata: model.Metadata{SandboxID: "sbx1", TaskID: "task1"},
		Payload: model.Payload{
			Type:      model.MessageTypeChat,
			TaskID:    "task1",
			MessageID: msgID,
			SeqID:     seq,
			Status:    status,
			Content:   "working",
			ShowInUI:  true,
		},
	}
}

func TestNewService(t *testing.T) {
	repo, _ := memory.NewRepository(memory.RepositoryConfig{})
	locker, _ := lockmemory.NewLocker(lockmemory.LockerConfig{})
	store, _ := local.NewStore(local.StoreConfig{RootDir: t.TempDir()})
	publisher := &eventbusmock.MockPublisher{}

	tests := map[string]struct {
		cfg    ingest.ServiceConfig
		expErr string
	}{
		"A complete config should be valid.": {
			cfg: ingest.ServiceConfig{Repository: repo, Locker: locker, Publisher: publisher, FileStore: store, Logger: log.Noop},
		},

		"A missing repository should fail.": {
			cfg:    ingest.ServiceConfig{Locker: locker, Publisher: publisher, FileStore: store},
			expErr: "repository is required",
		},

		"A missing locker should fail.": {
			cfg:    ingest.ServiceConfig{Repository: repo, Publisher: publisher, FileStore: store},
			expErr: "locker is required",
		},

		"A missing publisher should fail.": {
			cfg:    ingest.ServiceConfig{Repository: repo, Locker: locker, FileStore: store},
			expErr: "publisher is required",
		},

		"A missing file store should fail.": {
			cfg:    ingest.ServiceConfig{Repository: repo, Locker: locker, Publisher: publisher},
			expErr: "file store is required",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc, err := ingest.NewService(test.cfg)

			if test.expErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), test.expErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}
}

func TestServiceDeliver(t *testing.T) {
	tests := map[string]struct {
		prepare      func(t *testing.T, env *testEnv)
		req          ingest.DeliverRequest
		expErr       error
		expMessageID string
		expStored    bool
	}{
		"A delivery for a known sandbox should be stored and processed.": {
			req: ingest.DeliverRequest{
				SandboxID: "sbx1",
				Envelope:  chatEnvelope("m1", 1, "running"),
			},
			expMessageID: "m1",
			expStored:    true,
		},

		"A delivery without message id should get a generated one.": {
			req: ingest.DeliverRequest{
				SandboxID: "sbx1",
				Envelope:  chatEnvelope("", 1, "running"),
			},
			expStored: true,
		},

		"An out of order delivery should still be accepted.": {
			req: ingest.DeliverRequest{
				SandboxID: "sbx1",
				Envelope:  chatEnvelope("m1", 7, "running"),
			},
			expMessageID: "m1",
			expStored:    true,
		},

		"A delivery for an unknown sandbox should fail.": {
			req: ingest.DeliverRequest{
				SandboxID: "sbx-unknown",
				Envelope:  chatEnvelope("m1", 1, "running"),
			},
			expErr: model.ErrNotFound,
		},

		"A delivery without type should fail.": {
			req: ingest.DeliverRequest{
				SandboxID: "sbx1",
				Envelope:  model.Envelope{Payload: model.Payload{MessageID: "m1"}},
			},
			expErr: model.ErrNotValid,
		},

		"A delivery while the sandbox is locked should fail as busy.": {
			prepare: func(t *testing.T, env *testEnv) {
				ok, err := env.locker.Acquire(context.Background(), lock.SandboxKey("sbx1"), "someone", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			},
			req: ingest.DeliverRequest{
				SandboxID: "sbx1",
				Envelope:  chatEnvelope("m1", 1, "running"),
			},
			expErr: model.ErrBusy,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			env := newTestEnv(t, model.TaskStatusRunning, nil)
			if test.prepare != nil {
				test.prepare(t, env)
			}

			res, err := env.svc.Deliver(ctx, test.req)

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				msgs, err := env.repo.ListMessages(ctx, "t1")
				require.NoError(err)
				assert.Empty(msgs)
				return
			}
			require.NoError(err)
			assert.True(res.Success)
			if test.expMessageID != "" {
				assert.Equal(test.expMessageID, res.MessageID)
			} else {
				assert.True(strings.HasPrefix(res.MessageID, "msg_"), res.MessageID)
			}

			msg, err := env.repo.GetMessage(ctx, "t1", res.MessageID)
			require.NoError(err)
			assert.Equal("task1", msg.TaskID)
			assert.Equal(model.MessageStateNormal, msg.State)

			pending, err := env.repo.ListPendingDeliveries(ctx, 0)
			require.NoError(err)
			assert.Empty(pending)
			assert.Len(env.recorder.Sent(), 1)
		})
	}
}

func TestServiceProcessIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, model.TaskStatusRunning, nil)

	progress := chatEnvelope("m1", 1, "running")
	progress.Payload.Usage = &model.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.1}
	final := chatEnvelope("m2", 2, "finished")
	final.Payload.Usage = &model.Usage{InputTokens: 20, OutputTokens: 5, Cost: 0.2}

	for _, e := range []model.Envelope{progress, final, final} {
		_, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: e})
		require.NoError(err)
	}

	msgs, err := env.repo.ListMessages(ctx, "t1")
	require.NoError(err)
	assert.Len(msgs, 2)

	task, err := env.repo.GetTask(ctx, "task1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFinished, task.Status)
	assert.Equal(int64(30), task.Usage.InputTokens)
	assert.Equal(int64(10), task.Usage.OutputTokens)
	assert.InDelta(0.3, task.Usage.Cost, 0.0001)

	completed := env.completions()
	require.Len(completed, 1)
	assert.Equal("task1", completed[0].TaskID)
	assert.Equal("finished", completed[0].Status)
	assert.Equal("sbx1", completed[0].SandboxID)
}

func TestServiceProcessStatus(t *testing.T) {
	tests := map[string]struct {
		current      model.TaskStatus
		status       string
		expApplied   bool
		expStatus    model.TaskStatus
		expCompleted int
	}{
		"A waiting task should start running.": {
			current:    model.TaskStatusWaiting,
			status:     "running",
			expApplied: true,
			expStatus:  model.TaskStatusRunning,
		},

		"A running task should finish and publish the completion.": {
			current:      model.TaskStatusRunning,
			status:       "FINISHED",
			expApplied:   true,
			expStatus:    model.TaskStatusFinished,
			expCompleted: 1,
		},

		"A running task should fail and publish the completion.": {
			current:      model.TaskStatusRunning,
			status:       "error",
			expApplied:   true,
			expStatus:    model.TaskStatusError,
			expCompleted: 1,
		},

		"A running task should be suspended without completion.": {
			current:    model.TaskStatusRunning,
			status:     "suspended",
			expApplied: true,
			expStatus:  model.TaskStatusSuspended,
		},

		"A finished task should not go back to running.": {
			current:   model.TaskStatusFinished,
			status:    "running",
			expStatus: model.TaskStatusFinished,
		},

		"A suspended task should not finish directly.": {
			current:   model.TaskStatusSuspended,
			status:    "finished",
			expStatus: model.TaskStatusSuspended,
		},

		"An unknown status should be ignored.": {
			current:   model.TaskStatusRunning,
			status:    "done",
			expStatus: model.TaskStatusRunning,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			env := newTestEnv(t, test.current, nil)

			res, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: chatEnvelope("m1", 1, test.status)})
			require.NoError(err)
			assert.True(res.Created)
			assert.Equal(test.expApplied, res.Applied)

			task, err := env.repo.GetTask(ctx, "task1")
			require.NoError(err)
			assert.Equal(test.expStatus, task.Status)
			assert.Len(env.completions(), test.expCompleted)

			// The message is stored even when its status is dropped.
			_, err = env.repo.GetMessage(ctx, "t1", "m1")
			assert.NoError(err)
		})
	}
}

func TestServiceProcessUnknownTypeIsPassthrough(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, model.TaskStatusRunning, nil)
	e := chatEnvelope("m1", 1, "")
	e.Payload.Type = "tool_call"

	_, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: e})
	require.NoError(err)

	msg, err := env.repo.GetMessage(ctx, "t1", "m1")
	require.NoError(err)
	assert.Equal(model.MessageTypeUnknown, msg.Type)
	assert.Equal("tool_call", msg.RawType)
}

func TestServiceProcessBusyTopic(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, model.TaskStatusRunning, nil)
	ok, err := env.locker.Acquire(ctx, lock.TopicKey("t1"), "someone", time.Minute)
	require.NoError(err)
	require.True(ok)

	_, err = env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: chatEnvelope("m1", 1, "finished")})
	require.ErrorIs(err, model.ErrBusy)

	_, err = env.repo.GetMessage(ctx, "t1", "m1")
	require.ErrorIs(err, model.ErrNotFound)
}

func TestServiceProcessAttachments(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, model.TaskStatusRunning, nil)
	_, err := env.store.Put(ctx, "p1/report.md", strings.NewReader("# report"))
	require.NoError(err)
	require.NoError(env.repo.CreateFile(ctx, model.File{ID: "f-known", ProjectID: "p1", Name: "known.txt", Key: "p1/known.txt", Size: 3}))

	for _, id := range []string{"m1", "m2"} {
		e := chatEnvelope(id, 1, "")
		e.Payload.Attachments = []model.Attachment{
			{FileKey: "p1/report.md"},
			{FileKey: "p1/known.txt"},
			{FileName: "no-key.txt"},
		}
		_, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: e})
		require.NoError(err)
	}

	m1, err := env.repo.GetMessage(ctx, "t1", "m1")
	require.NoError(err)
	m2, err := env.repo.GetMessage(ctx, "t1", "m2")
	require.NoError(err)
	require.Len(m1.Attachments, 3)
	require.Len(m2.Attachments, 3)

	// The new file is created once and both messages point to it.
	assert.NotEmpty(m1.Attachments[0].FileID)
	assert.Equal(m1.Attachments[0].FileID, m2.Attachments[0].FileID)
	assert.Equal("report.md", m1.Attachments[0].FileName)
	assert.Equal(int64(8), m1.Attachments[0].FileSize)

	assert.Equal("f-known", m1.Attachments[1].FileID)
	assert.Equal("", m1.Attachments[2].FileID)

	f, err := env.repo.GetFileByKey(ctx, "p1", "p1/report.md")
	require.NoError(err)
	assert.Equal("t1", f.TopicID)
}

func TestServiceProcessOffloadsLargeToolContent(t *testing.T) {
	tests := map[string]struct {
		tool         string
		expOffloaded bool
	}{
		"A large tool payload should be off-loaded.": {
			tool:         `{"name":"shell","content":"` + strings.Repeat("x", 1024) + `"}`,
			expOffloaded: true,
		},

		"A small tool payload should be kept inline.": {
			tool: `{"name":"shell","content":"ls"}`,
		},

		"A big payload with short content should be kept inline.": {
			tool: `{"name":"` + strings.Repeat("n", 1024) + `","content":"ls"}`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			env := newTestEnv(t, model.TaskStatusRunning, nil)
			e := chatEnvelope("m1", 1, "")
			e.Payload.Tool = json.RawMessage(test.tool)

			_, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", Envelope: e})
			require.NoError(err)

			msg, err := env.repo.GetMessage(ctx, "t1", "m1")
			require.NoError(err)

			var ref ingest.OffloadedTool
			require.NoError(json.Unmarshal(msg.Tool, &ref))
			if test.expOffloaded {
				assert.Equal(ingest.ToolObjectKey("t1", "m1"), ref.Key)
				_, err := env.store.Stat(ctx, ref.Key)
				assert.NoError(err)
			} else {
				assert.Empty(ref.Key)
			}

			got, err := env.svc.LoadTool(ctx, *msg)
			require.NoError(err)
			assert.JSONEq(test.tool, string(got))
		})
	}
}

func TestServiceApplyStatus(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	env := newTestEnv(t, model.TaskStatusRunning, nil)

	applied, err := env.svc.ApplyStatus(ctx, ingest.ApplyStatusRequest{TaskID: "task1", Status: model.TaskStatusError, Reason: "sandbox not ready"})
	require.NoError(err)
	assert.True(applied)

	// A second terminal status is dropped.
	applied, err = env.svc.ApplyStatus(ctx, ingest.ApplyStatusRequest{TaskID: "task1", Status: model.TaskStatusFinished})
	require.NoError(err)
	assert.False(applied)

	task, err := env.repo.GetTask(ctx, "task1")
	require.NoError(err)
	assert.Equal(model.TaskStatusError, task.Status)
	assert.Equal("sandbox not ready", task.StatusReason)
	assert.Len(env.completions(), 1)

	sent := env.recorder.Sent()
	require.Len(sent, 1)
	assert.Equal(notify.KindError, sent[0].Kind)
	assert.Equal("u1", sent[0].UserID)
	assert.Equal("sandbox not ready", sent[0].Error)
}

func TestServiceReplayPendingAfterLostEvent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	publisher := eventbusmock.NewMockPublisher(t)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e eventbus.Event) bool {
		return e.Type == eventbus.TypeMessageReady
	})).Once().Return(errors.New("bus down"))
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e eventbus.Event) bool {
		return e.Type == eventbus.TypeTaskCompleted
	})).Once().Return(nil)

	env := newTestEnv(t, model.TaskStatusRunning, publisher)

	res, err := env.svc.Deliver(ctx, ingest.DeliverRequest{SandboxID: "sbx1", Envelope: chatEnvelope("m1", 1, "finished")})
	require.NoError(err)
	assert.True(res.Success)

	pending, err := env.repo.ListPendingDeliveries(ctx, 0)
	require.NoError(err)
	require.Len(pending, 1)

	n, err := env.svc.ReplayPending(ctx, 10)
	require.NoError(err)
	assert.Equal(1, n)

	pending, err = env.repo.ListPendingDeliveries(ctx, 0)
	require.NoError(err)
	assert.Empty(pending)

	task, err := env.repo.GetTask(ctx, "task1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFinished, task.Status)
}

func TestServiceReplayPendingPublishesLostCompletion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	publisher := eventbusmock.NewMockPublisher(t)
	completed := mock.MatchedBy(func(e eventbus.Event) bool {
		return e.Type == eventbus.TypeTaskCompleted && e.TaskID == "task1" && e.Status == string(model.TaskStatusFinished)
	})
	publisher.On("Publish", mock.Anything, completed).Once().Return(errors.New("bus down"))
	publisher.On("Publish", mock.Anything, completed).Once().Return(nil)

	env := newTestEnv(t, model.TaskStatusRunning, publisher)

	_, err := env.svc.Process(ctx, ingest.ProcessRequest{TopicID: "t1", TaskID: "task1", Envelope: chatEnvelope("m1", 1, "finished")})
	require.Error(err)

	task, err := env.repo.GetTask(ctx, "task1")
	require.NoError(err)
	assert.Equal(model.TaskStatusFinished, task.Status)
	assert.True(task.CompletionPending)

	n, err := env.svc.ReplayPending(ctx, 10)
	require.NoError(err)
	assert.Equal(1, n)

	task, err = env.repo.GetTask(ctx, "task1")
	require.NoError(err)
	assert.False(task.CompletionPending)

	// Nothing left to publish.
	n, err = env.svc.ReplayPending(ctx, 10)
	require.NoError(err)
	assert.Equal(0, n)
}
