package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/retry"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/sandboxmock"
	"github.com/saashqdev/delightful-sub003/internal/storage/memory"
)

func newManager(t *testing.T, p sandbox.Provider, repo *memory.Repository) *sandbox.Manager {
	t.Helper()
	m, err := sandbox.NewManager(sandbox.ManagerConfig{
		Provider:      p,
		Repository:    repo,
		ReadyTimeout:  50 * time.Millisecond,
		ReadyInterval: time.Millisecond,
		StatusRetry:   retry.None,
		Logger:        log.Noop,
	})
	require.NoError(t, err)
	return m
}

func TestManagerEnsureReady(t *testing.T) {
	tests := map[string]struct {
		currentSandbox string
		mock           func(m *sandboxmock.MockProvider)
		expSandboxID   string
		expCreated     bool
		expErr         error
	}{
		"A running sandbox should be reused without creating a new one.": {
			currentSandbox: "sbx-1",
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Status", mock.Anything, "sbx-1").Once().Return(model.SandboxStatusRunning, nil)
			},
			expSandboxID: "sbx-1",
		},

		"A not found sandbox should be replaced by exactly one new sandbox.": {
			currentSandbox: "sbx-1",
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Status", mock.Anything, "sbx-1").Once().Return(model.SandboxStatusNotFound, nil)
				m.On("Create", mock.Anything, mock.MatchedBy(func(c model.SandboxConfig) bool {
					return c.TopicID == "topic-1" && c.WorkDir == "/task/wd" && c.ProjectID == "p1"
				})).Once().Return(&model.Sandbox{ID: "sbx-2"}, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusInitializing, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusReady, nil)
			},
			expSandboxID: "sbx-2",
			expCreated:   true,
		},

		"An exited sandbox should be replaced.": {
			currentSandbox: "sbx-1",
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Status", mock.Anything, "sbx-1").Once().Return(model.SandboxStatusExited, nil)
				m.On("Create", mock.Anything, mock.Anything).Once().Return(&model.Sandbox{ID: "sbx-2"}, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusReady, nil)
			},
			expSandboxID: "sbx-2",
			expCreated:   true,
		},

		"A failing status query should recreate the sandbox.": {
			currentSandbox: "sbx-1",
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Status", mock.Anything, "sbx-1").Once().Return(model.SandboxStatus(""), errors.New("connection refused"))
				m.On("Create", mock.Anything, mock.Anything).Once().Return(&model.Sandbox{ID: "sbx-2"}, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusReady, nil)
			},
			expSandboxID: "sbx-2",
			expCreated:   true,
		},

		"Without a recorded sandbox a new one should be created.": {
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Create", mock.Anything, mock.Anything).Once().Return(&model.Sandbox{ID: "sbx-2"}, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusReady, nil)
			},
			expSandboxID: "sbx-2",
			expCreated:   true,
		},

		"A workspace error should fail fast.": {
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Create", mock.Anything, mock.Anything).Once().Return(&model.Sandbox{ID: "sbx-2"}, nil)
				m.On("WorkspaceStatus", mock.Anything, "sbx-2").Once().Return(model.WorkspaceStatusError, nil)
			},
			expErr: model.ErrRemote,
		},

		"A creation failure should be an operational failure.": {
			mock: func(m *sandboxmock.MockProvider) {
				m.On("Create", mock.Anything, mock.Anything).Once().Return(nil, errors.New("quota exceeded"))
			},
			expErr: errors.New("quota exceeded"),
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			require.NoError(repo.CreateTopic(ctx, model.Topic{ID: "topic-1", ProjectID: "p1", UserID: "u1", WorkDir: "/topic/wd", CurrentSandboxID: test.currentSandbox}))
			require.NoError(repo.CreateTask(ctx, model.Task{ID: "task-1", TopicID: "topic-1", WorkDir: "/task/wd", Status: model.TaskStatusWaiting}))

			mp := sandboxmock.NewMockProvider(t)
			test.mock(mp)

			res, err := newManager(t, mp, repo).EnsureReady(ctx, sandbox.EnsureRequest{TopicID: "topic-1", TaskID: "task-1"})
			if test.expErr != nil {
				var serr *model.SandboxError
				require.ErrorAs(err, &serr)
				if errors.Is(test.expErr, model.ErrRemote) {
					assert.ErrorIs(err, model.ErrRemote)
					assert.Equal("sbx-2", serr.SandboxID)
					assert.Equal(string(model.WorkspaceStatusError), serr.LastStatus)
				}
				return
			}
			require.NoError(err)
			assert.Equal(test.expSandboxID, res.SandboxID)
			assert.Equal(test.expCreated, res.Created)

			task, err := repo.GetTask(ctx, "task-1")
			require.NoError(err)
			assert.Equal(test.expSandboxID, task.SandboxID)
			topic, err := repo.GetTopic(ctx, "topic-1")
			require.NoError(err)
			assert.Equal(test.expSandboxID, topic.CurrentSandboxID)
			assert.Equal("task-1", topic.CurrentTaskID)
		})
	}
}

func TestManagerWaitUntilReadyTimeout(t *testing.T) {
	mp := sandboxmock.NewMockProvider(t)
	mp.On("WorkspaceStatus", mock.Anything, "sbx-1").Return(model.WorkspaceStatusInitializing, nil)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	err = newManager(t, mp, repo).WaitUntilReady(context.Background(), "sbx-1", 20*time.Millisecond, time.Millisecond)

	var serr *model.SandboxError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, "initializing", serr.LastStatus)
	assert.GreaterOrEqual(t, serr.Elapsed, 20*time.Millisecond)
}

func TestManagerProbeStatuses(t *testing.T) {
	mp := sandboxmock.NewMockProvider(t)
	mp.On("Status", mock.Anything, "a").Return(model.SandboxStatusRunning, nil)
	mp.On("Status", mock.Anything, "b").Return(model.SandboxStatusExited, nil)
	mp.On("Status", mock.Anything, "c").Return(model.SandboxStatus(""), errors.New("boom"))

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	res, err := newManager(t, mp, repo).ProbeStatuses(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, model.SandboxStatusRunning, res[0].Status)
	assert.Equal(t, model.SandboxStatusExited, res[1].Status)
	assert.Error(t, res[2].Err)
	assert.Equal(t, "c", res[2].SandboxID)
}
