package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/storage/sqlite"
)

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositoryTopicsAndTasks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateTopic(ctx, model.Topic{ID: "topic-1", UserID: "u1", WorkDir: "/w", CreatedAt: now, UpdatedAt: now}))
	err := repo.CreateTopic(ctx, model.Topic{ID: "topic-1", UserID: "u1"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	task := model.Task{
		ID:          "task-1",
		TopicID:     "topic-1",
		Status:      model.TaskStatusWaiting,
		Prompt:      "do it",
		Attachments: []model.Attachment{{FileKey: "a.txt"}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.CreateTask(ctx, task))

	task.Status = model.TaskStatusRunning
	task.SandboxID = "sbx-1"
	task.Usage = model.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.5}
	topic := model.Topic{ID: "topic-1", UserID: "u1", WorkDir: "/w", CurrentSandboxID: "sbx-1", CurrentTaskID: "task-1", UpdatedAt: now}
	require.NoError(t, repo.UpdateTaskWithTopic(ctx, task, topic))

	gotTask, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task, *gotTask)

	gotTopic, err := repo.GetTopicBySandbox(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", gotTopic.CurrentTaskID)
	assert.Equal(t, now, gotTopic.CreatedAt)

	// A missing topic must roll back the task update.
	task.Status = model.TaskStatusFinished
	err = repo.UpdateTaskWithTopic(ctx, task, model.Topic{ID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	gotTask, err = repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, gotTask.Status)
}

func TestRepositoryMessages(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		err := repo.CreateMessage(ctx, model.Message{
			ID:      id,
			TopicID: "topic-1",
			TaskID:  "task-1",
			SeqID:   int64(i + 1),
			Type:    model.MessageTypeChat,
			Steps:   []model.Step{{ID: "s1", Title: "plan", Status: "done"}},
			Tool:    json.RawMessage(`{"name":"shell"}`),
		})
		require.NoError(t, err)
	}

	err := repo.CreateMessage(ctx, model.Message{ID: "m1", TopicID: "topic-1", Type: model.MessageTypeChat})
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	last, err := repo.LastSeqID(ctx, "topic-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	m1, err := repo.GetMessage(ctx, "topic-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStateNormal, m1.State)
	assert.JSONEq(t, `{"name":"shell"}`, string(m1.Tool))
	assert.Len(t, m1.Steps, 1)

	n, err := repo.UpdateMessagesState(ctx, "topic-1", m1.Position, model.MessageStateNormal, model.MessageStateRollback)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.UpdateMessagesState(ctx, "topic-1", 0, model.MessageStateRollback, model.MessageStateNormal)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := repo.ListTaskMessages(ctx, "topic-1", "task-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, model.MessageStateNormal, m.State)
	}
}

func TestRepositoryDeliveries(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now().UTC()

	d := model.Delivery{
		ID:        "dlv_1",
		SandboxID: "sbx-1",
		TopicID:   "topic-1",
		TaskID:    "task-1",
		MessageID: "m1",
		SeqID:     4,
		Envelope:  model.Envelope{Payload: model.Payload{Type: model.MessageTypeChat, MessageID: "m1", SeqID: 4}},
		CreatedAt: now,
	}
	require.NoError(t, repo.CreateDelivery(ctx, d))

	last, err := repo.LastDeliveredSeqID(ctx, "topic-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	pending, err := repo.ListPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].Envelope.Payload.MessageID)

	require.NoError(t, repo.MarkDeliveryProcessed(ctx, "dlv_1"))
	pending, err = repo.ListPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepositoryFiles(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.CreateProject(ctx, model.Project{ID: "p1", OwnerID: "u1"}))
	require.NoError(t, repo.CreateFile(ctx, model.File{ID: "d1", ProjectID: "p1", Name: "dir", Key: "dir/", IsDir: true}))
	require.NoError(t, repo.CreateFile(ctx, model.File{ID: "f2", ProjectID: "p1", ParentID: "d1", Name: "b.txt", Key: "dir/b.txt"}))
	require.NoError(t, repo.CreateFile(ctx, model.File{ID: "f1", ProjectID: "p1", ParentID: "d1", Name: "a.txt", Key: "dir/a.txt"}))

	err := repo.CreateFile(ctx, model.File{ID: "f3", ProjectID: "p1", Key: "dir/a.txt"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	children, err := repo.ListChildren(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "f1", children[0].ID)
	assert.Equal(t, "f2", children[1].ID)

	got, err := repo.GetFileByKey(ctx, "p1", "dir/")
	require.NoError(t, err)
	assert.True(t, got.IsDir)

	require.NoError(t, repo.DeleteFile(ctx, "f1"))
	_, err = repo.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLockRepository(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	locks, err := sqlite.NewLockRepository(sqlite.LockRepositoryConfig{
		DB:  repo.DB(),
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)

	ok, err := locks.Acquire(ctx, "topic:1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.Acquire(ctx, "topic:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = locks.Release(ctx, "topic:1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(11 * time.Second)
	ok, err = locks.Acquire(ctx, "topic:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be taken over")

	ok, err = locks.Release(ctx, "topic:1", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockRepositoryRefresh(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	locks, err := sqlite.NewLockRepository(sqlite.LockRepositoryConfig{
		DB:  repo.DB(),
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)

	ok, err := locks.Acquire(ctx, "dir:1", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Another owner can't extend it.
	ok, err = locks.Refresh(ctx, "dir:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Refreshed by the owner, it outlives the first TTL.
	now = now.Add(8 * time.Second)
	ok, err = locks.Refresh(ctx, "dir:1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(8 * time.Second)
	ok, err = locks.Acquire(ctx, "dir:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "refreshed lock should still be held")

	// Once expired, the lease can't be brought back.
	now = now.Add(3 * time.Second)
	ok, err = locks.Refresh(ctx, "dir:1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueRepository(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	q, err := sqlite.NewQueueRepository(sqlite.QueueRepositoryConfig{DB: repo.DB()})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "batch", []byte("a")))

	it, err := q.Claim(ctx, "batch", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, []byte("a"), it.Payload)
	assert.Equal(t, 1, it.Attempts)

	none, err := q.Claim(ctx, "batch", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Ack(ctx, it.ID))
	assert.ErrorIs(t, q.Ack(ctx, it.ID), model.ErrNotFound)
}

func TestRepositoryListPendingCompletions(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateTopic(ctx, model.Topic{ID: "topic-1", UserID: "u1", WorkDir: "/w"}))
	for i, id := range []string{"task-1", "task-2", "task-3"} {
		require.NoError(t, repo.CreateTask(ctx, model.Task{ID: id, TopicID: "topic-1", Status: model.TaskStatusRunning, CreatedAt: now, UpdatedAt: now.Add(time.Duration(i) * time.Second)}))
	}
	for _, id := range []string{"task-3", "task-1"} {
		task, err := repo.GetTask(ctx, id)
		require.NoError(t, err)
		task.Status = model.TaskStatusFinished
		task.CompletionPending = true
		require.NoError(t, repo.UpdateTask(ctx, *task))
	}

	pending, err := repo.ListPendingCompletions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "task-1", pending[0].ID)
	assert.Equal(t, "task-3", pending[1].ID)
	assert.True(t, pending[0].CompletionPending)

	pending, err = repo.ListPendingCompletions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
