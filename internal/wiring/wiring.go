// Package wiring builds the orchestrator object graph from a configuration.
package wiring

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/saashqdev/delightful-sub003/internal/app/batch"
	"github.com/saashqdev/delightful-sub003/internal/app/ingest"
	"github.com/saashqdev/delightful-sub003/internal/app/rollback"
	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/config"
	"github.com/saashqdev/delightful-sub003/internal/eventbus"
	"github.com/saashqdev/delightful-sub003/internal/filestore"
	"github.com/saashqdev/delightful-sub003/internal/filestore/local"
	"github.com/saashqdev/delightful-sub003/internal/lock"
	lockmemory "github.com/saashqdev/delightful-sub003/internal/lock/memory"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/model"
	"github.com/saashqdev/delightful-sub003/internal/notify"
	"github.com/saashqdev/delightful-sub003/internal/queue"
	"github.com/saashqdev/delightful-sub003/internal/sandbox"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/docker"
	sandboxfake "github.com/saashqdev/delightful-sub003/internal/sandbox/fake"
	"github.com/saashqdev/delightful-sub003/internal/sandbox/gateway"
	"github.com/saashqdev/delightful-sub003/internal/session"
	sessionfake "github.com/saashqdev/delightful-sub003/internal/session/fake"
	"github.com/saashqdev/delightful-sub003/internal/storage"
	"github.com/saashqdev/delightful-sub003/internal/storage/memory"
	"github.com/saashqdev/delightful-sub003/internal/storage/sqlite"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Sandbox engines.
const (
	EngineFake   = "fake"
	EngineDocker = "docker"
)

// Options select the backends of the graph.
type Options struct {
	Storage string
	Engine  string
	// SyncBus processes delivered messages before Deliver returns.
	SyncBus bool
	// HTTPClient is used for the sandbox gateway calls.
	HTTPClient *http.Client
}

func (o *Options) defaults() error {
	if o.Storage == "" {
		o.Storage = StorageSQLite
	}
	if o.Engine == "" {
		o.Engine = EngineDocker
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}

	switch o.Storage {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q: %w", o.Storage, model.ErrNotValid)
	}
	switch o.Engine {
	case EngineFake, EngineDocker:
	default:
		return fmt.Errorf("unknown engine %q: %w", o.Engine, model.ErrNotValid)
	}

	return nil
}

// Services is the orchestrator object graph.
type Services struct {
	Repository storage.Repository
	Locker     lock.Locker
	Bus        *eventbus.Bus
	Queue      *queue.Queue
	FileStore  filestore.Service
	Sandboxes  *sandbox.Manager
	Ingest     *ingest.Service
	Batch      *batch.Service
	Rollback   *rollback.Service
	Tasks      *taskrun.Service
	// Close releases the storage.
	Close func() error
}

// Stores is the persistence part of the graph.
type Stores struct {
	Repository storage.Repository
	Batches    storage.BatchRepository
	Queue      storage.QueueRepository
	Locker     lock.Locker
	Close      func() error
}

// NewStores opens the storage backend, the sqlite one applies the pending migrations.
func NewStores(ctx context.Context, cfg config.Config, kind string, logger log.Logger) (*Stores, error) {
	if logger == nil {
		logger = log.Noop
	}

	if kind == StorageMemory {
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create memory repository: %w", err)
		}
		batches, err := memory.NewBatchRepository(memory.BatchRepositoryConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create memory batch repository: %w", err)
		}
		locker, err := lockmemory.NewLocker(lockmemory.LockerConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create memory locker: %w", err)
		}
		return &Stores{
			Repository: repo,
			Batches:    batches,
			Queue:      memory.NewQueueRepository(),
			Locker:     locker,
			Close:      func() error { return nil },
		}, nil
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}
	batches, err := sqlite.NewBatchRepository(sqlite.BatchRepositoryConfig{DB: repo.DB(), Logger: logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create batch repository: %w", err)
	}
	queueRepo, err := sqlite.NewQueueRepository(sqlite.QueueRepositoryConfig{DB: repo.DB(), Logger: logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create queue repository: %w", err)
	}
	locker, err := sqlite.NewLockRepository(sqlite.LockRepositoryConfig{DB: repo.DB(), Logger: logger})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not create lock repository: %w", err)
	}

	return &Stores{
		Repository: repo,
		Batches:    batches,
		Queue:      queueRepo,
		Locker:     locker,
		Close:      repo.Close,
	}, nil
}

func newSandboxBackend(cfg config.Config, engine string, logger log.Logger) (sandbox.Provider, session.Dialer, error) {
	if engine == EngineFake {
		p, err := sandboxfake.NewProvider(sandboxfake.ProviderConfig{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create fake sandbox provider: %w", err)
		}
		return p, sessionfake.NewDialer(sessionfake.NewAgent()), nil
	}

	p, err := docker.NewProvider(docker.ProviderConfig{
		DefaultImage: cfg.Sandbox.Image,
		GatewayPort:  cfg.Sandbox.GatewayPort,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create docker sandbox provider: %w", err)
	}
	return p, session.NewWebsocketDialer(session.WebsocketDialerConfig{}), nil
}

// NewServices builds the whole graph. The returned Close must be called once
// the services are no longer used.
func NewServices(ctx context.Context, cfg config.Config, opts Options, logger log.Logger) (*Services, error) {
	if err := opts.defaults(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if logger == nil {
		logger = log.Noop
	}

	// 1. Persistence and locks.
	st, err := NewStores(ctx, cfg, opts.Storage, logger)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	// 2. Messaging.
	bus, err := eventbus.NewBus(eventbus.BusConfig{Sync: opts.SyncBus, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create event bus: %w", err)
	}
	q, err := queue.NewQueue(queue.QueueConfig{
		Repository: st.Queue,
		Retry:      cfg.Retry.Policy(),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create queue: %w", err)
	}
	store, err := local.NewStore(local.StoreConfig{RootDir: filepath.Join(cfg.DataDir, "objects"), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create file store: %w", err)
	}

	// 3. Sandboxes.
	provider, dialer, err := newSandboxBackend(cfg, opts.Engine, logger)
	if err != nil {
		return nil, err
	}
	sandboxes, err := sandbox.NewManager(sandbox.ManagerConfig{
		Provider:      provider,
		Repository:    st.Repository,
		Image:         cfg.Sandbox.Image,
		Env:           cfg.Sandbox.Env,
		ReadyTimeout:  cfg.Sandbox.ReadyTimeout,
		ReadyInterval: cfg.Sandbox.ReadyInterval,
		CallTimeout:   cfg.Sandbox.CallTimeout,
		StatusRetry:   cfg.Retry.Policy(),
		ProbeFanOut:   cfg.Sandbox.ProbeFanOut,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create sandbox manager: %w", err)
	}
	checkpointer, err := gateway.NewClient(gateway.ClientConfig{
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.Sandbox.CallTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create gateway client: %w", err)
	}

	// 4. Application services.
	ingestSvc, err := ingest.NewService(ingest.ServiceConfig{
		Repository:                 st.Repository,
		Locker:                     st.Locker,
		Publisher:                  bus,
		Notifier:                   notify.NewLogNotifier(logger),
		FileStore:                  store,
		SandboxLockTTL:             cfg.Locks.SandboxTTL,
		TopicLockTTL:               cfg.Locks.TopicTTL,
		FileLockTTL:                cfg.Locks.FileTTL,
		LockWait:                   cfg.Locks.Wait,
		OffloadObjectSizeThreshold: cfg.Offload.ObjectSizeThreshold,
		OffloadMinContentLength:    cfg.Offload.MinContentLength,
		Logger:                     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create ingest service: %w", err)
	}
	bus.Subscribe(eventbus.TypeMessageReady, ingestSvc.HandleEvent)

	batchSvc, err := batch.NewService(batch.ServiceConfig{
		Repository: st.Repository,
		Batches:    st.Batches,
		Locker:     st.Locker,
		Queue:      q,
		FileStore:  store,
		Publisher:  bus,
		LockTTL:    cfg.Locks.BatchTTL,
		LockWait:   cfg.Locks.Wait,
		RecordTTL:  cfg.Batch.RecordTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create batch service: %w", err)
	}

	rollbackSvc, err := rollback.NewService(rollback.ServiceConfig{
		Repository:   st.Repository,
		Locker:       st.Locker,
		Sandboxes:    sandboxes,
		Checkpointer: checkpointer,
		LockTTL:      cfg.Locks.RollbackTTL,
		LockWait:     cfg.Locks.Wait,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create rollback service: %w", err)
	}

	taskSvc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository:     st.Repository,
		Locker:         st.Locker,
		Sandboxes:      sandboxes,
		Ingest:         ingestSvc,
		Dialer:         dialer,
		FileStore:      store,
		AgentUserID:    cfg.AgentUserID,
		SandboxLockTTL: cfg.Locks.StartTTL,
		LockWait:       cfg.Locks.Wait,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		InitTimeout:    cfg.Session.InitTimeout,
		ChatTimeout:    cfg.Session.ChatTimeout,
		TaskTimeout:    cfg.Session.TaskTimeout,
		ReadTimeout:    cfg.Session.ReadTimeout,
		ProcessRetry:   cfg.Retry.Policy(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create task service: %w", err)
	}

	ok = true
	return &Services{
		Repository: st.Repository,
		Locker:     st.Locker,
		Bus:        bus,
		Queue:      q,
		FileStore:  store,
		Sandboxes:  sandboxes,
		Ingest:     ingestSvc,
		Batch:      batchSvc,
		Rollback:   rollbackSvc,
		Tasks:      taskSvc,
		Close:      st.Close,
	}, nil
}
