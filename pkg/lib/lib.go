package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/client-go/util/homedir"

	"github.com/saashqdev/delightful-sub003/internal/config"
	"github.com/saashqdev/delightful-sub003/internal/log"
	"github.com/saashqdev/delightful-sub003/internal/queue"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

const (
	defaultDataDir = ".sbxd"
	defaultDBFile  = "sbxd.db"
	shutdownWait   = 30 * time.Second
)

// Config configures the SDK client.
//
// All fields are optional. An empty Config{} uses ~/.sbxd for data, a SQLite
// database on it and Docker sandboxes.
type Config struct {
	// DataDir is the base directory for the database and the object store.
	// Default: ~/.sbxd.
	DataDir string

	// DBPath is the SQLite database path.
	// Default: <DataDir>/sbxd.db.
	DBPath string

	// ConfigFile is an optional YAML configuration with the same format as the
	// daemon one. Unset values keep their defaults.
	ConfigFile string

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger

	// Engine selects the sandbox engine.
	// Default: [EngineDocker].
	Engine EngineType

	// Storage selects where the orchestrator state is kept.
	// Default: [StorageSQLite].
	Storage StorageType
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home := homedir.HomeDir()
		if home == "" {
			return fmt.Errorf("could not get user home dir: %w", ErrNotValid)
		}
		c.DataDir = filepath.Join(home, defaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, defaultDBFile)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	if c.Engine == "" {
		c.Engine = EngineDocker
	}

	if c.Storage == "" {
		c.Storage = StorageSQLite
	}

	return nil
}

func (c Config) load(ctx context.Context) (config.Config, error) {
	cfg := config.Default()
	if c.ConfigFile != "" {
		repo := config.NewYAMLRepository(os.DirFS(filepath.Dir(c.ConfigFile)))
		loaded, err := repo.GetConfig(ctx, filepath.Base(c.ConfigFile))
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if cfg.DataDir == "" {
		cfg.DataDir = c.DataDir
	}
	cfg.DBPath = c.DBPath

	return cfg, nil
}

// Client is the main SDK entry point.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	svcs    *wiring.Services
	logger  log.Logger
	stop    context.CancelFunc
	workers sync.WaitGroup
	once    sync.Once
}

// New creates a new SDK client and starts its background batch worker.
//
// The caller must call [Client.Close] when done. Typically used with defer:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appCfg, err := cfg.load(ctx)
	if err != nil {
		return nil, mapError(fmt.Errorf("could not load configuration: %w", err))
	}

	// Delivered messages are processed before Deliver returns.
	svcs, err := wiring.NewServices(ctx, appCfg, wiring.Options{
		Storage: string(cfg.Storage),
		Engine:  string(cfg.Engine),
		SyncBus: true,
	}, cfg.Logger)
	if err != nil {
		return nil, mapError(err)
	}

	wctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		svcs:   svcs,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "lib.Client"}),
		stop:   stop,
	}

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		if err := svcs.Queue.Consume(wctx, queue.BatchQueue, svcs.Batch.HandleItem); err != nil {
			c.logger.Errorf("Batch worker stopped: %s", err)
		}
	}()

	return c, nil
}

// Close stops the background work, waits for the running tasks and releases
// the storage. After Close returns, the client must not be used.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.stop()
		c.workers.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if serr := c.svcs.Tasks.Shutdown(ctx); serr != nil {
			c.logger.Warningf("Running tasks did not stop in time: %s", serr)
		}
		c.svcs.Bus.Wait()

		err = c.svcs.Close()
	})
	return err
}

// ReplayPending processes the deliveries that were stored but not processed,
// for example after a crash, and returns how many were processed.
func (c *Client) ReplayPending(ctx context.Context, limit int) (int, error) {
	n, err := c.svcs.Ingest.ReplayPending(ctx, limit)
	return n, mapError(err)
}

// SweepBatches removes the expired batch records and returns how many were removed.
func (c *Client) SweepBatches(ctx context.Context) (int, error) {
	n, err := c.svcs.Batch.Sweep(ctx)
	return n, mapError(err)
}
