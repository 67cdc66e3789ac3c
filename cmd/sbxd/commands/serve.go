package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/saashqdev/delightful-sub003/internal/api"
	"github.com/saashqdev/delightful-sub003/internal/queue"
	"github.com/saashqdev/delightful-sub003/internal/utils/env"
	"github.com/saashqdev/delightful-sub003/internal/wiring"
)

const shutdownTimeout = 30 * time.Second

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddr   string
	storage      string
	sandboxImage string
	sandboxEnv   []string
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the HTTP API, the message processing and the batch worker.")
	c.Cmd.Flag("listen", "HTTP listen address, overrides the configuration.").StringVar(&c.listenAddr)
	c.Cmd.Flag("storage", "Storage backend.").Default(wiring.StorageSQLite).EnumVar(&c.storage, wiring.StorageSQLite, wiring.StorageMemory)
	c.Cmd.Flag("sandbox-image", "Sandbox image, overrides the configuration.").StringVar(&c.sandboxImage)
	c.Cmd.Flag("sandbox-env", "Sandbox env var as KEY=VALUE, or KEY to pass the orchestrator value (repeatable).").StringsVar(&c.sandboxEnv)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if c.listenAddr != "" {
		cfg.HTTPAddress = c.listenAddr
	}
	if c.sandboxImage != "" {
		cfg.Sandbox.Image = c.sandboxImage
	}
	flagEnv, err := env.ParseSpecs(c.sandboxEnv)
	if err != nil {
		return fmt.Errorf("invalid sandbox env: %w", err)
	}
	cfg.Sandbox.Env = env.Merge(cfg.Sandbox.Env, flagEnv)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	svcs, err := wiring.NewServices(ctx, cfg, wiring.Options{Storage: c.storage, Engine: c.rootCmd.Engine}, logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	handler, err := api.NewHandler(api.HandlerConfig{
		Deliverer: svcs.Ingest,
		Batches:   svcs.Batch,
		Rollbacks: svcs.Rollback,
		Tasks:     svcs.Tasks,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API handler: %w", err)
	}

	var g run.Group

	// Stop on parent cancellation.
	{
		stopCtx, stop := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-stopCtx.Done()
				return nil
			},
			func(_ error) { stop() },
		)
	}

	// HTTP API.
	{
		ln, err := net.Listen("tcp", cfg.HTTPAddress)
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", cfg.HTTPAddress, err)
		}
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

		g.Add(
			func() error {
				logger.Infof("HTTP API listening on %s", ln.Addr())
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					logger.Warningf("Could not shut down HTTP server: %s", err)
				}
			},
		)
	}

	// Batch worker.
	{
		wctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				err := svcs.Queue.Consume(wctx, queue.BatchQueue, svcs.Batch.HandleItem)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("batch worker failed: %w", err)
				}
				return nil
			},
			func(_ error) { cancel() },
		)
	}

	// Pending deliveries replay.
	{
		rctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				every(rctx, cfg.Delivery.ReplayInterval, func(ctx context.Context) {
					n, err := svcs.Ingest.ReplayPending(ctx, cfg.Delivery.ReplayLimit)
					if err != nil {
						logger.Errorf("Could not replay pending deliveries: %s", err)
						return
					}
					if n > 0 {
						logger.Infof("%d pending deliveries replayed", n)
					}
				})
				return nil
			},
			func(_ error) { cancel() },
		)
	}

	// Expired batch records sweep.
	{
		sctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				every(sctx, cfg.Batch.SweepInterval, func(ctx context.Context) {
					n, err := svcs.Batch.Sweep(ctx)
					if err != nil {
						logger.Errorf("Could not sweep batch records: %s", err)
						return
					}
					if n > 0 {
						logger.Infof("%d expired batch records removed", n)
					}
				})
				return nil
			},
			func(_ error) { cancel() },
		)
	}

	err = g.Run()

	// Running tasks are failed and in flight events drained before closing storage.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := svcs.Tasks.Shutdown(sctx); serr != nil {
		logger.Warningf("Running tasks did not end in time: %s", serr)
	}
	svcs.Bus.Wait()

	return err
}

// every runs fn on every tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
