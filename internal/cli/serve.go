package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/server"
	"github.com/roach88/lifeflow/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	storeFlags
	Addr      string
	NoWorkers bool // serve the API only
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background workers",
		Long: `Serve the admin HTTP API and run the background workers against the
configured store until interrupted:

  engine   claims outbox events and advances instances
  timers   resumes timer waits that are due
  effects  executes webhooks and notifications
  pruner   archives and deletes expired receipts
  stuck    reports running instances that stopped moving

SIGINT or SIGTERM drains in-flight requests and stops every worker.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.NoWorkers, "no-workers", false, "serve the API without background workers")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, opts.RootOptions, formatter, cmd, opts.DB)
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := opts.Addr
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("listen on %s: %v", addr, err), nil)
	}

	wcfg := rt.workerConfig()
	resume := worker.NewResumeScheduler(rt.engine, wcfg, rt.logger)
	srv := &http.Server{
		Handler:           server.New(rt.engine, resume, rt.cfg.Engine.OrgID, rt.logger).SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("HTTP server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if !opts.NoWorkers {
		loops, closeLoops, err := workerLoops(gctx, rt, resume)
		if err != nil {
			stop()
			_ = g.Wait()
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		defer closeLoops()
		for _, l := range loops {
			g.Go(func() error {
				return worker.Run(gctx, l.name, l.interval, l.poll)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, err.Error(), nil)
	}
	rt.logger.Info("shut down")
	return nil
}

// loop is one background worker run by serve.
type loop struct {
	name     string
	interval time.Duration
	poll     worker.PollFunc
}

// workerLoops builds the background workers from the configuration. The
// returned function releases what the workers opened.
func workerLoops(ctx context.Context, rt *runtime, resume *worker.ResumeScheduler) ([]loop, func(), error) {
	cfg := rt.cfg
	wcfg := rt.workerConfig()
	clock := rt.engine.Clock()

	events := worker.NewEngineWorker(rt.engine, rt.backend, wcfg, rt.logger)
	effects := worker.NewIOWorker(rt.backend, clock, wcfg, rt.logger).
		Register(engine.EffectWebhook, worker.NewWebhookExecutor(cfg.Worker.WebhookTimeout)).
		Register(engine.EffectNotification, worker.LogNotifier(rt.logger))
	stuck := worker.NewStuckDetector(rt.backend, cfg.Worker.StuckThreshold, clock, rt.logger)

	closer := func() {}
	pruneOpts := []worker.PrunerOption{
		worker.WithPruneClock(clock),
		worker.WithPruneLogger(rt.logger),
	}
	if cfg.Retention.ArchiveURL != "" {
		bucket, err := worker.OpenArchive(ctx, cfg.Retention.ArchiveURL)
		if err != nil {
			return nil, nil, err
		}
		closer = func() { _ = bucket.Close() }
		pruneOpts = append(pruneOpts, worker.WithArchive(bucket, cfg.Retention.ArchivePrefix))
	}
	pruner, err := worker.NewPruner(rt.backend, cfg.Retention.ReceiptAge, pruneOpts...)
	if err != nil {
		closer()
		return nil, nil, err
	}

	return []loop{
		{"engine", cfg.Worker.PollInterval, events.PollAndProcess},
		{"timers", cfg.Worker.TimerInterval, resume.ProcessDueTimers},
		{"effects", cfg.Worker.PollInterval, effects.PollAndProcessSideEffects},
		{"pruner", cfg.Retention.PruneInterval, pruner.Poll},
		{"stuck", cfg.Worker.StuckInterval, stuck.Poll},
	}, closer, nil
}
