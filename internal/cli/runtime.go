package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/config"
	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/lock"
	"github.com/roach88/lifeflow/internal/logging"
	"github.com/roach88/lifeflow/internal/store"
	"github.com/roach88/lifeflow/internal/store/pgstore"
	"github.com/roach88/lifeflow/internal/worker"
)

// Backend is everything the CLI needs from a store: the engine contract,
// the worker queues and the read-only inspection calls.
type Backend interface {
	engine.Storage
	worker.OutboxQueue
	worker.SideEffectQueue
	worker.ReceiptStore
	worker.InstanceScanner

	ReadLog(ctx context.Context, instanceID string) ([]ir.ExecutionLogEntry, error)
	ListSideEffects(ctx context.Context, instanceID string) ([]ir.SideEffect, error)
	Close() error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*pgstore.Store)(nil)
)

// openBackend opens the store selected by cfg.
func openBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.Open(cfg.Path)
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.Driver)
	}
}

// runtime is an opened configuration: logger, store and engine.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend Backend
	engine  *engine.Engine
	redis   redis.UniversalClient
}

// newRuntime loads configuration, opens the store and builds the engine.
// A non-empty db selects that SQLite file regardless of the store
// settings. Failures are reported through formatter and returned as exit
// errors.
func newRuntime(ctx context.Context, opts *RootOptions, formatter *OutputFormatter, cmd *cobra.Command, db string) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	if db != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = db
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(cmd.ErrOrStderr(), level, cfg.Log.Format)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	slog.SetDefault(logger)

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("open %s store: %v", cfg.Store.Driver, err), nil)
	}
	formatter.VerboseLog("Opened %s store", cfg.Store.Driver)

	rt := &runtime{cfg: cfg, logger: logger, backend: backend}
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithAutoEnqueue(true),
	}
	if cfg.Lock.RedisAddr != "" {
		rt.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.Lock.RedisAddr}})
		engineOpts = append(engineOpts, engine.WithLocker(lock.NewRedisLocker(rt.redis, lock.WithTTL(cfg.Lock.TTL))))
		formatter.VerboseLog("Using Redis instance lock at %s", cfg.Lock.RedisAddr)
	}
	rt.engine = engine.New(backend, engineOpts...)
	return rt, nil
}

// workerConfig maps the worker settings onto worker.Config.
func (r *runtime) workerConfig() worker.Config {
	w := r.cfg.Worker
	return worker.Config{
		BatchSize:   w.BatchSize,
		MaxAttempts: w.MaxAttempts,
		Lease:       w.Lease,
		Backoff:     worker.Backoff{Base: w.BackoffBase, Max: w.BackoffMax},
	}
}

// orgID returns override when set, the configured organization otherwise.
func (r *runtime) orgID(override string) string {
	if override != "" {
		return override
	}
	return r.cfg.Engine.OrgID
}

func (r *runtime) Close() error {
	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	errs = append(errs, r.backend.Close())
	return errors.Join(errs...)
}

// failEngine reports an engine error, keeping its code in the details.
func failEngine(formatter *OutputFormatter, err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		code := ErrCodeEngine
		if ee.Code == engine.ErrCodeNotFound {
			code = ErrCodeNotFound
		}
		return formatter.Fail(ExitFailure, code, ee.Error(), map[string]any{"engine_code": ee.Code})
	}
	return formatter.Fail(ExitFailure, ErrCodeEngine, err.Error(), nil)
}
