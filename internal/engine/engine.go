package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/lock"
)

// Locker serializes work on one instance across goroutines or processes.
// The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Engine advances workflow instances against a Storage.
//
// Thread-safety: every exported method is safe for concurrent use. Work on
// one instance is serialized by the Locker and by the storage's
// transaction-scoped instance lock; different instances proceed in parallel.
type Engine struct {
	store           Storage
	registry        *Registry
	locker          Locker
	clock           Clock
	ids             IDGenerator
	logger          *slog.Logger
	compilerVersion string
	quota           *QuotaEnforcer
	autoEnqueue     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the handler registry. Default: DefaultRegistry with
// no rule bridge.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithLocker sets the per-instance locker. Default: an in-process keyed
// mutex, which is enough when one process owns the database.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock sets the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the id source for tokens, steps and queue rows.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCompilerVersion sets the compiler version the engine accepts.
// Default: ir.CompilerVersion.
func WithCompilerVersion(v string) Option {
	return func(e *Engine) { e.compilerVersion = v }
}

// WithMaxSteps sets the per-instance step quota.
//
// Default: 1000 steps (DefaultMaxSteps). Zero disables the quota.
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) { e.quota = NewQuotaEnforcer(maxSteps) }
}

// WithAutoEnqueue controls whether every token that lands on a new node
// gets a workflow_advance outbox event. Default: true. Callers that drive
// instances synchronously (the CLI, the harness) turn it off.
func WithAutoEnqueue(enabled bool) Option {
	return func(e *Engine) { e.autoEnqueue = enabled }
}

// New creates an Engine over store.
func New(store Storage, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		compilerVersion: ir.CompilerVersion,
		quota:           NewQuotaEnforcer(DefaultMaxSteps),
		autoEnqueue:     true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry(RegistryOptions{})
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the engine's storage.
func (e *Engine) Store() Storage {
	return e.store
}

// Clock returns the engine's clock.
func (e *Engine) Clock() Clock {
	return e.clock
}

// NewID returns a fresh id from the engine's generator.
func (e *Engine) NewID() string {
	return e.ids.Generate()
}

// withInstance locks instanceID, opens a transaction and takes the
// storage-level instance lock before calling fn.
func (e *Engine) withInstance(ctx context.Context, instanceID string, fn func(Tx) error) error {
	unlock, err := e.locker.Lock(ctx, "instance:"+instanceID)
	if err != nil {
		return err
	}
	defer unlock()

	return e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockInstance(ctx, instanceID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// appendLog writes an execution log line. Failures are logged and dropped.
func (e *Engine) appendLog(ctx context.Context, entry ir.ExecutionLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.clock.Now()
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("execution log write failed",
			"instance_id", entry.InstanceID,
			"step_id", entry.StepID,
			"error", err,
		)
	}
}
