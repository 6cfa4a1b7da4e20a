package engine

import (
	"context"
	"time"

	"github.com/roach88/lifeflow/internal/ir"
)

// Storage is the persistence contract the engine runs against.
//
// Every engine operation runs inside one WithTx call: either all of its
// writes commit or none do. Implementations: internal/store (SQLite) and
// internal/store/pgstore (PostgreSQL).
type Storage interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// AppendLog writes an execution log line outside any transaction.
	// Callers treat failures as best-effort.
	AppendLog(ctx context.Context, entry ir.ExecutionLogEntry) error
}

// Tx is the set of reads and writes available inside a transaction.
//
// Lookups of missing rows return an error wrapping ErrNotFound. List
// methods return empty slices, never nil.
type Tx interface {
	// LockInstance takes a transaction-scoped exclusive lock on the
	// instance. Backends that already serialize writers may no-op.
	LockInstance(ctx context.Context, instanceID string) error

	InsertDefinition(ctx context.Context, def *ir.Definition) error
	GetDefinition(ctx context.Context, id string) (*ir.Definition, error)
	// LatestDefinition returns the highest published version for the
	// organization and entity type.
	LatestDefinition(ctx context.Context, orgID, entityType string) (*ir.Definition, error)

	InsertInstance(ctx context.Context, inst *ir.Instance) error
	GetInstance(ctx context.Context, id string) (*ir.Instance, error)
	// UpdateInstance persists status, projection, context, pinned entity
	// version and split epoch.
	UpdateInstance(ctx context.Context, inst *ir.Instance) error

	InsertToken(ctx context.Context, tok *ir.Token) error
	UpdateToken(ctx context.Context, tok *ir.Token) error
	GetToken(ctx context.Context, id string) (*ir.Token, error)
	// ListTokens returns the instance's tokens ordered by creation.
	ListTokens(ctx context.Context, instanceID string) ([]ir.Token, error)
	// CountJoinArrivals counts live tokens of the given epoch sitting on the
	// join node.
	CountJoinArrivals(ctx context.Context, instanceID, joinNodeID string, epoch int64) (int, error)

	// InsertReceipt records r and reports false when its key already exists.
	InsertReceipt(ctx context.Context, r ir.Receipt) (bool, error)

	// InsertStep stores a new step and assigns step.Seq.
	InsertStep(ctx context.Context, step *ir.StepExecution) error
	UpdateStep(ctx context.Context, step *ir.StepExecution) error
	// ListSteps returns the instance's steps ordered by seq.
	ListSteps(ctx context.Context, instanceID string) ([]ir.StepExecution, error)
	CountSteps(ctx context.Context, instanceID string) (int, error)

	InsertOutboxEvent(ctx context.Context, ev *ir.OutboxEvent) error
	// InsertSideEffect reports false when the idempotency key already exists.
	InsertSideEffect(ctx context.Context, fx *ir.SideEffect) (bool, error)

	InsertWait(ctx context.Context, w *ir.WaitRecord) error
	// DueTimers returns waiting timer records due at or before now.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.WaitRecord, error)
	// WaitsByEventKey returns waiting event records registered under key.
	WaitsByEventKey(ctx context.Context, key string) ([]ir.WaitRecord, error)
	// ResumeWait flips a waiting record to resumed and reports whether it
	// was still waiting.
	ResumeWait(ctx context.Context, id string, at time.Time) (bool, error)
	// CancelWaits cancels the waiting records held by the given tokens.
	CancelWaits(ctx context.Context, instanceID string, tokenIDs []string) (int, error)
}
