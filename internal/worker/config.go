package worker

import (
	"context"
	"time"

	"github.com/roach88/lifeflow/internal/ir"
)

// Config tunes a claiming worker.
type Config struct {
	// BatchSize caps the rows claimed per poll.
	BatchSize int
	// MaxAttempts dead-letters a row once it has been claimed this often.
	MaxAttempts int
	// Lease is how long a claimed row stays invisible to other workers.
	Lease   time.Duration
	Backoff Backoff
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:   10,
		MaxAttempts: 5,
		Lease:       5 * time.Minute,
		Backoff:     Backoff{Base: time.Second, Max: 5 * time.Minute},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// OutboxQueue is the claim side of the outbox table.
type OutboxQueue interface {
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ir.OutboxEvent, error)
	CompleteOutbox(ctx context.Context, id string, at time.Time) error
	FailOutbox(ctx context.Context, id string, nextRetry time.Time, lastErr string, dead bool) error
}

// SideEffectQueue is the claim side of the side-effect table.
type SideEffectQueue interface {
	ClaimSideEffects(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ir.SideEffect, error)
	CompleteSideEffect(ctx context.Context, id string, at time.Time) error
	FailSideEffect(ctx context.Context, id string, nextRetry time.Time, lastErr string, dead bool) error
}

// ReceiptStore lists and deletes prunable receipts.
type ReceiptStore interface {
	PrunableReceipts(ctx context.Context, before time.Time, limit int) ([]ir.Receipt, error)
	DeleteReceipts(ctx context.Context, keys []string) (int, error)
}

// InstanceScanner finds running instances that have not moved lately.
type InstanceScanner interface {
	StaleInstances(ctx context.Context, before time.Time, limit int) ([]ir.Instance, error)
}
