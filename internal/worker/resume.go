package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// ResumeScheduler wakes parked tokens. It never advances them itself: it
// flips the wait to resumed and enqueues a resume event in the same
// transaction, and the EngineWorker does the rest.
type ResumeScheduler struct {
	engine    *engine.Engine
	batchSize int
	logger    *slog.Logger
	metrics   *counters
}

// NewResumeScheduler creates a scheduler over e's storage. A nil logger
// uses slog.Default().
func NewResumeScheduler(e *engine.Engine, cfg Config, logger *slog.Logger) *ResumeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResumeScheduler{
		engine:    e,
		batchSize: cfg.withDefaults().BatchSize,
		logger:    logger.With("worker", "resume"),
		metrics:   newCounters("resume"),
	}
}

// ProcessDueTimers resumes timer waits whose deadline has passed and
// returns how many were resumed.
func (r *ResumeScheduler) ProcessDueTimers(ctx context.Context) (int, error) {
	now := r.engine.Clock().Now()
	var resumed int
	err := r.engine.Store().WithTx(ctx, func(tx engine.Tx) error {
		resumed = 0
		waits, err := tx.DueTimers(ctx, now, r.batchSize)
		if err != nil {
			return err
		}
		for _, w := range waits {
			ok, err := r.resume(ctx, tx, w, nil, now)
			if err != nil {
				return err
			}
			if ok {
				resumed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("process due timers: %w", err)
	}
	return resumed, nil
}

// ResumeByEventKey resumes every token waiting on key. payload is handed
// to the wait node when it completes. Returns how many waits were resumed;
// zero when nothing was waiting.
func (r *ResumeScheduler) ResumeByEventKey(ctx context.Context, key string, payload map[string]any) (int, error) {
	now := r.engine.Clock().Now()
	var resumed int
	err := r.engine.Store().WithTx(ctx, func(tx engine.Tx) error {
		resumed = 0
		waits, err := tx.WaitsByEventKey(ctx, key)
		if err != nil {
			return err
		}
		for _, w := range waits {
			ok, err := r.resume(ctx, tx, w, payload, now)
			if err != nil {
				return err
			}
			if ok {
				resumed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resume event %q: %w", key, err)
	}
	if resumed == 0 {
		r.logger.Debug("no waits for event key", "event_key", key)
	}
	return resumed, nil
}

func (r *ResumeScheduler) resume(ctx context.Context, tx engine.Tx, w ir.WaitRecord, payload map[string]any, now time.Time) (bool, error) {
	if err := tx.LockInstance(ctx, w.InstanceID); err != nil {
		return false, err
	}
	ok, err := tx.ResumeWait(ctx, w.ID, now)
	if err != nil || !ok {
		return false, err
	}
	inst, err := tx.GetInstance(ctx, w.InstanceID)
	if err != nil {
		return false, err
	}
	if inst.Status.IsTerminal() {
		return false, nil
	}

	spec := engine.AdvanceEventSpec(r.engine.NewID(), inst, w.NodeID, w.TokenID, true, payload, now)
	if _, err := engine.WriteOutboxEvent(ctx, tx, spec); err != nil {
		return false, err
	}
	r.metrics.success(ctx)
	r.logger.Info("wait resumed",
		"instance_id", w.InstanceID,
		"node_id", w.NodeID,
		"token_id", w.TokenID,
		"kind", w.Kind,
	)
	return true, nil
}
