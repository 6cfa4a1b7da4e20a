package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// ErrNoExecutor is recorded on side effects whose type has no executor.
var ErrNoExecutor = errors.New("no executor registered")

// Executor performs one side effect. It must tolerate redelivery: the
// effect's IdempotencyKey is stable across attempts.
type Executor interface {
	Execute(ctx context.Context, fx ir.SideEffect) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, fx ir.SideEffect) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, fx ir.SideEffect) error {
	return f(ctx, fx)
}

// IOWorker delivers side effects. Steps only enqueue them; this is the
// only place external I/O happens.
type IOWorker struct {
	queue     SideEffectQueue
	clock     engine.Clock
	cfg       Config
	executors map[string]Executor
	logger    *slog.Logger
	metrics   *counters
}

// NewIOWorker creates a worker with no executors registered. A nil clock
// uses the system clock; a nil logger uses slog.Default().
func NewIOWorker(queue SideEffectQueue, clock engine.Clock, cfg Config, logger *slog.Logger) *IOWorker {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IOWorker{
		queue:     queue,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		executors: map[string]Executor{},
		logger:    logger.With("worker", "io"),
		metrics:   newCounters("io"),
	}
}

// Register sets the executor for effectType. Not safe to call while the
// worker is polling.
func (w *IOWorker) Register(effectType string, ex Executor) *IOWorker {
	w.executors[effectType] = ex
	return w
}

// PollAndProcessSideEffects claims one batch of due side effects and
// executes each. Returns the number claimed.
func (w *IOWorker) PollAndProcessSideEffects(ctx context.Context) (int, error) {
	effects, err := w.queue.ClaimSideEffects(ctx, w.clock.Now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for i, fx := range effects {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := w.execute(ctx, fx); err != nil {
			if ferr := w.fail(ctx, fx, err); ferr != nil {
				return i, ferr
			}
			continue
		}
		if err := w.queue.CompleteSideEffect(ctx, fx.ID, w.clock.Now()); err != nil {
			return i, err
		}
		w.metrics.success(ctx)
		w.logger.Info("side effect delivered",
			"side_effect_id", fx.ID, "effect_type", fx.EffectType, "instance_id", fx.InstanceID)
	}
	return len(effects), nil
}

func (w *IOWorker) execute(ctx context.Context, fx ir.SideEffect) (err error) {
	ex, ok := w.executors[fx.EffectType]
	if !ok {
		return fmt.Errorf("%w for effect type %q", ErrNoExecutor, fx.EffectType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Execute(ctx, fx)
}

func (w *IOWorker) fail(ctx context.Context, fx ir.SideEffect, cause error) error {
	dead := errors.Is(cause, ErrNoExecutor) || fx.Attempts >= w.cfg.MaxAttempts
	next := w.clock.Now().Add(w.cfg.Backoff.Delay(fx.Attempts))
	if err := w.queue.FailSideEffect(ctx, fx.ID, next, cause.Error(), dead); err != nil {
		return err
	}
	if dead {
		w.metrics.deadLetter(ctx)
		w.logger.Error("side effect dead-lettered",
			"side_effect_id", fx.ID, "effect_type", fx.EffectType, "attempts", fx.Attempts, "error", cause)
		return nil
	}
	w.metrics.retry(ctx)
	w.logger.Warn("side effect failed, will retry",
		"side_effect_id", fx.ID, "effect_type", fx.EffectType, "attempts", fx.Attempts,
		"next_retry_at", next, "error", cause)
	return nil
}

// WebhookExecutor delivers webhook side effects over HTTP. The request
// carries the effect's idempotency key in the Idempotency-Key header so
// receivers can drop redeliveries. Any non-2xx response is a failure.
type WebhookExecutor struct {
	Client *http.Client
}

// NewWebhookExecutor returns an executor with a bounded client timeout.
func NewWebhookExecutor(timeout time.Duration) *WebhookExecutor {
	return &WebhookExecutor{Client: &http.Client{Timeout: timeout}}
}

// Execute implements Executor.
func (x *WebhookExecutor) Execute(ctx context.Context, fx ir.SideEffect) error {
	url, _ := fx.Payload["url"].(string)
	if url == "" {
		return errors.New("webhook has no url")
	}
	method, _ := fx.Payload["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if b, ok := fx.Payload["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode webhook body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fx.IdempotencyKey)

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	return nil
}

// LogNotifier delivers notifications by writing them to a logger. It
// stands in for a real channel integration.
func LogNotifier(logger *slog.Logger) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return ExecutorFunc(func(_ context.Context, fx ir.SideEffect) error {
		logger.Info("notification",
			"instance_id", fx.InstanceID,
			"channel", fx.Payload["channel"],
			"recipient", fx.Payload["recipient"],
			"message", fx.Payload["message"],
		)
		return nil
	})
}
