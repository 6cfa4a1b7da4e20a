package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

// memEffects is an in-memory SideEffectQueue. Claims ignore leases.
type memEffects struct {
	mu   sync.Mutex
	rows map[string]*ir.SideEffect
}

func newMemEffects(effects ...ir.SideEffect) *memEffects {
	q := &memEffects{rows: map[string]*ir.SideEffect{}}
	for i := range effects {
		fx := effects[i]
		fx.Status = ir.DeliveryPending
		q.rows[fx.ID] = &fx
	}
	return q
}

func (q *memEffects) ClaimSideEffects(_ context.Context, now time.Time, _ time.Duration, limit int) ([]ir.SideEffect, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []ir.SideEffect
	for _, fx := range q.rows {
		if len(out) == limit {
			break
		}
		if fx.Status != ir.DeliveryPending && fx.Status != ir.DeliveryFailed {
			continue
		}
		if fx.NextRetryAt.After(now) {
			continue
		}
		fx.Status = ir.DeliveryProcessing
		fx.Attempts++
		out = append(out, *fx)
	}
	return out, nil
}

func (q *memEffects) CompleteSideEffect(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[id].Status = ir.DeliveryDelivered
	q.rows[id].DeliveredAt = &at
	return nil
}

func (q *memEffects) FailSideEffect(_ context.Context, id string, next time.Time, lastErr string, dead bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	fx := q.rows[id]
	fx.Status = ir.DeliveryFailed
	if dead {
		fx.Status = ir.DeliveryDead
	}
	fx.NextRetryAt = next
	fx.LastError = lastErr
	return nil
}

func (q *memEffects) get(id string) ir.SideEffect {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.rows[id]
}

func TestIOWorker_Webhook(t *testing.T) {
	var (
		gotKey  string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	clock := testutil.NewManualClock()
	q := newMemEffects(ir.SideEffect{
		ID:             "fx-1",
		EffectType:     engine.EffectWebhook,
		IdempotencyKey: "key-1",
		Payload:        map[string]any{"url": srv.URL, "method": "POST", "body": map[string]any{"status": "paid"}},
		NextRetryAt:    clock.Now(),
	})
	w := NewIOWorker(q, clock, Config{}, nil).
		Register(engine.EffectWebhook, NewWebhookExecutor(5*time.Second))

	n, err := w.PollAndProcessSideEffects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ir.DeliveryDelivered, q.get("fx-1").Status)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, map[string]any{"status": "paid"}, gotBody)
}

func TestIOWorker_RetryThenDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	clock := testutil.NewManualClock()
	q := newMemEffects(ir.SideEffect{
		ID:          "fx-1",
		EffectType:  engine.EffectWebhook,
		Payload:     map[string]any{"url": srv.URL},
		NextRetryAt: clock.Now(),
	})
	cfg := Config{MaxAttempts: 2, Backoff: Backoff{Base: time.Minute, Max: time.Hour}}
	w := NewIOWorker(q, clock, cfg, nil).
		Register(engine.EffectWebhook, NewWebhookExecutor(5*time.Second))

	_, err := w.PollAndProcessSideEffects(ctx)
	require.NoError(t, err)
	fx := q.get("fx-1")
	assert.Equal(t, ir.DeliveryFailed, fx.Status)
	assert.Contains(t, fx.LastError, "unexpected status 502")
	assert.Equal(t, clock.Now().Add(time.Minute), fx.NextRetryAt)

	n, err := w.PollAndProcessSideEffects(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	clock.Advance(time.Minute)
	_, err = w.PollAndProcessSideEffects(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.DeliveryDead, q.get("fx-1").Status)
}

func TestIOWorker_MissingExecutorAndPanic(t *testing.T) {
	clock := testutil.NewManualClock()
	q := newMemEffects(
		ir.SideEffect{ID: "fx-sms", EffectType: "sms", NextRetryAt: clock.Now()},
		ir.SideEffect{ID: "fx-boom", EffectType: "boom", NextRetryAt: clock.Now()},
	)
	w := NewIOWorker(q, clock, Config{}, nil).
		Register("boom", ExecutorFunc(func(context.Context, ir.SideEffect) error { panic("kaboom") }))

	n, err := w.PollAndProcessSideEffects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sms := q.get("fx-sms")
	assert.Equal(t, ir.DeliveryDead, sms.Status)
	assert.Contains(t, sms.LastError, ErrNoExecutor.Error())

	boom := q.get("fx-boom")
	assert.Equal(t, ir.DeliveryFailed, boom.Status)
	assert.Contains(t, boom.LastError, "kaboom")
}

func TestWebhookExecutor_NoURL(t *testing.T) {
	err := NewWebhookExecutor(time.Second).Execute(context.Background(), ir.SideEffect{Payload: map[string]any{}})
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	err := LogNotifier(nil).Execute(context.Background(), ir.SideEffect{
		Payload: map[string]any{"channel": "email", "recipient": "ann@example.com"},
	})
	assert.NoError(t, err)
}
