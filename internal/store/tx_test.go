package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

var t0 = testutil.Epoch

func seedDefinition(t *testing.T, s *Store, id string, version int) *ir.Definition {
	t.Helper()

	compiled, err := compiler.CompileEffective(compiler.InputFromEnvelope(testutil.LinearEnvelope(), nil))
	require.NoError(t, err)

	def := &ir.Definition{
		ID:          id,
		OrgID:       "org-1",
		EntityType:  "invoice",
		Version:     version,
		Compiled:    compiled,
		PublishedAt: t0,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.InsertDefinition(context.Background(), def)
	}))
	return def
}

func seedInstance(t *testing.T, s *Store, id string) *ir.Instance {
	t.Helper()

	var version int
	require.NoError(t, s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM definitions`).Scan(&version))
	def := seedDefinition(t, s, "def-"+id, version)
	tokenID := id + ":tok"
	inst := &ir.Instance{
		ID:                id,
		OrgID:             "org-1",
		EntityType:        "invoice",
		EntityID:          "inv-1",
		EntityVersion:     1,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            ir.InstanceRunning,
		ActiveTokens:      []string{tokenID},
		CurrentNodes:      []string{ir.StartNodeID},
		Context:           map[string]any{"entity": map[string]any{"amount": 150}},
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx engine.Tx) error {
		if err := tx.InsertInstance(context.Background(), inst); err != nil {
			return err
		}
		return tx.InsertToken(context.Background(), &ir.Token{
			ID:         tokenID,
			InstanceID: id,
			NodeID:     ir.StartNodeID,
			Status:     ir.TokenActive,
			CreatedAt:  t0,
			UpdatedAt:  t0,
		})
	}))
	return inst
}

func inTx(t *testing.T, s *Store, fn func(ctx context.Context, tx engine.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx engine.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func TestDefinition_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	def := seedDefinition(t, s, "def-1", 1)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		got, err := tx.GetDefinition(ctx, "def-1")
		require.NoError(t, err)
		assert.Equal(t, def.OrgID, got.OrgID)
		assert.Equal(t, def.Compiled.Hash, got.Compiled.Hash)
		assert.Equal(t, def.Compiled.TopologicalOrder, got.Compiled.TopologicalOrder)

		node, ok := got.Compiled.Node(testutil.GateNodeID)
		require.True(t, ok)
		cfg, ok := ir.ConfigOf[ir.LifecycleGateConfig](node)
		require.True(t, ok)
		assert.Equal(t, "review", cfg.State)
	})
}

func TestLatestDefinition_HighestVersionWins(t *testing.T) {
	s := createTestStore(t)
	seedDefinition(t, s, "def-1", 1)
	seedDefinition(t, s, "def-2", 2)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		got, err := tx.LatestDefinition(ctx, "org-1", "invoice")
		require.NoError(t, err)
		assert.Equal(t, "def-2", got.ID)
		assert.Equal(t, 2, got.Version)

		_, err = tx.LatestDefinition(ctx, "org-2", "invoice")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestInstance_UpdateAndGet(t *testing.T) {
	s := createTestStore(t)
	inst := seedInstance(t, s, "inst-1")

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		inst.Status = ir.InstanceCompleted
		inst.ActiveTokens = nil
		inst.CurrentNodes = nil
		inst.SplitEpoch = 3
		inst.UpdatedAt = t0.Add(time.Minute)
		require.NoError(t, tx.UpdateInstance(ctx, inst))

		got, err := tx.GetInstance(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, ir.InstanceCompleted, got.Status)
		assert.Equal(t, []string{}, got.ActiveTokens)
		assert.Equal(t, []string{}, got.CurrentNodes)
		assert.Equal(t, int64(3), got.SplitEpoch)
		assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
		assert.Equal(t, map[string]any{"amount": float64(150)}, got.Context["entity"])
	})
}

func TestInstance_NotFound(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		_, err := tx.GetInstance(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, engine.IsNotFound(err))

		err = tx.UpdateInstance(ctx, &ir.Instance{ID: "nope", Status: ir.InstanceRunning})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestTokens_OrderAndJoinArrivals(t *testing.T) {
	s := createTestStore(t)
	seedInstance(t, s, "inst-1")

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		for _, tok := range []ir.Token{
			{ID: "tok-b", NodeID: "sys:join", Status: ir.TokenWaiting, Epoch: 1},
			{ID: "tok-a", NodeID: "sys:join", Status: ir.TokenActive, Epoch: 1},
			{ID: "tok-c", NodeID: "sys:join", Status: ir.TokenCancelled, Epoch: 1},
			{ID: "tok-d", NodeID: "sys:join", Status: ir.TokenActive, Epoch: 2},
		} {
			tok.InstanceID = "inst-1"
			tok.CreatedAt = t0
			tok.UpdatedAt = t0
			require.NoError(t, tx.InsertToken(ctx, &tok))
		}

		tokens, err := tx.ListTokens(ctx, "inst-1")
		require.NoError(t, err)
		ids := make([]string, len(tokens))
		for i, tok := range tokens {
			ids[i] = tok.ID
		}
		assert.Equal(t, []string{"inst-1:tok", "tok-b", "tok-a", "tok-c", "tok-d"}, ids)

		n, err := tx.CountJoinArrivals(ctx, "inst-1", "sys:join", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		tok, err := tx.GetToken(ctx, "tok-a")
		require.NoError(t, err)
		tok.Status = ir.TokenCompleted
		tok.CancelReason = "done"
		require.NoError(t, tx.UpdateToken(ctx, tok))

		got, err := tx.GetToken(ctx, "tok-a")
		require.NoError(t, err)
		assert.Equal(t, ir.TokenCompleted, got.Status)
		assert.Equal(t, "done", got.CancelReason)
	})
}

func TestReceipt_InsertOnce(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		r := ir.Receipt{Key: "k1", Kind: ir.ReceiptStep, InstanceID: "inst-1", CreatedAt: t0}

		inserted, err := tx.InsertReceipt(ctx, r)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertReceipt(ctx, r)
		require.NoError(t, err)
		assert.False(t, inserted)
	})
}

func TestReceipt_RolledBackWithTx(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx engine.Tx) error {
		_, err := tx.InsertReceipt(ctx, ir.Receipt{Key: "k1", Kind: ir.ReceiptStep, CreatedAt: t0})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		inserted, err := tx.InsertReceipt(ctx, ir.Receipt{Key: "k1", Kind: ir.ReceiptStep, CreatedAt: t0})
		require.NoError(t, err)
		assert.True(t, inserted, "receipt from a rolled back tx must not survive")
	})
}

func TestSteps_SeqOrderAndRoundTrip(t *testing.T) {
	s := createTestStore(t)
	seedInstance(t, s, "inst-1")

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		first := &ir.StepExecution{
			ID: "step-1", InstanceID: "inst-1", NodeID: "sys:split", NodeType: ir.NodeParallelSplit,
			TokenID: "tok-1", EntityVersion: 1, IdempotencyKey: "key-1", Status: ir.StepRunning,
			StartedAt: t0.Add(time.Hour), // wall clock runs backwards on purpose
		}
		require.NoError(t, tx.InsertStep(ctx, first))

		second := &ir.StepExecution{
			ID: "step-2", InstanceID: "inst-1", NodeID: "sys:join", NodeType: ir.NodeParallelJoin,
			TokenID: "tok-2", EntityVersion: 1, IdempotencyKey: "key-2", Status: ir.StepRunning,
			StartedAt: t0,
		}
		require.NoError(t, tx.InsertStep(ctx, second))
		assert.Greater(t, second.Seq, first.Seq)

		finished := t0.Add(time.Hour + time.Second)
		first.Status = ir.StepCompleted
		first.ChosenEdges = []string{"e-a", "e-b"}
		first.Output = map[string]any{"branches": 2}
		first.SpawnedTokens = []ir.SpawnedToken{{TokenID: "tok-2", NodeID: "sys:branch:a", EdgeID: "e-a"}}
		first.RetiredTokens = []string{"tok-1"}
		first.FinishedAt = &finished
		first.DurationMs = 1000
		require.NoError(t, tx.UpdateStep(ctx, first))

		steps, err := tx.ListSteps(ctx, "inst-1")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "step-1", steps[0].ID)
		assert.Equal(t, "step-2", steps[1].ID)

		got := steps[0]
		assert.Equal(t, ir.StepCompleted, got.Status)
		assert.Equal(t, []string{"e-a", "e-b"}, got.ChosenEdges)
		assert.Equal(t, first.SpawnedTokens, got.SpawnedTokens)
		assert.Equal(t, []string{"tok-1"}, got.RetiredTokens)
		assert.Equal(t, []string{}, got.CancelledTokens)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(finished))
		assert.Nil(t, steps[1].FinishedAt)

		n, err := tx.CountSteps(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestSideEffect_DuplicateKey(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		fx := &ir.SideEffect{
			ID: "fx-1", InstanceID: "inst-1", StepID: "step-1", EffectType: "webhook",
			Payload: map[string]any{"url": "https://example.test"}, IdempotencyKey: "fx-key",
			Status: ir.DeliveryPending, NextRetryAt: t0, CreatedAt: t0,
		}
		inserted, err := tx.InsertSideEffect(ctx, fx)
		require.NoError(t, err)
		assert.True(t, inserted)

		fx.ID = "fx-2"
		inserted, err = tx.InsertSideEffect(ctx, fx)
		require.NoError(t, err)
		assert.False(t, inserted)
	})
}

func TestWaits_TimersEventsAndCancel(t *testing.T) {
	s := createTestStore(t)
	due := t0.Add(time.Hour)
	later := t0.Add(2 * time.Hour)

	inTx(t, s, func(ctx context.Context, tx engine.Tx) {
		for _, w := range []ir.WaitRecord{
			{ID: "w-late", Kind: ir.WaitTimer, TokenID: "tok-1", ResumeAt: &later},
			{ID: "w-due", Kind: ir.WaitTimer, TokenID: "tok-2", ResumeAt: &due},
			{ID: "w-event", Kind: ir.WaitEvent, TokenID: "tok-3", EventKey: "contract:c1:signed"},
		} {
			w.InstanceID = "inst-1"
			w.NodeID = "sys:wait"
			w.Status = ir.WaitWaiting
			w.CreatedAt = t0
			require.NoError(t, tx.InsertWait(ctx, &w))
		}

		timers, err := tx.DueTimers(ctx, due, 10)
		require.NoError(t, err)
		require.Len(t, timers, 1)
		assert.Equal(t, "w-due", timers[0].ID)

		resumed, err := tx.ResumeWait(ctx, "w-due", due)
		require.NoError(t, err)
		assert.True(t, resumed)
		resumed, err = tx.ResumeWait(ctx, "w-due", due)
		require.NoError(t, err)
		assert.False(t, resumed, "second resume of the same wait must be refused")

		events, err := tx.WaitsByEventKey(ctx, "contract:c1:signed")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "tok-3", events[0].TokenID)

		n, err := tx.CancelWaits(ctx, "inst-1", []string{"tok-1", "tok-3"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		timers, err = tx.DueTimers(ctx, later, 10)
		require.NoError(t, err)
		assert.Empty(t, timers)
	})
}

func TestExecutionLog_AppendAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, ir.ExecutionLogEntry{
		InstanceID: "inst-1", StepID: "step-1", Level: "info", Message: "step completed",
		Data: map[string]any{"node_id": "sys:start"}, CreatedAt: t0,
	}))
	require.NoError(t, s.AppendLog(ctx, ir.ExecutionLogEntry{
		InstanceID: "inst-1", Level: "warn", Message: "step blocked", CreatedAt: t0,
	}))

	entries, err := s.ReadLog(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "step completed", entries[0].Message)
	assert.Equal(t, "sys:start", entries[0].Data["node_id"])
	assert.Equal(t, map[string]any{}, entries[1].Data)
}
