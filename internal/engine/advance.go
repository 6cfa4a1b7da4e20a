package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/projection"
)

// ResumeSuffix is appended to the node id when deriving the step key of a
// timer or event wake-up, so the wake-up never collides with the step that
// parked the token.
const ResumeSuffix = "#resume"

// AdvanceRequest asks the engine to drive one token through one node.
type AdvanceRequest struct {
	InstanceID string
	NodeID     string
	TokenID    string

	// EntityVersion is the version of the entity the caller observed.
	// Zero means the version pinned on the instance.
	EntityVersion int64

	// Entity replaces the instance's entity snapshot when non-nil.
	Entity map[string]any
	Actor  map[string]any

	Resume        bool
	ResumePayload map[string]any
}

// AdvanceResult reports what one advancement did.
type AdvanceResult struct {
	InstanceID     string            `json:"instance_id"`
	StepID         string            `json:"step_id,omitempty"`
	Status         ir.StepStatus     `json:"status"`
	ChosenEdges    []string          `json:"chosen_edges,omitempty"`
	Output         map[string]any    `json:"output,omitempty"`
	Error          string            `json:"error,omitempty"`
	InstanceStatus ir.InstanceStatus `json:"instance_status"`
	ActiveTokens   []string          `json:"active_tokens"`
	CurrentNodes   []string          `json:"current_nodes"`
}

// AdvanceWorkflow drives req.TokenID through req.NodeID.
//
// The whole advancement runs in one transaction under the instance lock.
// A step key that was seen before makes the call a no-op reporting
// StepSkipped. Handler errors and panics become failed steps; structural
// problems (missing rows, terminal instance, stale compile, stable-region
// drift, malformed request) are returned as *EngineError and roll the
// transaction back.
func (e *Engine) AdvanceWorkflow(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if req.InstanceID == "" || req.NodeID == "" || req.TokenID == "" {
		return nil, invalidRequest(req.InstanceID, "instance, node and token ids are required")
	}

	var a *advancement
	err := e.withInstance(ctx, req.InstanceID, func(tx Tx) error {
		a = &advancement{e: e, tx: tx, req: req, now: e.clock.Now()}
		return a.run(ctx)
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range a.logs {
		e.appendLog(ctx, entry)
	}
	return a.result, nil
}

// advancement carries the state of one AdvanceWorkflow transaction.
type advancement struct {
	e   *Engine
	tx  Tx
	req AdvanceRequest
	now time.Time

	inst     *ir.Instance
	compiled *ir.CompiledWorkflow
	node     ir.Node
	token    *ir.Token
	step     *ir.StepExecution
	version  int64
	env      *dsl.Env
	failed   bool
	landed   []*ir.Token
	result   *AdvanceResult
	logs     []ir.ExecutionLogEntry
}

func (a *advancement) run(ctx context.Context) error {
	if err := a.load(ctx); err != nil {
		return err
	}

	nodeKey := a.node.ID
	if a.req.Resume {
		nodeKey += ResumeSuffix
	}
	key := ir.StepIdempotencyKey(a.inst.ID, nodeKey, a.req.TokenID, a.version)
	inserted, err := a.tx.InsertReceipt(ctx, ir.Receipt{
		Key:        key,
		Kind:       ir.ReceiptStep,
		InstanceID: a.inst.ID,
		CreatedAt:  a.now,
	})
	if err != nil {
		return fmt.Errorf("insert step receipt: %w", err)
	}
	if !inserted {
		a.e.logger.Debug("duplicate advancement skipped",
			"instance_id", a.inst.ID,
			"node_id", a.node.ID,
			"token_id", a.req.TokenID,
		)
		a.result = a.snapshot(ir.StepSkipped)
		return nil
	}

	tok, err := a.tx.GetToken(ctx, a.req.TokenID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(a.inst.ID, "token %s not found", a.req.TokenID)
		}
		return fmt.Errorf("get token: %w", err)
	}
	if tok.InstanceID != a.inst.ID {
		return invalidRequest(a.inst.ID, "token %s belongs to instance %s", tok.ID, tok.InstanceID)
	}
	a.token = tok

	a.step = &ir.StepExecution{
		ID:             a.e.ids.Generate(),
		InstanceID:     a.inst.ID,
		NodeID:         a.node.ID,
		NodeType:       a.node.Type,
		TokenID:        tok.ID,
		EntityVersion:  a.version,
		IdempotencyKey: key,
		Status:         ir.StepRunning,
		ChosenEdges:    []string{},
		StartedAt:      a.now,
	}

	// A token retired by a join or cancellation may still be re-driven by
	// a queued event; that is recorded and otherwise ignored.
	if !tok.Status.IsLive() {
		a.step.Status = ir.StepSkipped
		a.step.Output = map[string]any{"reason": "token " + string(tok.Status)}
		if err := a.tx.InsertStep(ctx, a.step); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		return a.finish(ctx)
	}
	if err := a.checkToken(); err != nil {
		return err
	}

	if err := a.tx.InsertStep(ctx, a.step); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	if a.compiled.IsStableRegion(a.node.ID) && a.version != a.inst.EntityVersion {
		return NewStableRegionDriftError(a.inst.ID, a.node.ID, a.inst.EntityVersion, a.version)
	}
	if a.req.Entity != nil {
		a.inst.Context["entity"] = a.req.Entity
	}

	res, err := a.dispatch(ctx)
	if err != nil {
		return err
	}
	if err := a.apply(ctx, res); err != nil {
		return err
	}
	return a.finish(ctx)
}

func (a *advancement) load(ctx context.Context) error {
	inst, err := a.tx.GetInstance(ctx, a.req.InstanceID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(a.req.InstanceID, "instance %s not found", a.req.InstanceID)
		}
		return fmt.Errorf("get instance: %w", err)
	}
	if inst.Status.IsTerminal() {
		return NewTerminalError(inst.ID, inst.Status)
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	a.inst = inst

	def, err := a.tx.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(inst.ID, "definition %s not found", inst.DefinitionID)
		}
		return fmt.Errorf("get definition: %w", err)
	}
	if def.Compiled.CompilerVersion != a.e.compilerVersion {
		return NewStaleCompileError(inst.ID, def.Compiled.CompilerVersion, a.e.compilerVersion)
	}
	a.compiled = def.Compiled

	node, ok := a.compiled.Node(a.req.NodeID)
	if !ok {
		return notFound(inst.ID, "node %s not found in definition %s", a.req.NodeID, def.ID)
	}
	a.node = node

	a.version = a.req.EntityVersion
	if a.version == 0 {
		a.version = inst.EntityVersion
	}
	return nil
}

func (a *advancement) checkToken() error {
	tok := a.token
	if tok.NodeID != a.node.ID {
		return invalidRequest(a.inst.ID, "token %s is at %s, not %s", tok.ID, tok.NodeID, a.node.ID)
	}
	if a.req.Resume && tok.Status != ir.TokenWaiting {
		return invalidRequest(a.inst.ID, "token %s is not waiting", tok.ID)
	}
	if tok.Status == ir.TokenWaiting && !a.req.Resume && parksOnWait(a.node.Type) {
		return invalidRequest(a.inst.ID, "token %s is waiting at %s; only a wake-up may resume it", tok.ID, a.node.ID)
	}
	return nil
}

// parksOnWait reports node types whose waiting tokens move only on resume.
func parksOnWait(t ir.NodeType) bool {
	return t == ir.NodeWaitTimer || t == ir.NodeWaitEvent || t == ir.NodeApproval
}

func (a *advancement) dispatch(ctx context.Context) (*StepResult, error) {
	if err := a.e.quota.Check(a.inst.ID, a.countSteps(ctx)); err != nil {
		a.e.logger.Error("max steps quota exceeded",
			"instance_id", a.inst.ID,
			"limit", a.e.quota.MaxSteps(),
		)
		return Failed("%s", err.Error()), nil
	}

	h, ok := a.e.registry.Get(a.node.Type)
	if !ok {
		return nil, notFound(a.inst.ID, "no handler registered for node type %s", a.node.Type)
	}

	tokens, err := a.tx.ListTokens(ctx, a.inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	entity, _ := a.inst.Context["entity"].(map[string]any)
	a.env = &dsl.Env{
		Entity:  entity,
		Context: a.inst.Context,
		Actor:   a.req.Actor,
		Tokens: map[string]any{
			"current": a.token.ID,
			"epoch":   a.token.Epoch,
			"active":  countLive(tokens),
		},
	}

	sc := &StepContext{
		StepID:        a.step.ID,
		Instance:      a.inst,
		Node:          a.node,
		Token:         a.token,
		Compiled:      a.compiled,
		EntityVersion: a.version,
		Actor:         a.req.Actor,
		Env:           a.env,
		Now:           a.now,
		Resume:        a.req.Resume,
		ResumePayload: a.req.ResumePayload,
	}
	res := a.execute(ctx, h, sc)

	if res.Status == ir.StepCompleted && len(res.ChosenEdges) == 0 {
		res.ChosenEdges = ResolveEdges(a.compiled, a.node.ID, a.env)
	}
	for _, id := range res.ChosenEdges {
		if !slices.Contains(a.compiled.Outgoing[a.node.ID], id) {
			return Failed("edge %s is not an outgoing edge of %s", id, a.node.ID), nil
		}
	}
	return res, nil
}

func (a *advancement) countSteps(ctx context.Context) int {
	n, err := a.tx.CountSteps(ctx, a.inst.ID)
	if err != nil {
		a.e.logger.Warn("count steps failed", "instance_id", a.inst.ID, "error", err)
		return 0
	}
	return n
}

// execute runs the handler, converting errors and panics into failed results.
func (a *advancement) execute(ctx context.Context, h Handler, sc *StepContext) (res *StepResult) {
	defer func() {
		if r := recover(); r != nil {
			a.e.logger.Error("handler panicked",
				"instance_id", a.inst.ID,
				"node_id", a.node.ID,
				"step_id", a.step.ID,
				"panic", r,
			)
			res = Failed("handler panicked: %v", r)
		}
	}()

	out, err := h.Execute(ctx, sc)
	if err != nil {
		return Failed("%s", err.Error())
	}
	if out == nil {
		return Completed(nil)
	}
	if out.Status == "" {
		out.Status = ir.StepCompleted
	}
	return out
}

// apply records the handler's result and moves tokens.
func (a *advancement) apply(ctx context.Context, res *StepResult) error {
	a.step.Status = res.Status
	a.step.Output = res.Output
	a.step.Error = res.Error
	if res.ChosenEdges != nil {
		a.step.ChosenEdges = res.ChosenEdges
	}

	if res.Status == ir.StepFailed {
		a.failed = true
		return nil
	}

	if err := a.writeSideEffects(ctx, res.SideEffects); err != nil {
		return err
	}
	if len(res.ContextUpdates) > 0 {
		maps.Copy(a.inst.Context, res.ContextUpdates)
	}

	if res.Wait != nil {
		return a.park(ctx, res.Wait)
	}

	switch res.Status {
	case ir.StepPending:
		a.token.Status = ir.TokenWaiting
	case ir.StepSkipped:
		a.token.Status = ir.TokenCompleted
	case ir.StepCancelled:
		a.token.Status = ir.TokenCancelled
		if _, err := a.tx.CancelWaits(ctx, a.inst.ID, []string{a.token.ID}); err != nil {
			return fmt.Errorf("cancel waits: %w", err)
		}
	case ir.StepCompleted:
		switch a.node.Type {
		case ir.NodeEnd:
			a.token.Status = ir.TokenCompleted
		case ir.NodeParallelSplit:
			return a.split(ctx)
		case ir.NodeParallelJoin:
			return a.join(ctx)
		default:
			a.move()
		}
	}
	return nil
}

func (a *advancement) writeSideEffects(ctx context.Context, effects []SideEffectRequest) error {
	for _, fx := range effects {
		key, err := ir.SideEffectIdempotencyKey(a.step.ID, fx.Type, fx.Payload)
		if err != nil {
			return fmt.Errorf("side effect key: %w", err)
		}
		row := &ir.SideEffect{
			ID:             a.e.ids.Generate(),
			InstanceID:     a.inst.ID,
			StepID:         a.step.ID,
			EffectType:     fx.Type,
			Payload:        fx.Payload,
			IdempotencyKey: key,
			Status:         ir.DeliveryPending,
			NextRetryAt:    a.now,
			CreatedAt:      a.now,
		}
		if _, err := a.tx.InsertSideEffect(ctx, row); err != nil {
			return fmt.Errorf("insert side effect: %w", err)
		}
	}
	return nil
}

// park turns the step pending and registers the wait record.
func (a *advancement) park(ctx context.Context, w *WaitRequest) error {
	a.step.Status = ir.StepPending
	if a.step.Output == nil {
		a.step.Output = map[string]any{}
	}
	rec := &ir.WaitRecord{
		ID:            a.e.ids.Generate(),
		InstanceID:    a.inst.ID,
		NodeID:        a.node.ID,
		TokenID:       a.token.ID,
		Kind:          w.Kind,
		EntityVersion: a.version,
		Status:        ir.WaitWaiting,
		CreatedAt:     a.now,
	}
	switch w.Kind {
	case ir.WaitTimer:
		at := w.ResumeAt
		rec.ResumeAt = &at
		a.step.Output[MarkerWaitTimer] = at.Format(time.RFC3339)
	case ir.WaitEvent:
		rec.EventKey = w.EventKey
		a.step.Output[MarkerWaitEvent] = w.EventKey
	}
	if err := a.tx.InsertWait(ctx, rec); err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	a.token.Status = ir.TokenWaiting
	return nil
}

// move sends the token along the first chosen edge, or completes it when
// the node has nowhere to go.
func (a *advancement) move() {
	if len(a.step.ChosenEdges) == 0 {
		a.token.Status = ir.TokenCompleted
		return
	}
	edge, _ := a.compiled.Edge(a.step.ChosenEdges[0])
	a.token.NodeID = edge.Target
	a.token.Status = ir.TokenActive
	a.landed = append(a.landed, a.token)
}

func (a *advancement) split(ctx context.Context) error {
	a.inst.SplitEpoch++
	for i, edgeID := range a.step.ChosenEdges {
		edge, _ := a.compiled.Edge(edgeID)
		child := &ir.Token{
			ID:            a.e.ids.Generate(),
			InstanceID:    a.inst.ID,
			NodeID:        edge.Target,
			Status:        ir.TokenActive,
			ParentTokenID: a.token.ID,
			SpawnNodeID:   a.node.ID,
			PathIndex:     i,
			Epoch:         a.inst.SplitEpoch,
			CreatedAt:     a.now,
			UpdatedAt:     a.now,
		}
		if err := a.tx.InsertToken(ctx, child); err != nil {
			return fmt.Errorf("insert child token: %w", err)
		}
		a.step.SpawnedTokens = append(a.step.SpawnedTokens, ir.SpawnedToken{
			TokenID: child.ID,
			NodeID:  child.NodeID,
			EdgeID:  edgeID,
		})
		a.landed = append(a.landed, child)
	}
	a.token.Status = ir.TokenCompleted
	return nil
}

func (a *advancement) finish(ctx context.Context) error {
	if a.step.Status != ir.StepPending {
		done := a.now
		a.step.FinishedAt = &done
		a.step.DurationMs = done.Sub(a.step.StartedAt).Milliseconds()
	}
	a.token.UpdatedAt = a.now
	if err := a.tx.UpdateToken(ctx, a.token); err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if err := a.tx.UpdateStep(ctx, a.step); err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	tokens, err := a.tx.ListTokens(ctx, a.inst.ID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	p := projection.Compute(tokens, a.compiled, a.failed)
	a.inst.ActiveTokens = p.ActiveTokens
	a.inst.CurrentNodes = p.CurrentNodes
	a.inst.Status = p.Status
	a.inst.UpdatedAt = a.now

	if a.e.autoEnqueue && p.Status == ir.InstanceRunning {
		for _, t := range a.landed {
			spec := AdvanceEventSpec(a.e.ids.Generate(), a.inst, t.NodeID, t.ID, false, nil, a.now)
			if _, err := WriteOutboxEvent(ctx, a.tx, spec); err != nil {
				return err
			}
		}
	}

	if err := a.tx.UpdateInstance(ctx, a.inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	a.e.logger.Info("step recorded",
		"instance_id", a.inst.ID,
		"node_id", a.node.ID,
		"token_id", a.token.ID,
		"step_id", a.step.ID,
		"status", a.step.Status,
		"instance_status", a.inst.Status,
	)
	a.logs = append(a.logs, ir.ExecutionLogEntry{
		InstanceID: a.inst.ID,
		StepID:     a.step.ID,
		Level:      logLevel(a.step.Status),
		Message:    fmt.Sprintf("%s %s", a.node.ID, a.step.Status),
		Data: map[string]any{
			"node_type":    string(a.node.Type),
			"token_id":     a.token.ID,
			"chosen_edges": a.step.ChosenEdges,
		},
		CreatedAt: a.now,
	})

	a.result = a.snapshot(a.step.Status)
	a.result.StepID = a.step.ID
	a.result.ChosenEdges = a.step.ChosenEdges
	a.result.Output = a.step.Output
	a.result.Error = a.step.Error
	return nil
}

func (a *advancement) snapshot(status ir.StepStatus) *AdvanceResult {
	return &AdvanceResult{
		InstanceID:     a.inst.ID,
		Status:         status,
		InstanceStatus: a.inst.Status,
		ActiveTokens:   slices.Clone(a.inst.ActiveTokens),
		CurrentNodes:   slices.Clone(a.inst.CurrentNodes),
	}
}

func logLevel(s ir.StepStatus) string {
	if s == ir.StepFailed {
		return "error"
	}
	return "info"
}

func countLive(tokens []ir.Token) int {
	n := 0
	for _, t := range tokens {
		if t.Status.IsLive() {
			n++
		}
	}
	return n
}
