package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
)

// Side-effect types produced by the enqueue-only handlers.
const (
	EffectWebhook      = "webhook"
	EffectNotification = "notification"
)

// RegistryOptions configures DefaultRegistry.
type RegistryOptions struct {
	// Rules backs rule nodes. Without it rule steps fail.
	Rules RuleBridge
	// Scripts runs script nodes. Defaults to a fresh LuaEnv.
	Scripts *LuaEnv
}

// DefaultRegistry returns a registry with a handler for every node type.
func DefaultRegistry(opts RegistryOptions) *Registry {
	scripts := opts.Scripts
	if scripts == nil {
		scripts = NewLuaEnv()
	}
	return NewRegistry().
		Register(ir.NodeStart, HandlerFunc(passThrough)).
		Register(ir.NodeEnd, HandlerFunc(passThrough)).
		Register(ir.NodeLifecycleGate, HandlerFunc(lifecycleGate)).
		Register(ir.NodePolicyGate, HandlerFunc(policyGate)).
		Register(ir.NodeAction, HandlerFunc(action)).
		Register(ir.NodeApproval, HandlerFunc(approval)).
		Register(ir.NodeCondition, HandlerFunc(condition)).
		Register(ir.NodeParallelSplit, HandlerFunc(parallelSplit)).
		Register(ir.NodeParallelJoin, HandlerFunc(passThrough)).
		Register(ir.NodeWaitTimer, HandlerFunc(waitTimer)).
		Register(ir.NodeWaitEvent, HandlerFunc(waitEvent)).
		Register(ir.NodeWebhookOut, enqueueOnly(webhookOut)).
		Register(ir.NodeNotification, enqueueOnly(notification)).
		Register(ir.NodeScript, &scriptHandler{env: scripts}).
		Register(ir.NodeRule, &ruleHandler{bridge: opts.Rules})
}

type enqueueOnly func(ctx context.Context, sc *StepContext) (*StepResult, error)

func (f enqueueOnly) Class() HandlerClass { return ClassEnqueueOnly }

func (f enqueueOnly) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return f(ctx, sc)
}

func passThrough(_ context.Context, _ *StepContext) (*StepResult, error) {
	return Completed(nil), nil
}

func lifecycleGate(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.LifecycleGateConfig](sc.Node)
	out := map[string]any{}
	if cfg.State != "" {
		out["state"] = cfg.State
	}
	if cfg.Condition != "" {
		ok, err := dsl.EvaluateBool(cfg.Condition, sc.Env)
		if err != nil {
			return nil, err
		}
		if !ok {
			return Blocked("lifecycle condition not satisfied"), nil
		}
	}
	res := Completed(out)
	if cfg.State != "" {
		res.ContextUpdates = map[string]any{"state": cfg.State}
	}
	return res, nil
}

func policyGate(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.PolicyGateConfig](sc.Node)
	if len(cfg.RequiredRoles) > 0 && !actorHasRole(sc.Actor, cfg.RequiredRoles) {
		return Blocked("actor lacks a required role"), nil
	}
	if cfg.Condition != "" {
		ok, err := dsl.EvaluateBool(cfg.Condition, sc.Env)
		if err != nil {
			return nil, err
		}
		if !ok {
			return Blocked("policy condition not satisfied"), nil
		}
	}
	return Completed(nil), nil
}

// actorHasRole accepts either actor.role (string) or actor.roles (list).
func actorHasRole(actor map[string]any, roles []string) bool {
	if r, ok := actor["role"].(string); ok && slices.Contains(roles, r) {
		return true
	}
	list, _ := actor["roles"].([]any)
	for _, v := range list {
		if r, ok := v.(string); ok && slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

func action(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.ActionConfig](sc.Node)
	out := map[string]any{"action": cfg.Action}
	if len(cfg.Set) == 0 {
		return Completed(out), nil
	}
	updates := make(map[string]any, len(cfg.Set))
	for _, key := range sortedKeys(cfg.Set) {
		v, err := dsl.Interpolate(cfg.Set[key], sc.Env)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
		updates[key] = v
	}
	out["set"] = updates
	res := Completed(out)
	res.ContextUpdates = updates
	return res, nil
}

// approval parks the token on an event keyed by instance and node. The
// resume payload must carry "decision"; approvers are checked against the
// payload's "actor" when roles are configured.
func approval(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.ApprovalConfig](sc.Node)
	if !sc.Resume {
		return &StepResult{
			Status: ir.StepPending,
			Output: map[string]any{MarkerWaitEvent: ApprovalEventKey(sc.Instance.ID, sc.Node.ID)},
			Wait:   &WaitRequest{Kind: ir.WaitEvent, EventKey: ApprovalEventKey(sc.Instance.ID, sc.Node.ID)},
		}, nil
	}

	decision, _ := sc.ResumePayload["decision"].(string)
	if decision == "" {
		return Failed("approval resumed without a decision"), nil
	}
	if len(cfg.ApproverRoles) > 0 {
		approver, _ := sc.ResumePayload["actor"].(map[string]any)
		if !actorHasRole(approver, cfg.ApproverRoles) {
			return Failed("approver lacks a required role"), nil
		}
	}
	path := cfg.DecisionPath
	if path == "" {
		path = "decision"
	}
	res := Completed(map[string]any{"decision": decision})
	res.ContextUpdates = map[string]any{path: decision}
	return res, nil
}

// ApprovalEventKey is the event key an approval node waits on.
func ApprovalEventKey(instanceID, nodeID string) string {
	return "approval:" + instanceID + ":" + nodeID
}

func condition(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.ConditionConfig](sc.Node)
	ok, err := dsl.EvaluateBool(cfg.Expression, sc.Env)
	if err != nil {
		return nil, err
	}
	res := Completed(map[string]any{"result": ok})
	res.ContextUpdates = map[string]any{"condition": ok}
	return res, nil
}

// parallelSplit chooses every outgoing edge whose condition is empty or truthy.
func parallelSplit(_ context.Context, sc *StepContext) (*StepResult, error) {
	var chosen []string
	for _, e := range sc.Compiled.OutgoingEdges(sc.Node.ID) {
		if e.Condition == "" {
			chosen = append(chosen, e.ID)
			continue
		}
		if ok, err := dsl.EvaluateBool(e.Condition, sc.Env); err == nil && ok {
			chosen = append(chosen, e.ID)
		}
	}
	if len(chosen) == 0 {
		return Failed("parallel split %s has no eligible branch", sc.Node.ID), nil
	}
	res := Completed(map[string]any{"branches": len(chosen)})
	res.ChosenEdges = chosen
	return res, nil
}

func waitTimer(_ context.Context, sc *StepContext) (*StepResult, error) {
	if sc.Resume {
		return Completed(map[string]any{"resumed_at": sc.Now.Format(time.RFC3339)}), nil
	}
	cfg, _ := ir.ConfigOf[ir.WaitTimerConfig](sc.Node)
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return Failed("invalid wait duration %q: %v", cfg.Duration, err), nil
	}
	at := sc.Now.Add(d)
	return &StepResult{
		Status: ir.StepPending,
		Output: map[string]any{MarkerWaitTimer: at.Format(time.RFC3339)},
		Wait:   &WaitRequest{Kind: ir.WaitTimer, ResumeAt: at},
	}, nil
}

func waitEvent(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.WaitEventConfig](sc.Node)
	if sc.Resume {
		res := Completed(map[string]any{"event_type": cfg.EventType, "payload": sc.ResumePayload})
		if cfg.EventType != "" && sc.ResumePayload != nil {
			res.ContextUpdates = map[string]any{cfg.EventType: sc.ResumePayload}
		}
		return res, nil
	}
	key := cfg.EventType + ":" + sc.Instance.ID
	if cfg.KeyTemplate != "" {
		k, err := dsl.Interpolate(cfg.KeyTemplate, sc.Env)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &StepResult{
		Status: ir.StepPending,
		Output: map[string]any{MarkerWaitEvent: key},
		Wait:   &WaitRequest{Kind: ir.WaitEvent, EventKey: key},
	}, nil
}

func webhookOut(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.WebhookOutConfig](sc.Node)
	url, err := dsl.Interpolate(cfg.URL, sc.Env)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	method := cfg.Method
	if method == "" {
		method = "POST"
	}
	body := make(map[string]any, len(cfg.Body))
	for _, key := range sortedKeys(cfg.Body) {
		v, err := dsl.Interpolate(cfg.Body[key], sc.Env)
		if err != nil {
			return nil, fmt.Errorf("body %s: %w", key, err)
		}
		body[key] = v
	}
	res := Completed(map[string]any{"enqueued": EffectWebhook})
	res.SideEffects = []SideEffectRequest{{
		Type:    EffectWebhook,
		Payload: map[string]any{"url": url, "method": method, "body": body},
	}}
	return res, nil
}

func notification(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.NotificationConfig](sc.Node)
	recipient, err := dsl.Interpolate(cfg.Recipient, sc.Env)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	message, err := dsl.Interpolate(cfg.Template, sc.Env)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	res := Completed(map[string]any{"enqueued": EffectNotification})
	res.SideEffects = []SideEffectRequest{{
		Type: EffectNotification,
		Payload: map[string]any{
			"channel":   cfg.Channel,
			"recipient": recipient,
			"message":   message,
		},
	}}
	return res, nil
}

type scriptHandler struct {
	env *LuaEnv
}

func (h *scriptHandler) Class() HandlerClass { return ClassTxSafe }

func (h *scriptHandler) Execute(_ context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.ScriptConfig](sc.Node)
	entity := sc.Env.Entity
	out, err := h.env.Run(cfg.Source, entity, sc.Instance.Context, sc.Actor)
	if err != nil {
		return nil, err
	}

	res := Completed(out)
	if route, ok := out["route"].(string); ok && route != "" {
		if !slices.Contains(sc.Compiled.Outgoing[sc.Node.ID], route) {
			return Failed("script routed to %q, which is not an outgoing edge of %s", route, sc.Node.ID), nil
		}
		res.ChosenEdges = []string{route}
	}
	if updates, ok := out["context"].(map[string]any); ok {
		res.ContextUpdates = updates
	}
	return res, nil
}

type ruleHandler struct {
	bridge RuleBridge
}

func (h *ruleHandler) Class() HandlerClass { return ClassTxSafe }

func (h *ruleHandler) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	cfg, _ := ir.ConfigOf[ir.RuleConfig](sc.Node)
	if h.bridge == nil {
		return Failed("rule %s: no rule bridge configured", cfg.RuleID), nil
	}
	outcome, err := h.bridge.Evaluate(ctx, RuleRequest{
		RuleID:     cfg.RuleID,
		Phase:      cfg.Phase,
		InstanceID: sc.Instance.ID,
		NodeID:     sc.Node.ID,
		Env:        sc.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.RuleID, err)
	}
	if !outcome.Allowed {
		res := Failed("rule %s rejected: %s", cfg.RuleID, outcome.Reason)
		res.Output = outcome.Output
		return res, nil
	}
	return Completed(outcome.Output), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
