package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

func stepContext(node ir.Node, entity, actor map[string]any) *StepContext {
	inst := &ir.Instance{ID: "inst-1", Context: map[string]any{"entity": entity}}
	return &StepContext{
		Instance: inst,
		Node:     node,
		Token:    &ir.Token{ID: "tok-1", NodeID: node.ID},
		Actor:    actor,
		Env:      &dsl.Env{Entity: entity, Context: inst.Context, Actor: actor},
		Now:      testutil.Epoch,
	}
}

func TestLifecycleGate(t *testing.T) {
	node := ir.MustNode("sys:gate:x", ir.NodeLifecycleGate, ir.LifecycleGateConfig{
		State:     "approved",
		Condition: "entity.amount > 100",
	})

	res, err := lifecycleGate(context.Background(), stepContext(node, map[string]any{"amount": 150}, nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StepCompleted, res.Status)
	assert.Equal(t, map[string]any{"state": "approved"}, res.ContextUpdates)

	res, err = lifecycleGate(context.Background(), stepContext(node, map[string]any{"amount": 10}, nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StepPending, res.Status)
	assert.Equal(t, "lifecycle condition not satisfied", res.Output["blocked"])
	assert.Nil(t, res.Wait)
}

func TestPolicyGate_Roles(t *testing.T) {
	node := ir.MustNode("sys:policy", ir.NodePolicyGate, ir.PolicyGateConfig{RequiredRoles: []string{"finance", "admin"}})

	tests := []struct {
		name  string
		actor map[string]any
		want  ir.StepStatus
	}{
		{"role string", map[string]any{"role": "admin"}, ir.StepCompleted},
		{"roles list", map[string]any{"roles": []any{"viewer", "finance"}}, ir.StepCompleted},
		{"wrong role", map[string]any{"role": "viewer"}, ir.StepPending},
		{"no actor", nil, ir.StepPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := policyGate(context.Background(), stepContext(node, nil, tt.actor))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestAction_SetInterpolates(t *testing.T) {
	node := ir.MustNode("sys:act", ir.NodeAction, ir.ActionConfig{
		Action: "tag",
		Set:    map[string]string{"label": "inv-${entity.number}", "owner": "${actor.name}"},
	})
	res, err := action(context.Background(), stepContext(node,
		map[string]any{"number": 42}, map[string]any{"name": "ann"}))
	require.NoError(t, err)

	want := map[string]any{"label": "inv-42", "owner": "ann"}
	assert.Equal(t, want, res.ContextUpdates)
	assert.Equal(t, want, res.Output["set"])
	assert.Equal(t, "tag", res.Output["action"])
}

func TestCondition(t *testing.T) {
	node := ir.MustNode("sys:cond", ir.NodeCondition, ir.ConditionConfig{Expression: "entity.tier == 'gold'"})

	res, err := condition(context.Background(), stepContext(node, map[string]any{"tier": "gold"}, nil))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"])
	assert.Equal(t, true, res.ContextUpdates["condition"])
}

func TestWaitTimer(t *testing.T) {
	node := ir.MustNode("sys:wait", ir.NodeWaitTimer, ir.WaitTimerConfig{Duration: "90m"})
	sc := stepContext(node, nil, nil)

	res, err := waitTimer(context.Background(), sc)
	require.NoError(t, err)
	require.NotNil(t, res.Wait)
	assert.Equal(t, ir.WaitTimer, res.Wait.Kind)
	assert.Equal(t, testutil.Epoch.Add(90*time.Minute), res.Wait.ResumeAt)

	sc.Resume = true
	res, err = waitTimer(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, ir.StepCompleted, res.Status)
	assert.Nil(t, res.Wait)

	bad := ir.MustNode("sys:wait", ir.NodeWaitTimer, ir.WaitTimerConfig{Duration: "soon"})
	res, err = waitTimer(context.Background(), stepContext(bad, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, ir.StepFailed, res.Status)
}

func TestWaitEvent_DefaultKey(t *testing.T) {
	node := ir.MustNode("sys:wait", ir.NodeWaitEvent, ir.WaitEventConfig{EventType: "paid"})

	res, err := waitEvent(context.Background(), stepContext(node, nil, nil))
	require.NoError(t, err)
	require.NotNil(t, res.Wait)
	assert.Equal(t, "paid:inst-1", res.Wait.EventKey)
	assert.Equal(t, "paid:inst-1", res.Output[MarkerWaitEvent])
}

func TestApproval_Decisions(t *testing.T) {
	node := ir.MustNode("sys:approve", ir.NodeApproval, ir.ApprovalConfig{
		ApproverRoles: []string{"manager"},
		DecisionPath:  "approval",
	})

	sc := stepContext(node, nil, nil)
	sc.Resume = true

	sc.ResumePayload = map[string]any{}
	res, err := approval(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, ir.StepFailed, res.Status)

	sc.ResumePayload = map[string]any{"decision": "approved", "actor": map[string]any{"role": "clerk"}}
	res, err = approval(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "approver lacks a required role", res.Error)

	sc.ResumePayload = map[string]any{"decision": "rejected", "actor": map[string]any{"role": "manager"}}
	res, err = approval(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, ir.StepCompleted, res.Status)
	assert.Equal(t, map[string]any{"approval": "rejected"}, res.ContextUpdates)
}

func TestWebhookOut_EnqueuesEffect(t *testing.T) {
	node := ir.MustNode("sys:hook", ir.NodeWebhookOut, ir.WebhookOutConfig{
		URL:  "https://hooks.example.com/${entity.id}",
		Body: map[string]string{"status": "${context.state}"},
	})
	sc := stepContext(node, map[string]any{"id": "inv-7"}, nil)
	sc.Instance.Context["state"] = "paid"

	res, err := webhookOut(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, res.SideEffects, 1)
	fx := res.SideEffects[0]
	assert.Equal(t, EffectWebhook, fx.Type)
	assert.Equal(t, "https://hooks.example.com/inv-7", fx.Payload["url"])
	assert.Equal(t, "POST", fx.Payload["method"])
	assert.Equal(t, map[string]any{"status": "paid"}, fx.Payload["body"])

	assert.Equal(t, ClassEnqueueOnly, DefaultRegistry(RegistryOptions{}).handlers[ir.NodeWebhookOut].Class())
}

func TestParallelSplit_Conditions(t *testing.T) {
	env := testutil.SplitJoinEnvelope(ir.JoinAll)
	for i, e := range env.Edges {
		if e.ID == "e-b" {
			env.Edges[i].Condition = "entity.bill == true"
		}
	}
	compiled, err := compiler.CompileEffective(compiler.InputFromEnvelope(env, nil))
	require.NoError(t, err)
	node, _ := compiled.Node(testutil.SplitNodeID)

	sc := stepContext(node, map[string]any{"bill": false}, nil)
	sc.Compiled = compiled
	res, err := parallelSplit(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-a"}, res.ChosenEdges)

	sc = stepContext(node, map[string]any{"bill": true}, nil)
	sc.Compiled = compiled
	res, err = parallelSplit(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-a", "e-b"}, res.ChosenEdges)
}

func routingWorkflow(t *testing.T) *ir.CompiledWorkflow {
	t.Helper()
	env := &ir.Envelope{
		ID:         "routing",
		EntityType: "invoice",
		Version:    1,
		Nodes: []ir.Node{
			ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
			ir.MustNode("sys:route", ir.NodeCondition, ir.ConditionConfig{Expression: "true"}),
			ir.MustNode("sys:big", ir.NodeAction, ir.ActionConfig{Action: "big"}),
			ir.MustNode("sys:small", ir.NodeAction, ir.ActionConfig{Action: "small"}),
			ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
		},
		Edges: []ir.Edge{
			{ID: "e0", Source: ir.StartNodeID, Target: "sys:route"},
			{ID: "e-big", Source: "sys:route", Target: "sys:big", Condition: "entity.amount > 1000", Priority: 1},
			{ID: "e-small", Source: "sys:route", Target: "sys:small", Condition: "entity.amount <= 1000", Priority: 2},
			{ID: "e-big-end", Source: "sys:big", Target: ir.EndNodeID},
			{ID: "e-small-end", Source: "sys:small", Target: ir.EndNodeID},
		},
	}
	compiled, err := compiler.CompileEffective(compiler.InputFromEnvelope(env, nil))
	require.NoError(t, err)
	return compiled
}

func TestResolveEdges(t *testing.T) {
	compiled := routingWorkflow(t)

	tests := []struct {
		name   string
		node   string
		entity map[string]any
		want   []string
	}{
		{"big", "sys:route", map[string]any{"amount": 5000}, []string{"e-big"}},
		{"small", "sys:route", map[string]any{"amount": 10}, []string{"e-small"}},
		{"nothing matches falls back to first", "sys:route", map[string]any{}, []string{"e-big"}},
		{"unconditioned", ir.StartNodeID, nil, []string{"e0"}},
		{"no outgoing", ir.EndNodeID, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveEdges(compiled, tt.node, &dsl.Env{Entity: tt.entity})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistryCheck(t *testing.T) {
	compiled := routingWorkflow(t)

	assert.NoError(t, DefaultRegistry(RegistryOptions{}).Check(compiled))

	err := NewRegistry().Register(ir.NodeStart, HandlerFunc(passThrough)).Check(compiled)
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND: no handler registered for node types: action, condition, end", err.Error())
}

func TestLuaEnv_Sandbox(t *testing.T) {
	env := NewLuaEnv()

	out, err := env.Run(`return { total = entity.qty * entity.price, who = actor.name }`,
		map[string]any{"qty": 3, "price": 2.5}, nil, map[string]any{"name": "ann"})
	require.NoError(t, err)
	assert.EqualValues(t, 7.5, out["total"])
	assert.Equal(t, "ann", out["who"])

	_, err = env.Run(`return { x = os.time() }`, nil, nil, nil)
	assert.ErrorIs(t, err, ErrLuaExecution)

	assert.ErrorIs(t, env.Validate(`return {`), ErrLuaLoad)

	out, err = env.Run(`return 42`, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out["result"])
}
