package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

func compile(t *testing.T, env *ir.Envelope) *ir.CompiledWorkflow {
	t.Helper()
	compiled, err := compiler.CompileEffective(compiler.InputFromEnvelope(env, nil))
	require.NoError(t, err)
	return compiled
}

func TestCompute(t *testing.T) {
	graph := compile(t, testutil.LinearEnvelope())

	tests := []struct {
		name       string
		tokens     []ir.Token
		failed     bool
		wantStatus ir.InstanceStatus
		wantActive []string
		wantNodes  []string
	}{
		{
			name:       "running",
			tokens:     []ir.Token{{ID: "t1", NodeID: testutil.GateNodeID, Status: ir.TokenWaiting}},
			wantStatus: ir.InstanceRunning,
			wantActive: []string{"t1"},
			wantNodes:  []string{testutil.GateNodeID},
		},
		{
			name: "live token at end completes",
			tokens: []ir.Token{
				{ID: "t1", NodeID: ir.EndNodeID, Status: ir.TokenActive},
				{ID: "t0", NodeID: ir.StartNodeID, Status: ir.TokenCompleted},
			},
			wantStatus: ir.InstanceCompleted,
			wantActive: []string{"t1"},
			wantNodes:  []string{ir.EndNodeID},
		},
		{
			name:       "no live tokens completes",
			tokens:     []ir.Token{{ID: "t1", NodeID: testutil.GateNodeID, Status: ir.TokenCompleted}},
			wantStatus: ir.InstanceCompleted,
			wantActive: []string{},
			wantNodes:  []string{},
		},
		{
			name:       "failure wins",
			tokens:     []ir.Token{{ID: "t1", NodeID: ir.EndNodeID, Status: ir.TokenActive}},
			failed:     true,
			wantStatus: ir.InstanceFailed,
			wantActive: []string{"t1"},
			wantNodes:  []string{ir.EndNodeID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Compute(tt.tokens, graph, tt.failed)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.wantActive, p.ActiveTokens)
			assert.Equal(t, tt.wantNodes, p.CurrentNodes)
		})
	}
}

func TestCompute_SortsOutput(t *testing.T) {
	graph := compile(t, testutil.SplitJoinEnvelope(ir.JoinAll))
	p := Compute([]ir.Token{
		{ID: "t3", NodeID: testutil.BranchBNode, Status: ir.TokenActive},
		{ID: "t2", NodeID: testutil.BranchANode, Status: ir.TokenActive},
		{ID: "t1", NodeID: testutil.SplitNodeID, Status: ir.TokenCompleted},
	}, graph, false)

	assert.Equal(t, []string{"t2", "t3"}, p.ActiveTokens)
	assert.Equal(t, []string{testutil.BranchANode, testutil.BranchBNode}, p.CurrentNodes)
	require.Len(t, p.Tokens, 3)
	assert.Equal(t, "t1", p.Tokens[0].ID)
}

func step(seq int64, nodeID, tokenID string, status ir.StepStatus, edges ...string) ir.StepExecution {
	return ir.StepExecution{
		ID:          nodeID + "#" + tokenID,
		Seq:         seq,
		NodeID:      nodeID,
		TokenID:     tokenID,
		Status:      status,
		ChosenEdges: edges,
	}
}

func TestRebuild_SplitJoin(t *testing.T) {
	graph := compile(t, testutil.SplitJoinEnvelope(ir.JoinAll))

	split := step(2, testutil.SplitNodeID, "t0", ir.StepCompleted, "e-a", "e-b")
	split.SpawnedTokens = []ir.SpawnedToken{
		{TokenID: "ta", NodeID: testutil.BranchANode, EdgeID: "e-a"},
		{TokenID: "tb", NodeID: testutil.BranchBNode, EdgeID: "e-b"},
	}
	fired := step(6, testutil.JoinNodeID, "tb", ir.StepCompleted, "e-end")
	fired.RetiredTokens = []string{"ta"}

	// Deliberately out of order: replay sorts by seq.
	steps := []ir.StepExecution{
		fired,
		step(1, ir.StartNodeID, "t0", ir.StepCompleted, "e-split"),
		split,
		step(5, testutil.BranchBNode, "tb", ir.StepCompleted, "e-b-join"),
		step(3, testutil.BranchANode, "ta", ir.StepCompleted, "e-a-join"),
		step(4, testutil.JoinNodeID, "ta", ir.StepPending),
	}

	p, err := RebuildInstanceProjection(graph, steps, ir.Token{ID: "t0", NodeID: ir.StartNodeID, Status: ir.TokenActive})
	require.NoError(t, err)
	assert.Equal(t, ir.InstanceCompleted, p.Status)
	assert.Equal(t, []string{"tb"}, p.ActiveTokens)
	assert.Equal(t, []string{ir.EndNodeID}, p.CurrentNodes)

	partial, err := RebuildInstanceProjection(graph, steps[1:], ir.Token{ID: "t0", NodeID: ir.StartNodeID, Status: ir.TokenActive})
	require.NoError(t, err)
	assert.Equal(t, ir.InstanceRunning, partial.Status)
	assert.Equal(t, []string{"ta", "tb"}, partial.ActiveTokens)
	assert.Equal(t, []string{testutil.JoinNodeID}, partial.CurrentNodes)
}

func TestRebuild_WithoutSeed(t *testing.T) {
	graph := compile(t, testutil.LinearEnvelope())

	p, err := RebuildInstanceProjection(graph, []ir.StepExecution{
		step(1, ir.StartNodeID, "t0", ir.StepCompleted, "e1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.GateNodeID}, p.CurrentNodes)
	assert.Equal(t, ir.InstanceRunning, p.Status)
}

func TestRebuild_FailureAndCancel(t *testing.T) {
	graph := compile(t, testutil.LinearEnvelope())
	seed := ir.Token{ID: "t0", NodeID: ir.StartNodeID, Status: ir.TokenActive}

	failed, err := RebuildInstanceProjection(graph, []ir.StepExecution{
		step(1, ir.StartNodeID, "t0", ir.StepCompleted, "e1"),
		step(2, testutil.GateNodeID, "t0", ir.StepFailed),
	}, seed)
	require.NoError(t, err)
	assert.Equal(t, ir.InstanceFailed, failed.Status)

	cancel := ir.StepExecution{ID: "c", Seq: 2, Status: ir.StepCancelled, CancelledTokens: []string{"t0"}}
	cancelled, err := RebuildInstanceProjection(graph, []ir.StepExecution{
		step(1, ir.StartNodeID, "t0", ir.StepCompleted, "e1"),
		cancel,
	}, seed)
	require.NoError(t, err)
	assert.Equal(t, ir.InstanceCancelled, cancelled.Status)
	assert.Empty(t, cancelled.ActiveTokens)
}

func TestRebuild_Errors(t *testing.T) {
	graph := compile(t, testutil.LinearEnvelope())

	_, err := RebuildInstanceProjection(graph, []ir.StepExecution{step(1, "sys:ghost", "t0", ir.StepCompleted)})
	assert.ErrorContains(t, err, `unknown node "sys:ghost"`)

	_, err = RebuildInstanceProjection(graph, []ir.StepExecution{step(1, ir.StartNodeID, "t0", ir.StepCompleted, "e-nope")})
	assert.ErrorContains(t, err, `unknown edge "e-nope"`)
}

func TestProjection_Equal(t *testing.T) {
	a := Projection{ActiveTokens: []string{"t1"}, CurrentNodes: []string{"n"}, Status: ir.InstanceRunning}
	b := a
	b.Tokens = []TokenState{{ID: "t1"}}
	assert.True(t, a.Equal(b))

	b.Status = ir.InstanceCompleted
	assert.False(t, a.Equal(b))
}
