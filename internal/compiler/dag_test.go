package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

func joinedMessages(res DAGResult) string {
	return strings.Join(res.Errors.Messages(), "\n")
}

func TestValidateDAG_ValidLinear(t *testing.T) {
	env := testutil.LinearEnvelope()
	res := ValidateDAG(env.Nodes, env.Edges)
	assert.True(t, res.Valid, joinedMessages(res))
	assert.Empty(t, res.Errors)
}

func TestValidateDAG_Diagnostics(t *testing.T) {
	start := ir.MustNode(ir.StartNodeID, ir.NodeStart, nil)
	end := ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil)
	a := ir.MustNode("a", ir.NodeAction, nil)
	b := ir.MustNode("b", ir.NodeAction, nil)

	tests := []struct {
		name  string
		nodes []ir.Node
		edges []ir.Edge
		want  string
		code  string
	}{
		{
			name:  "missing start",
			nodes: []ir.Node{a, end},
			edges: []ir.Edge{{ID: "e1", Source: "a", Target: ir.EndNodeID}},
			want:  "start node",
			code:  ErrStartNodeCount,
		},
		{
			name:  "cycle",
			nodes: []ir.Node{start, a, b, end},
			edges: []ir.Edge{
				{ID: "e1", Source: ir.StartNodeID, Target: "a"},
				{ID: "e2", Source: "a", Target: "b"},
				{ID: "e3", Source: "b", Target: "a"},
				{ID: "e4", Source: "b", Target: ir.EndNodeID},
			},
			want: "cycle",
			code: ErrCycle,
		},
		{
			name:  "unreachable",
			nodes: []ir.Node{start, a, end},
			edges: []ir.Edge{{ID: "e1", Source: ir.StartNodeID, Target: ir.EndNodeID}},
			want:  "unreachable",
			code:  ErrUnreachableNode,
		},
		{
			name:  "duplicate node",
			nodes: []ir.Node{start, a, a, end},
			edges: []ir.Edge{
				{ID: "e1", Source: ir.StartNodeID, Target: "a"},
				{ID: "e2", Source: "a", Target: ir.EndNodeID},
			},
			want: "Duplicate node",
			code: ErrDuplicateNode,
		},
		{
			name:  "dangling edge",
			nodes: []ir.Node{start, end},
			edges: []ir.Edge{
				{ID: "e1", Source: ir.StartNodeID, Target: ir.EndNodeID},
				{ID: "e2", Source: "ghost", Target: ir.EndNodeID},
			},
			want: "non-existent",
			code: ErrDanglingEdge,
		},
		{
			name:  "duplicate edge",
			nodes: []ir.Node{start, end},
			edges: []ir.Edge{
				{ID: "e1", Source: ir.StartNodeID, Target: ir.EndNodeID},
				{ID: "e1", Source: ir.StartNodeID, Target: ir.EndNodeID},
			},
			want: "Duplicate edge",
			code: ErrDuplicateEdge,
		},
		{
			name:  "missing end",
			nodes: []ir.Node{start, a},
			edges: []ir.Edge{{ID: "e1", Source: ir.StartNodeID, Target: "a"}},
			want:  "at least one end node",
			code:  ErrMissingEndNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateDAG(tt.nodes, tt.edges)
			require.False(t, res.Valid)
			assert.Contains(t, joinedMessages(res), tt.want)
			assert.True(t, res.Errors.HasCode(tt.code), joinedMessages(res))
		})
	}
}

func TestValidateDAG_CycleMessageNamesPath(t *testing.T) {
	nodes := []ir.Node{
		ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
		ir.MustNode("a", ir.NodeAction, nil),
		ir.MustNode("b", ir.NodeAction, nil),
		ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
	}
	edges := []ir.Edge{
		{ID: "e1", Source: ir.StartNodeID, Target: "a"},
		{ID: "e2", Source: "a", Target: "b"},
		{ID: "e3", Source: "b", Target: "a"},
		{ID: "e4", Source: "b", Target: ir.EndNodeID},
	}
	res := ValidateDAG(nodes, edges)
	require.False(t, res.Valid)
	msg := joinedMessages(res)
	assert.Contains(t, msg, "3 of 4 nodes could not be ordered")
	assert.Contains(t, msg, "a -> b")
}

func TestValidateDAG_SystemNodeNeedsIncomingEdge(t *testing.T) {
	nodes := []ir.Node{
		ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
		ir.MustNode("sys:gate:orphan", ir.NodeLifecycleGate, nil),
		ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
	}
	edges := []ir.Edge{
		{ID: "e1", Source: ir.StartNodeID, Target: ir.EndNodeID},
		{ID: "e2", Source: "sys:gate:orphan", Target: ir.EndNodeID},
	}
	res := ValidateDAG(nodes, edges)
	require.False(t, res.Valid)
	assert.True(t, res.Errors.HasCode(ErrOrphanSystemNode))
	assert.Contains(t, joinedMessages(res), "System node sys:gate:orphan has no incoming edge")
}

func TestValidateDAG_RequiresSystemStartAndEnd(t *testing.T) {
	nodes := []ir.Node{
		ir.MustNode("begin", ir.NodeStart, nil),
		ir.MustNode("finish", ir.NodeEnd, nil),
	}
	edges := []ir.Edge{{ID: "e1", Source: "begin", Target: "finish"}}
	res := ValidateDAG(nodes, edges)
	require.False(t, res.Valid)
	msg := joinedMessages(res)
	assert.Contains(t, msg, "Required system gate sys:start is missing")
	assert.Contains(t, msg, "Required system gate sys:end is missing")
}

func TestValidateDAG_ReportsEveryProblem(t *testing.T) {
	nodes := []ir.Node{
		ir.MustNode("a", ir.NodeAction, nil),
		ir.MustNode("a", ir.NodeAction, nil),
	}
	edges := []ir.Edge{{ID: "e1", Source: "a", Target: "nowhere"}}
	res := ValidateDAG(nodes, edges)
	require.False(t, res.Valid)
	assert.GreaterOrEqual(t, len(res.Errors), 4)
}
