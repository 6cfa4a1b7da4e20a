package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStricter(t *testing.T) {
	assert.Equal(t, EditWindowLocked, Stricter(EditWindowEditable, EditWindowLocked))
	assert.Equal(t, EditWindowLocked, Stricter(EditWindowLocked, EditWindowAmendOnly))
	assert.Equal(t, EditWindowAmendOnly, Stricter(EditWindowAmendOnly, EditWindowEditable))
	assert.Equal(t, EditWindowAmendOnly, Stricter("", EditWindowAmendOnly))
	assert.Equal(t, EditWindowEditable, Stricter(EditWindowEditable, ""))
}

func TestNodeUnmarshalDecodesConfigByType(t *testing.T) {
	data := `{"id":"sys:join","type":"parallel_join","config":{"mode":"any","required_count":2}}`

	var n Node
	require.NoError(t, json.Unmarshal([]byte(data), &n))

	cfg, ok := ConfigOf[ParallelJoinConfig](n)
	require.True(t, ok)
	assert.Equal(t, JoinAny, cfg.Mode)
	assert.Equal(t, 2, cfg.RequiredCount)
}

func TestNodeUnmarshalRejectsUnknownType(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport"}`), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestNodeUnmarshalRejectsUnknownConfigField(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"condition","config":{"expr":"true"}}`), &n)
	assert.Error(t, err)
}

func TestNodeRoundTripKeepsConfig(t *testing.T) {
	n := MustNode("sys:wait", NodeWaitTimer, WaitTimerConfig{Duration: "1h"})

	raw, err := json.Marshal(n)
	require.NoError(t, err)

	var back Node
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, n, back)
}

func TestNewNodeRejectsMismatchedConfig(t *testing.T) {
	_, err := NewNode("n", NodeAction, ConditionConfig{Expression: "true"})
	assert.Error(t, err)

	n, err := NewNode("n", NodeAction, &ActionConfig{Action: "x"})
	require.NoError(t, err)
	_, isValue := n.Config.(ActionConfig)
	assert.True(t, isValue, "pointer configs are stored as values")
}

func TestCompiledWorkflowLookups(t *testing.T) {
	c := &CompiledWorkflow{
		Nodes: []Node{
			MustNode("sys:end", NodeEnd, nil),
			MustNode("sys:start", NodeStart, nil),
		},
		Edges: []CompiledEdge{
			{Edge: Edge{ID: "e1", Source: "sys:start", Target: "sys:end"}, Provenance: ProvenanceEnvelope},
		},
		Outgoing:          map[string][]string{"sys:start": {"e1"}},
		Incoming:          map[string][]string{"sys:end": {"e1"}},
		StableRegionNodes: []string{"sys:end"},
		EditWindows:       map[string]EditWindow{"sys:end": EditWindowLocked},
	}

	assert.Equal(t, "sys:start", c.StartNodeID())
	_, ok := c.Node("sys:end")
	assert.True(t, ok)
	require.Len(t, c.OutgoingEdges("sys:start"), 1)
	assert.Equal(t, "sys:end", c.OutgoingEdges("sys:start")[0].Target)
	assert.True(t, c.IsStableRegion("sys:end"))
	assert.False(t, c.IsStableRegion("sys:start"))
	assert.Equal(t, EditWindowLocked, c.EditWindowOf("sys:end"))
	assert.Equal(t, EditWindowEditable, c.EditWindowOf("sys:start"))
}

func TestCompiledWorkflowContentHashIgnoresHashField(t *testing.T) {
	c := &CompiledWorkflow{DefinitionID: "d", Version: 1}
	h1, err := c.ContentHash()
	require.NoError(t, err)

	c.Hash = h1
	h2, err := c.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
