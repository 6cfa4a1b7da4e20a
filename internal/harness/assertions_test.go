package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/ir"
)

var sampleTrace = []TraceEvent{
	{NodeID: "sys:start", Status: "completed", ChosenEdges: []string{"e1"}},
	{NodeID: "sys:gate", Status: "pending"},
	{NodeID: "sys:gate", Status: "completed", ChosenEdges: []string{"e2"}},
	{NodeID: "sys:notify", Status: "completed"},
}

func TestAssertTraceContains(t *testing.T) {
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Node: "sys:gate"}))
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Node: "sys:gate", Status: "pending"}))

	err := assertTraceContains(sampleTrace, Assertion{Node: "sys:notify", Status: "failed"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "step at sys:notify with status failed", ae.Expected)
	assert.Contains(t, err.Error(), "[2] sys:gate pending")
	assert.Contains(t, err.Error(), "[1] sys:start completed -> e1")
}

func TestAssertTraceOrder(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []string
		wantErr string
	}{
		{name: "in order", nodes: []string{"sys:start", "sys:gate", "sys:notify"}},
		{name: "gaps allowed", nodes: []string{"sys:start", "sys:notify"}},
		{name: "out of order", nodes: []string{"sys:notify", "sys:gate"}, wantErr: "sys:gate visited out of order"},
		{name: "never visited", nodes: []string{"sys:start", "sys:end"}, wantErr: "sys:end never visited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(sampleTrace, Assertion{Nodes: tt.nodes})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Node: "sys:gate", Count: 2}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Node: "sys:end", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(sampleTrace, Assertion{Node: "sys:start", Count: 2}), "Actual: 1 steps")
}

func TestAssertContext(t *testing.T) {
	result := &Result{Context: map[string]any{
		"entity": map[string]any{"amount": 500, "tags": []any{"a", "b"}},
		"signed": map[string]any{"by": "ann"},
	}}

	tests := []struct {
		name    string
		path    string
		value   any
		wantErr string
	}{
		{name: "string", path: "signed.by", value: "ann"},
		{name: "number", path: "entity.amount", value: 500},
		{name: "array element", path: "entity.tags.1", value: "b"},
		{name: "object", path: "signed", value: map[string]any{"by": "ann"}},
		{name: "mismatch", path: "signed.by", value: "bob", wantErr: `signed.by = "bob"`},
		{name: "absent", path: "approval", value: "approved", wantErr: "path not present"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertContext(result, Assertion{Path: tt.path, Value: tt.value})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAssertInstanceStatus(t *testing.T) {
	result := &Result{InstanceStatus: ir.InstanceRunning}
	assert.NoError(t, assertInstanceStatus(result, Assertion{Status: "running"}))
	assert.ErrorContains(t, assertInstanceStatus(result, Assertion{Status: "completed"}), "Expected: completed")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "final_state"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "final_state"`)
}

func TestSnapshot_Canonical(t *testing.T) {
	result := &Result{
		InstanceStatus: ir.InstanceCompleted,
		Trace: []TraceEvent{
			{NodeID: "sys:start", NodeType: "start", Status: "completed", EntityVersion: 1, ChosenEdges: []string{"e1"}},
		},
	}
	got, err := Snapshot("s", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"instance_status":"completed","scenario":"s","trace":[{"chosen_edges":["e1"],"entity_version":1,"node_id":"sys:start","node_type":"start","status":"completed"}]}`,
		string(got))
}
