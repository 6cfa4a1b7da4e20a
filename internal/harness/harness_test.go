package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func gatedScenario(flow ...FlowStep) *Scenario {
	return &Scenario{
		Name:        "gated",
		Description: "gated invoice",
		Document:    "testdata/workflows/gated.yaml",
		Entity:      map[string]any{"amount": 50},
		Flow:        flow,
		Assertions:  []Assertion{{Type: AssertRebuildMatches}},
	}
}

func TestRun_BlockedGateStaysRunning(t *testing.T) {
	result, err := Run(gatedScenario())
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, ir.InstanceRunning, result.InstanceStatus)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "sys:gate:review", result.Trace[1].NodeID)
	assert.Equal(t, "pending", result.Trace[1].Status)
	assert.Empty(t, result.Trace[1].ChosenEdges)
}

func TestRun_Cancel(t *testing.T) {
	s := gatedScenario(FlowStep{
		Cancel: "withdrawn",
		Expect: &ExpectClause{InstanceStatus: "cancelled"},
	})
	s.Assertions = append(s.Assertions, Assertion{Type: AssertInstanceStatus, Status: "cancelled"})

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, ir.InstanceCancelled, result.InstanceStatus)
}

func TestRun_ExpectationMismatch(t *testing.T) {
	s := gatedScenario(FlowStep{
		Advance: "sys:gate:review",
		Expect:  &ExpectClause{Status: "completed"},
	})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	// Same entity version: the step receipt makes the advance a no-op.
	assert.Contains(t, result.Errors[0], "expected step status completed, got skipped")
}

func TestRun_NoLiveToken(t *testing.T) {
	s := gatedScenario(FlowStep{Advance: "sys:end"})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "no live token on node sys:end")
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := gatedScenario()
	s.Assertions = []Assertion{
		{Type: AssertInstanceStatus, Status: "completed"},
		{Type: AssertTraceCount, Node: "sys:gate:review", Count: 3},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "instance_status")
	assert.Contains(t, result.Errors[1], "3 steps at sys:gate:review")
}

func TestRun_SetupErrors(t *testing.T) {
	s := gatedScenario()
	s.Document = "testdata/missing.yaml"
	_, err := Run(s)
	assert.ErrorContains(t, err, "failed to load document")

	s = gatedScenario()
	s.EntityType = "purchase_order"
	_, err = Run(s)
	assert.ErrorContains(t, err, "failed to create instance")
}

func TestCheckExpect(t *testing.T) {
	one := 1
	terminal := engine.NewTerminalError("inst-1", ir.InstanceCompleted)

	tests := []struct {
		name    string
		expect  *ExpectClause
		out     stepOutcome
		err     error
		wantErr string
	}{
		{name: "no expectation passes error through", err: terminal, wantErr: "TERMINAL_INSTANCE"},
		{name: "expected error code", expect: &ExpectClause{Error: "TERMINAL_INSTANCE"}, err: terminal},
		{name: "wrong error code", expect: &ExpectClause{Error: "NOT_FOUND"}, err: terminal, wantErr: "expected error NOT_FOUND"},
		{name: "missing error", expect: &ExpectClause{Error: "NOT_FOUND"}, wantErr: "got none"},
		{name: "status", expect: &ExpectClause{Status: "completed"}, out: stepOutcome{status: ir.StepCompleted}},
		{name: "resumed", expect: &ExpectClause{Resumed: &one}, out: stepOutcome{resumed: 0}, wantErr: "expected 1 resumed waits, got 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkExpect(tt.expect, tt.out, tt.err)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
