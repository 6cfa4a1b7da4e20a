package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/ir"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "lifeflow.db")
}

// runJSON runs the invoice workflow for entity and decodes the result.
func runJSON(t *testing.T, db, entity string) RunResult {
	t.Helper()
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "json"}),
		"testdata/invoice.yaml", "--db", db, "--entity", entity, "--entity-id", "inv-1")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestRun_CompletesWhenGatePasses(t *testing.T) {
	res := runJSON(t, tempDB(t), `{"amount": 500}`)

	assert.Equal(t, ir.InstanceCompleted, res.Status)
	assert.Empty(t, res.CurrentNodes)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "sys:start", res.Steps[0].NodeID)
	assert.Equal(t, []string{"e1"}, res.Steps[0].ChosenEdges)
	assert.Equal(t, "sys:gate:review", res.Steps[1].NodeID)
	assert.Equal(t, ir.StepCompleted, res.Steps[1].Status)
	assert.Positive(t, res.Events)
}

func TestRun_WaitsAtBlockedGate(t *testing.T) {
	res := runJSON(t, tempDB(t), `{"amount": 50}`)

	assert.Equal(t, ir.InstanceRunning, res.Status)
	assert.Equal(t, []string{"sys:gate:review"}, res.CurrentNodes)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, ir.StepPending, res.Steps[1].Status)
	assert.Empty(t, res.Steps[1].ChosenEdges)
}

func TestRun_Text(t *testing.T) {
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		"testdata/invoice.yaml", "--db", tempDB(t), "--entity", `{"amount": 50}`)
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "waiting at: sys:gate:review")
	assert.Contains(t, out, "sys:start completed v1 → e1")
}

func TestRun_InvalidEntity(t *testing.T) {
	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		"testdata/invoice.yaml", "--db", tempDB(t), "--entity", "[1, 2]")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPublish_IncrementsVersion(t *testing.T) {
	db := tempDB(t)
	publish := func() PublishResult {
		out, err := execute(t, NewPublishCommand(&RootOptions{Format: "json"}),
			"testdata/invoice.yaml", "--db", db, "--org", "acme")
		require.NoError(t, err)
		var resp struct {
			Data PublishResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		return resp.Data
	}

	first, second := publish(), publish()
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "acme", second.OrgID)
	assert.Equal(t, first.Hash, second.Hash)
	assert.NotEqual(t, first.DefinitionID, second.DefinitionID)
}

func TestTrace_ShowsSteps(t *testing.T) {
	db := tempDB(t)
	res := runJSON(t, db, `{"amount": 50}`)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), res.InstanceID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Instance "+res.InstanceID+" (running, invoice v1)")
	assert.Contains(t, out, "Current: sys:gate:review")
	assert.Contains(t, out, "Steps (2):")
	assert.Contains(t, out, "sys:gate:review pending v1")
}

func TestTrace_NodeFilterAndLog(t *testing.T) {
	db := tempDB(t)
	res := runJSON(t, db, `{"amount": 500}`)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), res.InstanceID, "--db", db, "--node", "sys:start", "--log")
	require.NoError(t, err)

	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ir.InstanceCompleted, resp.Data.Status)
	require.Len(t, resp.Data.Steps, 1)
	assert.Equal(t, "sys:start", resp.Data.Steps[0].NodeID)
}

func TestTrace_UnknownInstance(t *testing.T) {
	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "missing", "--db", tempDB(t))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestRebuild_Matches(t *testing.T) {
	db := tempDB(t)
	res := runJSON(t, db, `{"amount": 50}`)

	out, err := execute(t, NewRebuildCommand(&RootOptions{Format: "text"}), res.InstanceID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Projection of "+res.InstanceID+" matches its step log (running)")

	out, err = execute(t, NewRebuildCommand(&RootOptions{Format: "json"}), res.InstanceID, "--db", db)
	require.NoError(t, err)
	var resp struct {
		Data RebuildResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Match)
	assert.Equal(t, []string{"sys:gate:review"}, resp.Data.Rebuilt.CurrentNodes)
}
