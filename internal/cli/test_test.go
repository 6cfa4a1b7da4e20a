package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

func TestTest_HarnessScenariosPass(t *testing.T) {
	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), harnessScenarios)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ gate_reopens")
	assert.Contains(t, out, "✓ waits_complete")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
}

func TestTest_FilterJSON(t *testing.T) {
	out, err := execute(t, NewTestCommand(&RootOptions{Format: "json"}), harnessScenarios, "--filter", "gate_*")
	require.NoError(t, err)

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, "gate_reopens", resp.Data.Scenarios[0].Name)
}

func TestTest_NoMatches(t *testing.T) {
	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), harnessScenarios, "--filter", "nothing-*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_MissingDirectory(t *testing.T) {
	_, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), "testdata/no-such-dir")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// copyScenario lays out scenarios/, workflows/ and an empty golden/ in a
// temp dir and returns the scenarios dir.
func copyScenario(t *testing.T, name string) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"scenarios", "workflows", "golden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	copyFile(t, filepath.Join(harnessScenarios, name+".yaml"), filepath.Join(root, "scenarios", name+".yaml"))
	copyFile(t, "../harness/testdata/workflows/gated.yaml", filepath.Join(root, "workflows", "gated.yaml"))
	return filepath.Join(root, "scenarios")
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}

func TestTest_UpdateWritesGolden(t *testing.T) {
	scenarios := copyScenario(t, "gate_reopens")
	goldenPath := filepath.Join(filepath.Dir(scenarios), "golden", "gate_reopens.golden")

	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), scenarios, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ gate_reopens (golden updated)")

	written, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	expected, err := os.ReadFile("../harness/testdata/golden/gate_reopens.golden")
	require.NoError(t, err)
	assert.JSONEq(t, string(expected), string(written))

	_, err = execute(t, NewTestCommand(&RootOptions{Format: "text"}), scenarios)
	assert.NoError(t, err)
}

func TestTest_GoldenMismatch(t *testing.T) {
	scenarios := copyScenario(t, "gate_reopens")
	goldenPath := filepath.Join(filepath.Dir(scenarios), "golden", "gate_reopens.golden")
	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario":"gate_reopens","trace":[]}`), 0o644))

	out, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ gate_reopens")
	assert.Contains(t, out, "does not match golden file")
}
