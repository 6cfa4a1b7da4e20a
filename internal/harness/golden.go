package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lifeflow/internal/ir"
)

// TraceSnapshot is what a golden file holds for one scenario.
type TraceSnapshot struct {
	ScenarioName   string       `json:"scenario"`
	InstanceStatus string       `json:"instance_status"`
	Trace          []TraceEvent `json:"trace"`
}

// Snapshot renders the result's trace as canonical JSON.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	return ir.MarshalCanonical(TraceSnapshot{
		ScenarioName:   scenarioName,
		InstanceStatus: string(result.InstanceStatus),
		Trace:          result.Trace,
	})
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
