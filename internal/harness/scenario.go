package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one workflow run with expectations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Document is the envelope document (CUE, YAML or JSON) to publish.
	// Relative paths are resolved against the scenario file.
	Document string `yaml:"document"`

	OrgID      string `yaml:"org_id,omitempty"`
	EntityType string `yaml:"entity_type,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`

	Entity  map[string]any `yaml:"entity,omitempty"`
	Actor   map[string]any `yaml:"actor,omitempty"`
	Context map[string]any `yaml:"context,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one action against the running instance. Exactly one of
// Advance, Clock, Event and Cancel is set.
type FlowStep struct {
	Advance string `yaml:"advance,omitempty"`
	Clock   string `yaml:"clock,omitempty"`
	Event   string `yaml:"event,omitempty"`
	Cancel  string `yaml:"cancel,omitempty"`

	// EntityVersion and Entity apply to advance steps; zero keeps the
	// pinned version.
	EntityVersion int64          `yaml:"entity_version,omitempty"`
	Entity        map[string]any `yaml:"entity,omitempty"`
	Actor         map[string]any `yaml:"actor,omitempty"`

	// Payload is the resume payload of event steps.
	Payload map[string]any `yaml:"payload,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Kind names the action a step performs.
func (s FlowStep) Kind() string {
	switch {
	case s.Advance != "":
		return StepAdvance
	case s.Clock != "":
		return StepClock
	case s.Event != "":
		return StepEvent
	case s.Cancel != "":
		return StepCancel
	}
	return ""
}

// ExpectClause checks the outcome of one flow step. Empty fields are not
// checked.
type ExpectClause struct {
	// Status is the step status of an advance.
	Status string `yaml:"status,omitempty"`

	// InstanceStatus is checked after the outbox is drained.
	InstanceStatus string `yaml:"instance_status,omitempty"`

	// Error is the engine error code the step must fail with.
	Error string `yaml:"error,omitempty"`

	// Resumed is the number of waits a clock or event step must wake.
	Resumed *int `yaml:"resumed,omitempty"`
}

// Assertion validates the finished run.
type Assertion struct {
	Type string `yaml:"type"`

	// Status is used by instance_status, and optionally by trace_contains.
	Status string `yaml:"status,omitempty"`

	// Node is used by trace_contains and trace_count.
	Node string `yaml:"node,omitempty"`

	// Nodes is the expected visiting order (trace_order).
	Nodes []string `yaml:"nodes,omitempty"`

	// Count is used by trace_count and side_effects.
	Count int `yaml:"count,omitempty"`

	// Path and Value are used by context.
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Effect is the side effect type (side_effects).
	Effect string `yaml:"effect,omitempty"`
}

// Flow step kinds.
const (
	StepAdvance = "advance"
	StepClock   = "clock"
	StepEvent   = "event"
	StepCancel  = "cancel"
)

// Assertion type constants.
const (
	AssertInstanceStatus = "instance_status"
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertContext        = "context"
	AssertSideEffects    = "side_effects"
	AssertRebuildMatches = "rebuild_matches"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Document != "" && !filepath.IsAbs(scenario.Document) {
		scenario.Document = filepath.Join(filepath.Dir(path), scenario.Document)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Document == "" {
		return fmt.Errorf("document is required")
	}
	if _, err := os.Stat(s.Document); os.IsNotExist(err) {
		return fmt.Errorf("document not found: %s", s.Document)
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step FlowStep) error {
	set := 0
	for _, v := range []string{step.Advance, step.Clock, step.Event, step.Cancel} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of advance, clock, event, cancel is required", index)
	}
	if step.Clock != "" {
		d, err := time.ParseDuration(step.Clock)
		if err != nil {
			return fmt.Errorf("flow[%d]: invalid clock duration: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("flow[%d]: clock duration must be positive", index)
		}
	}
	if step.Expect != nil && step.Expect.Status != "" && step.Advance == "" {
		return fmt.Errorf("flow[%d].expect: status only applies to advance steps", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertInstanceStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for instance_status", index)
		}
	case AssertTraceContains:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Nodes) == 0 {
			return fmt.Errorf("assertions[%d]: nodes list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertContext:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for context", index)
		}
	case AssertSideEffects:
		if a.Effect == "" {
			return fmt.Errorf("assertions[%d]: effect is required for side_effects", index)
		}
	case AssertRebuildMatches:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
