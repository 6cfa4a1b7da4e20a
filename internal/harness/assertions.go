package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", i+1, event.NodeID, event.Status)
			if len(event.ChosenEdges) > 0 {
				fmt.Fprintf(&buf, " -> %s", strings.Join(event.ChosenEdges, ","))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext provides what state assertions need beyond the trace.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Store  *store.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertInstanceStatus:
			err = assertInstanceStatus(result, a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertContext:
			err = assertContext(result, a)
		case AssertSideEffects:
			err = assertSideEffects(actx, result.InstanceID, a)
		case AssertRebuildMatches:
			err = assertRebuildMatches(actx, result.InstanceID)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func assertInstanceStatus(result *Result, a Assertion) error {
	if string(result.InstanceStatus) == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     AssertInstanceStatus,
		Expected: a.Status,
		Actual:   string(result.InstanceStatus),
		Trace:    result.Trace,
	}
}

// assertTraceContains checks for a step at the node, with the given
// status when one is set.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.NodeID == a.Node && (a.Status == "" || event.Status == a.Status) {
			return nil
		}
	}
	expected := "step at " + a.Node
	if a.Status != "" {
		expected += " with status " + a.Status
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that nodes were first visited in the given
// order. Other nodes may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int)
	for i, event := range trace {
		if _, seen := first[event.NodeID]; !seen {
			first[event.NodeID] = i
		}
	}

	prev := -1
	for _, node := range a.Nodes {
		pos, ok := first[node]
		if !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("order %v", a.Nodes),
				Actual:   fmt.Sprintf("%s never visited", node),
				Trace:    trace,
			}
		}
		if pos < prev {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("order %v", a.Nodes),
				Actual:   fmt.Sprintf("%s visited out of order", node),
				Trace:    trace,
			}
		}
		prev = pos
	}
	return nil
}

// assertTraceCount checks the node was stepped exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if event.NodeID == a.Node {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d steps at %s", a.Count, a.Node),
		Actual:   fmt.Sprintf("%d steps", n),
		Trace:    trace,
	}
}

// assertContext compares the value at a gjson path of the final context
// with the expected value, both in canonical form.
func assertContext(result *Result, a Assertion) error {
	doc, err := json.Marshal(result.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	got := gjson.GetBytes(doc, a.Path)
	if !got.Exists() {
		return &AssertionError{
			Type:     AssertContext,
			Expected: fmt.Sprintf("%s = %v", a.Path, a.Value),
			Actual:   "path not present",
		}
	}

	want, err := ir.MarshalCanonical(a.Value)
	if err != nil {
		return fmt.Errorf("expected value: %w", err)
	}
	have, err := ir.MarshalCanonical(got.Value())
	if err != nil {
		return fmt.Errorf("actual value: %w", err)
	}
	if !bytes.Equal(want, have) {
		return &AssertionError{
			Type:     AssertContext,
			Expected: fmt.Sprintf("%s = %s", a.Path, want),
			Actual:   string(have),
		}
	}
	return nil
}

func assertSideEffects(actx *AssertionContext, instanceID string, a Assertion) error {
	effects, err := actx.Store.ListSideEffects(actx.Ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list side effects: %w", err)
	}
	n := 0
	for _, fx := range effects {
		if fx.EffectType == a.Effect {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertSideEffects,
			Expected: fmt.Sprintf("%d %s side effects", a.Count, a.Effect),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func assertRebuildMatches(actx *AssertionContext, instanceID string) error {
	rebuilt, live, err := actx.Engine.Rebuild(actx.Ctx, instanceID)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if !rebuilt.Equal(live) {
		return &AssertionError{
			Type:     AssertRebuildMatches,
			Expected: fmt.Sprintf("%s %v", live.Status, live.CurrentNodes),
			Actual:   fmt.Sprintf("%s %v", rebuilt.Status, rebuilt.CurrentNodes),
		}
	}
	return nil
}
