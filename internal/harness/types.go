package harness

import (
	"github.com/roach88/lifeflow/internal/ir"
)

// TraceEvent is one recorded step, reduced to the fields that are stable
// across runs.
type TraceEvent struct {
	NodeID        string   `json:"node_id"`
	NodeType      string   `json:"node_type"`
	Status        string   `json:"status"`
	EntityVersion int64    `json:"entity_version"`
	ChosenEdges   []string `json:"chosen_edges,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	InstanceID     string            `json:"instance_id"`
	InstanceStatus ir.InstanceStatus `json:"instance_status"`

	// Trace holds the instance's steps in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Context is the final context bag.
	Context map[string]any `json:"context,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func traceOf(steps []ir.StepExecution) []TraceEvent {
	trace := make([]TraceEvent, 0, len(steps))
	for _, s := range steps {
		trace = append(trace, TraceEvent{
			NodeID:        s.NodeID,
			NodeType:      string(s.NodeType),
			Status:        string(s.Status),
			EntityVersion: s.EntityVersion,
			ChosenEdges:   s.ChosenEdges,
			Error:         s.Error,
		})
	}
	return trace
}
