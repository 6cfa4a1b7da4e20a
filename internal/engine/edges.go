package engine

import (
	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
)

// ResolveEdges picks the outgoing edges of nodeID to follow.
//
// Edges are visited in (priority, id) order. An unconditioned edge is
// taken and ends the scan; conditioned edges are collected while their
// condition is truthy. A condition that fails to evaluate counts as false.
// When nothing matched, the first outgoing edge is the fallback. A node
// with no outgoing edges resolves to nil.
func ResolveEdges(compiled *ir.CompiledWorkflow, nodeID string, env *dsl.Env) []string {
	edges := compiled.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return nil
	}

	var chosen []string
	for _, e := range edges {
		if e.Condition == "" {
			chosen = append(chosen, e.ID)
			break
		}
		ok, err := dsl.EvaluateBool(e.Condition, env)
		if err == nil && ok {
			chosen = append(chosen, e.ID)
		}
	}
	if len(chosen) == 0 {
		return []string{edges[0].ID}
	}
	return chosen
}
