package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lifeflow/internal/ir"
)

// DAGResult is the outcome of ValidateDAG.
type DAGResult struct {
	Valid  bool          `json:"valid"`
	Errors CompileErrors `json:"errors,omitempty"`
}

// ValidateDAG checks the structural correctness of a node/edge list.
// All checks run; every problem found is reported.
//
// Checks:
//   - node and edge ids are unique
//   - exactly one start node, at least one end node
//   - every edge endpoint exists
//   - the graph is acyclic (Kahn's algorithm)
//   - every node is reachable from the start node (BFS)
//   - sys:start and sys:end exist
//   - every other sys: node (except the start) has an incoming edge
func ValidateDAG(nodes []ir.Node, edges []ir.Edge) DAGResult {
	var errs CompileErrors
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]bool, len(nodes))
	var starts []string
	ends := 0
	for _, n := range nodes {
		if ids[n.ID] {
			add(ErrDuplicateNode, "nodes", "Duplicate node id: %s", n.ID)
			continue
		}
		ids[n.ID] = true
		if !n.Type.Valid() {
			add(ErrUnknownNodeType, "nodes."+n.ID, "unknown node type %q", n.Type)
		}
		switch n.Type {
		case ir.NodeStart:
			starts = append(starts, n.ID)
		case ir.NodeEnd:
			ends++
		}
	}

	if len(starts) != 1 {
		add(ErrStartNodeCount, "nodes", "Graph must have exactly one start node, found %d", len(starts))
	}
	if ends == 0 {
		add(ErrMissingEndNode, "nodes", "Graph must have at least one end node")
	}

	edgeIDs := make(map[string]bool, len(edges))
	valid := make([]edgeRef, 0, len(edges))
	incoming := make(map[string]int, len(nodes))
	for _, e := range edges {
		if edgeIDs[e.ID] {
			add(ErrDuplicateEdge, "edges", "Duplicate edge id: %s", e.ID)
			continue
		}
		edgeIDs[e.ID] = true
		dangling := false
		if !ids[e.Source] {
			add(ErrDanglingEdge, "edges."+e.ID, "Edge %s references non-existent source node %s", e.ID, e.Source)
			dangling = true
		}
		if !ids[e.Target] {
			add(ErrDanglingEdge, "edges."+e.ID, "Edge %s references non-existent target node %s", e.ID, e.Target)
			dangling = true
		}
		if dangling {
			continue
		}
		valid = append(valid, edgeRef{source: e.Source, target: e.Target})
		incoming[e.Target]++
	}

	adj, inDegree := buildAdjacency(ids, valid)
	order, residual := kahn(adj, inDegree)
	if len(order) != len(ids) {
		path := findCyclePath(residual, adj)
		add(ErrCycle, "edges", "Graph contains a cycle: %d of %d nodes could not be ordered (%s)",
			len(residual), len(ids), strings.Join(path, " -> "))
	}

	if len(starts) == 1 {
		reached := reachableFrom(starts[0], adj)
		for _, id := range sortedKeys(ids) {
			if !reached[id] {
				add(ErrUnreachableNode, "nodes."+id, "Node %s is unreachable from %s", id, starts[0])
			}
		}
	}

	for _, required := range []string{ir.StartNodeID, ir.EndNodeID} {
		if !ids[required] {
			add(ErrMissingSystemGate, "nodes", "Required system gate %s is missing", required)
		}
	}

	for _, n := range nodes {
		if n.Type == ir.NodeStart || !ir.IsSystemID(n.ID) {
			continue
		}
		if incoming[n.ID] == 0 {
			add(ErrOrphanSystemNode, "nodes."+n.ID, "System node %s has no incoming edge", n.ID)
		}
	}

	return DAGResult{Valid: len(errs) == 0, Errors: errs}
}

// reachableFrom runs a breadth-first traversal from start.
func reachableFrom(start string, adj adjacency) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, succ := range adj[current] {
			if !seen[succ] {
				seen[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	return seen
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
