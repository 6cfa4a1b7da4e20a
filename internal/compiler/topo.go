package compiler

import (
	"slices"

	"github.com/roach88/lifeflow/internal/ir"
)

// TopologicalSort orders nodes with Kahn's algorithm. Ties among nodes that
// become ready together are broken by ascending id, so the order is a pure
// function of the graph. Returns (nil, false) when the graph has a cycle.
// Edges whose endpoints do not exist are ignored.
func TopologicalSort(nodes []ir.Node, edges []ir.Edge) ([]string, bool) {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	adj, inDegree := buildAdjacency(ids, toRefs(edges))
	order, _ := kahn(adj, inDegree)
	if len(order) != len(ids) {
		return nil, false
	}
	return order, true
}

// kahn returns the processed order plus the residual (unprocessed) nodes.
func kahn(adj adjacency, inDegree map[string]int) ([]string, map[string]bool) {
	remaining := make(map[string]int, len(inDegree))
	var queue []string
	for id, d := range inDegree {
		remaining[id] = d
		if d == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, succ := range adj[current] {
			remaining[succ]--
			if remaining[succ] == 0 {
				queue = insertSorted(queue, succ)
			}
		}
	}

	residual := make(map[string]bool)
	for id, d := range remaining {
		if d > 0 {
			residual[id] = true
		}
	}
	return order, residual
}

// insertSorted inserts id into an ascending queue.
func insertSorted(queue []string, id string) []string {
	i, _ := slices.BinarySearch(queue, id)
	return slices.Insert(queue, i, id)
}

func toRefs(edges []ir.Edge) []edgeRef {
	refs := make([]edgeRef, len(edges))
	for i, e := range edges {
		refs[i] = edgeRef{source: e.Source, target: e.Target}
	}
	return refs
}
