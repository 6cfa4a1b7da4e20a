package compiler

import "slices"

// adjacency maps node id to the sorted ids of its successors.
type adjacency map[string][]string

// buildAdjacency indexes edges whose endpoints both exist. Successor lists
// are sorted so every traversal over the result is deterministic.
func buildAdjacency(nodeIDs map[string]bool, edges []edgeRef) (adjacency, map[string]int) {
	adj := make(adjacency, len(nodeIDs))
	inDegree := make(map[string]int, len(nodeIDs))
	for id := range nodeIDs {
		adj[id] = nil
		inDegree[id] = 0
	}
	for _, e := range edges {
		if !nodeIDs[e.source] || !nodeIDs[e.target] {
			continue
		}
		adj[e.source] = append(adj[e.source], e.target)
		inDegree[e.target]++
	}
	for id := range adj {
		slices.Sort(adj[id])
	}
	return adj, inDegree
}

// edgeRef is the minimal edge shape the graph algorithms need.
type edgeRef struct {
	source string
	target string
}

// findCyclePath returns one cycle among the residual nodes Kahn's algorithm
// could not order, as a closed path [a, b, ..., a]. Every residual node
// keeps at least one residual predecessor, so walking predecessors from the
// smallest residual id always revisits a node.
func findCyclePath(residual map[string]bool, adj adjacency) []string {
	if len(residual) == 0 {
		return nil
	}
	preds := make(map[string][]string, len(residual))
	ids := make([]string, 0, len(residual))
	for id := range residual {
		ids = append(ids, id)
		for _, succ := range adj[id] {
			if residual[succ] {
				preds[succ] = append(preds[succ], id)
			}
		}
	}
	slices.Sort(ids)
	for id := range preds {
		slices.Sort(preds[id])
	}

	pos := make(map[string]int)
	var walk []string
	current := ids[0]
	for {
		if i, seen := pos[current]; seen {
			cycle := append(slices.Clone(walk[i:]), current)
			slices.Reverse(cycle)
			return cycle
		}
		pos[current] = len(walk)
		walk = append(walk, current)
		if len(preds[current]) == 0 {
			return walk
		}
		current = preds[current][0]
	}
}
