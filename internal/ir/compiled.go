package ir

import "sync"

// ProvenanceEnvelope tags edges and nodes that come from the envelope.
const ProvenanceEnvelope = "envelope"

// CompiledEdge is an edge plus the slot (or envelope) it came from.
type CompiledEdge struct {
	Edge
	Provenance string `json:"provenance"`
}

// JoinRequirement tells a parallel join when to fire.
type JoinRequirement struct {
	RequiredCount int      `json:"required_count"`
	Mode          JoinMode `json:"mode"`
}

// SystemGateReport compares the system nodes a workflow must contain with
// the ones it does.
type SystemGateReport struct {
	Required []string `json:"required"`
	Present  []string `json:"present"`
	Missing  []string `json:"missing"`
	Valid    bool     `json:"valid"`
}

// CompiledWorkflow is the deterministic merge of an envelope and its patches.
//
// Nodes and Edges are sorted by id. Outgoing lists edge ids per node sorted
// by (priority, id); Incoming lists edge ids per node sorted by id.
// Hash covers every other field.
type CompiledWorkflow struct {
	DefinitionID      string                     `json:"definition_id"`
	EntityType        string                     `json:"entity_type"`
	Version           int                        `json:"version"`
	CompilerVersion   string                     `json:"compiler_version"`
	Nodes             []Node                     `json:"nodes"`
	Edges             []CompiledEdge             `json:"edges"`
	NodeProvenance    map[string]string          `json:"node_provenance"`
	Outgoing          map[string][]string        `json:"outgoing"`
	Incoming          map[string][]string        `json:"incoming"`
	TopologicalOrder  []string                   `json:"topological_order"`
	EditWindows       map[string]EditWindow      `json:"edit_windows"`
	StableRegionNodes []string                   `json:"stable_region_nodes"`
	JoinRequirements  map[string]JoinRequirement `json:"join_requirements"`
	SystemGates       SystemGateReport           `json:"system_gates"`
	Hash              string                     `json:"hash,omitempty"`

	indexOnce sync.Once
	nodeIndex map[string]int
	edgeIndex map[string]int
	stableSet map[string]bool
}

func (c *CompiledWorkflow) buildIndex() {
	c.indexOnce.Do(func() {
		c.nodeIndex = make(map[string]int, len(c.Nodes))
		for i, n := range c.Nodes {
			c.nodeIndex[n.ID] = i
		}
		c.edgeIndex = make(map[string]int, len(c.Edges))
		for i, e := range c.Edges {
			c.edgeIndex[e.ID] = i
		}
		c.stableSet = make(map[string]bool, len(c.StableRegionNodes))
		for _, id := range c.StableRegionNodes {
			c.stableSet[id] = true
		}
	})
}

// Node returns the node with the given id.
func (c *CompiledWorkflow) Node(id string) (Node, bool) {
	c.buildIndex()
	i, ok := c.nodeIndex[id]
	if !ok {
		return Node{}, false
	}
	return c.Nodes[i], true
}

// Edge returns the edge with the given id.
func (c *CompiledWorkflow) Edge(id string) (CompiledEdge, bool) {
	c.buildIndex()
	i, ok := c.edgeIndex[id]
	if !ok {
		return CompiledEdge{}, false
	}
	return c.Edges[i], true
}

// OutgoingEdges returns the node's outgoing edges in evaluation order.
func (c *CompiledWorkflow) OutgoingEdges(nodeID string) []CompiledEdge {
	ids := c.Outgoing[nodeID]
	out := make([]CompiledEdge, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Edge(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the node's incoming edges sorted by id.
func (c *CompiledWorkflow) IncomingEdges(nodeID string) []CompiledEdge {
	ids := c.Incoming[nodeID]
	out := make([]CompiledEdge, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Edge(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// StartNodeID returns the id of the start-typed node, or "" when absent.
func (c *CompiledWorkflow) StartNodeID() string {
	for _, n := range c.Nodes {
		if n.Type == NodeStart {
			return n.ID
		}
	}
	return ""
}

// IsStableRegion reports whether nodeID is tagged stable-region.
func (c *CompiledWorkflow) IsStableRegion(nodeID string) bool {
	c.buildIndex()
	return c.stableSet[nodeID]
}

// EditWindowOf returns the effective edit window of a node, editable when unset.
func (c *CompiledWorkflow) EditWindowOf(nodeID string) EditWindow {
	if w, ok := c.EditWindows[nodeID]; ok && w != "" {
		return w
	}
	return EditWindowEditable
}

// ContentHash hashes every field except Hash itself.
func (c *CompiledWorkflow) ContentHash() (string, error) {
	return Hash(c.hashView())
}

// hashView copies the exported content with Hash blanked. The copy avoids
// both mutating c and copying its sync.Once.
func (c *CompiledWorkflow) hashView() map[string]any {
	return map[string]any{
		"definition_id":       c.DefinitionID,
		"entity_type":         c.EntityType,
		"version":             c.Version,
		"compiler_version":    c.CompilerVersion,
		"nodes":               c.Nodes,
		"edges":               c.Edges,
		"node_provenance":     c.NodeProvenance,
		"outgoing":            c.Outgoing,
		"incoming":            c.Incoming,
		"topological_order":   c.TopologicalOrder,
		"edit_windows":        c.EditWindows,
		"stable_region_nodes": c.StableRegionNodes,
		"join_requirements":   c.JoinRequirements,
		"system_gates":        c.SystemGates,
	}
}
