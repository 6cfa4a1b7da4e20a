// Package projection derives an instance's active tokens, current nodes and
// status, either from the live token set or by replaying its step log.
//
// The engine uses Compute after every advancement; RebuildInstanceProjection
// reproduces the same result from steps alone, which is how drift between
// the stored projection and history is detected.
package projection

import (
	"fmt"
	"slices"

	"github.com/roach88/lifeflow/internal/ir"
)

// TokenState is a token's position as seen by a projection.
type TokenState struct {
	ID     string         `json:"id"`
	NodeID string         `json:"node_id"`
	Status ir.TokenStatus `json:"status"`
}

// Projection is the derived view of an instance.
type Projection struct {
	ActiveTokens []string          `json:"active_tokens"`
	CurrentNodes []string          `json:"current_nodes"`
	Status       ir.InstanceStatus `json:"status"`
	Tokens       []TokenState      `json:"tokens"`
}

// Equal compares the fields the live instance stores.
func (p Projection) Equal(o Projection) bool {
	return p.Status == o.Status &&
		slices.Equal(p.ActiveTokens, o.ActiveTokens) &&
		slices.Equal(p.CurrentNodes, o.CurrentNodes)
}

// Compute derives the projection of tokens over graph.
//
// Status is failed when failed is set; otherwise completed when a live
// token sits on an end node or no token is live; otherwise running.
func Compute(tokens []ir.Token, graph *ir.CompiledWorkflow, failed bool) Projection {
	p := Projection{
		ActiveTokens: []string{},
		CurrentNodes: []string{},
		Tokens:       make([]TokenState, 0, len(tokens)),
	}
	atEnd := false
	for _, t := range tokens {
		p.Tokens = append(p.Tokens, TokenState{ID: t.ID, NodeID: t.NodeID, Status: t.Status})
		if !t.Status.IsLive() {
			continue
		}
		p.ActiveTokens = append(p.ActiveTokens, t.ID)
		if !slices.Contains(p.CurrentNodes, t.NodeID) {
			p.CurrentNodes = append(p.CurrentNodes, t.NodeID)
		}
		if n, ok := graph.Node(t.NodeID); ok && n.Type == ir.NodeEnd {
			atEnd = true
		}
	}
	slices.Sort(p.ActiveTokens)
	slices.Sort(p.CurrentNodes)
	slices.SortFunc(p.Tokens, func(a, b TokenState) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	switch {
	case failed:
		p.Status = ir.InstanceFailed
	case atEnd || len(p.ActiveTokens) == 0:
		p.Status = ir.InstanceCompleted
	default:
		p.Status = ir.InstanceRunning
	}
	return p
}

// RebuildInstanceProjection replays steps (in seq order) over graph.
//
// seed supplies tokens known before the first step, typically the initial
// token at the start node. Without a seed, a token is created at the node
// of the first step that mentions it. A step naming an unknown node or
// choosing an unknown edge is an error.
func RebuildInstanceProjection(graph *ir.CompiledWorkflow, steps []ir.StepExecution, seed ...ir.Token) (Projection, error) {
	r := &replayer{graph: graph, byID: map[string]*ir.Token{}}
	for _, t := range seed {
		r.add(t.ID, t.NodeID, t.Status)
	}

	ordered := slices.Clone(steps)
	slices.SortStableFunc(ordered, func(a, b ir.StepExecution) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	for i := range ordered {
		if err := r.apply(&ordered[i]); err != nil {
			return Projection{}, fmt.Errorf("step %d (%s): %w", ordered[i].Seq, ordered[i].ID, err)
		}
	}

	tokens := make([]ir.Token, 0, len(r.order))
	for _, id := range r.order {
		tokens = append(tokens, *r.byID[id])
	}
	p := Compute(tokens, graph, r.failed)
	if r.cancelled && !r.failed {
		p.Status = ir.InstanceCancelled
	}
	return p, nil
}

type replayer struct {
	graph     *ir.CompiledWorkflow
	byID      map[string]*ir.Token
	order     []string
	failed    bool
	cancelled bool
}

func (r *replayer) add(id, nodeID string, status ir.TokenStatus) *ir.Token {
	t := &ir.Token{ID: id, NodeID: nodeID, Status: status}
	r.byID[id] = t
	r.order = append(r.order, id)
	return t
}

func (r *replayer) setStatus(id string, status ir.TokenStatus) {
	if t, ok := r.byID[id]; ok && t.Status.IsLive() {
		t.Status = status
	}
}

func (r *replayer) apply(s *ir.StepExecution) error {
	// Instance cancellation carries no token.
	if s.TokenID == "" {
		if s.Status == ir.StepCancelled {
			for _, id := range s.CancelledTokens {
				r.setStatus(id, ir.TokenCancelled)
			}
			for _, t := range r.byID {
				if t.Status.IsLive() {
					t.Status = ir.TokenCancelled
				}
			}
			r.cancelled = true
		}
		return nil
	}

	node, ok := r.graph.Node(s.NodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", s.NodeID)
	}
	t, ok := r.byID[s.TokenID]
	if !ok {
		t = r.add(s.TokenID, s.NodeID, ir.TokenActive)
	}

	switch s.Status {
	case ir.StepFailed:
		r.failed = true
	case ir.StepPending:
		if t.Status.IsLive() {
			t.NodeID = s.NodeID
			t.Status = ir.TokenWaiting
		}
	case ir.StepSkipped:
		r.setStatus(t.ID, ir.TokenCompleted)
	case ir.StepCancelled:
		r.setStatus(t.ID, ir.TokenCancelled)
	case ir.StepCompleted:
		return r.complete(s, node, t)
	}
	return nil
}

func (r *replayer) complete(s *ir.StepExecution, node ir.Node, t *ir.Token) error {
	for _, id := range s.CancelledTokens {
		r.setStatus(id, ir.TokenCancelled)
	}
	for _, id := range s.RetiredTokens {
		r.setStatus(id, ir.TokenCompleted)
	}

	switch {
	case node.Type == ir.NodeEnd:
		t.NodeID = node.ID
		t.Status = ir.TokenCompleted
		return nil
	case len(s.SpawnedTokens) > 0:
		for _, child := range s.SpawnedTokens {
			if _, ok := r.graph.Node(child.NodeID); !ok {
				return fmt.Errorf("spawned token %s at unknown node %q", child.TokenID, child.NodeID)
			}
			r.add(child.TokenID, child.NodeID, ir.TokenActive)
		}
		t.Status = ir.TokenCompleted
		return nil
	}

	edgeID := ""
	if len(s.ChosenEdges) > 0 {
		edgeID = s.ChosenEdges[0]
	} else if out := r.graph.Outgoing[node.ID]; len(out) > 0 {
		edgeID = out[0]
	}
	if edgeID == "" {
		t.Status = ir.TokenCompleted
		return nil
	}
	e, ok := r.graph.Edge(edgeID)
	if !ok {
		return fmt.Errorf("unknown edge %q", edgeID)
	}
	t.NodeID = e.Target
	t.Status = ir.TokenActive
	return nil
}
