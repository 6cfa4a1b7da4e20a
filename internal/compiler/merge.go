package compiler

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/lifeflow/internal/dsl"
	"github.com/roach88/lifeflow/internal/ir"
)

// CompileInput is everything a compilation depends on. Two compilations of
// equal inputs produce byte-identical workflows.
type CompileInput struct {
	DefinitionID    string
	EntityType      string
	EnvelopeVersion int
	Nodes           []ir.Node
	Edges           []ir.Edge
	Slots           []ir.BodySlot
	Patches         map[string]ir.SlotPatch
	RequiredGates   []string
}

// InputFromEnvelope builds a CompileInput from an envelope and its patches.
func InputFromEnvelope(env *ir.Envelope, patches []ir.SlotPatch) CompileInput {
	bySlot := make(map[string]ir.SlotPatch, len(patches))
	for _, p := range patches {
		bySlot[p.SlotID] = p
	}
	return CompileInput{
		DefinitionID:    env.ID,
		EntityType:      env.EntityType,
		EnvelopeVersion: env.Version,
		Nodes:           env.Nodes,
		Edges:           env.Edges,
		Slots:           env.Slots,
		Patches:         bySlot,
		RequiredGates:   env.RequiredGates,
	}
}

// mergeState accumulates the merged graph while patches are applied.
type mergeState struct {
	nodes          []ir.Node
	edges          []ir.Edge
	nodeProvenance map[string]string
	edgeProvenance map[string]string
	windows        map[string]ir.EditWindow
	stable         map[string]bool
}

// CompileEffective merges the envelope with its slot patches and returns
// the compiled workflow. On any error it returns CompileErrors and no
// workflow; partial results are never returned.
func CompileEffective(in CompileInput) (*ir.CompiledWorkflow, error) {
	st := &mergeState{
		nodes:          slices.Clone(in.Nodes),
		edges:          slices.Clone(in.Edges),
		nodeProvenance: make(map[string]string, len(in.Nodes)),
		edgeProvenance: make(map[string]string, len(in.Edges)),
		windows:        make(map[string]ir.EditWindow),
		stable:         make(map[string]bool),
	}
	for _, n := range in.Nodes {
		st.nodeProvenance[n.ID] = ir.ProvenanceEnvelope
		if n.EditWindow != "" {
			st.windows[n.ID] = n.EditWindow
		}
	}
	for _, e := range in.Edges {
		st.edgeProvenance[e.ID] = ir.ProvenanceEnvelope
	}

	slots := make(map[string]ir.BodySlot, len(in.Slots))
	for _, s := range in.Slots {
		slots[s.ID] = s
	}

	var errs CompileErrors
	slotIDs := make([]string, 0, len(in.Patches))
	for id := range in.Patches {
		slotIDs = append(slotIDs, id)
	}
	slices.Sort(slotIDs)

	for _, slotID := range slotIDs {
		patch := in.Patches[slotID]
		if patch.SlotID == "" {
			patch.SlotID = slotID
		}
		slot, ok := slots[patch.SlotID]
		if !ok || patch.SlotID != slotID {
			errs = append(errs, ValidationError{
				Code:    ErrUnknownSlot,
				Field:   "patches." + slotID,
				Message: fmt.Sprintf("patch targets unknown slot %q", patch.SlotID),
			})
			continue
		}
		if verrs := ValidateSlotPatch(slot, patch); len(verrs) > 0 {
			errs = append(errs, verrs...)
			continue
		}
		if len(patch.Nodes) == 0 {
			continue
		}
		st.applyPatch(slot, patch)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	if res := ValidateDAG(st.nodes, st.edges); !res.Valid {
		return nil, res.Errors
	}
	if exprErrs := checkExpressions(st.nodes, st.edges); len(exprErrs) > 0 {
		return nil, exprErrs
	}

	compiled := st.build(in)
	if !compiled.SystemGates.Valid {
		for _, id := range compiled.SystemGates.Missing {
			errs = append(errs, ValidationError{
				Code:    ErrMissingSystemGate,
				Field:   "required_gates",
				Message: fmt.Sprintf("Required system gate %s is missing", id),
			})
		}
		return nil, errs
	}

	hash, err := compiled.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("hash compiled workflow: %w", err)
	}
	compiled.Hash = hash

	slog.Debug("workflow compiled",
		"definition_id", compiled.DefinitionID,
		"version", compiled.Version,
		"nodes", len(compiled.Nodes),
		"edges", len(compiled.Edges),
		"hash", hash)
	return compiled, nil
}

// applyPatch splices one validated, non-empty patch into the graph behind
// the slot's proxy nodes.
func (st *mergeState) applyPatch(slot ir.BodySlot, patch ir.SlotPatch) {
	inID := ir.SlotEntryProxyID(slot.ID)
	outID := ir.SlotExitProxyID(slot.ID)

	// Direct entry->exit edges, in id order; the first one donates its
	// priority and condition to the entry routing edge.
	var direct []ir.Edge
	kept := st.edges[:0:0]
	for _, e := range st.edges {
		if e.Source == slot.EntryNodeID && e.Target == slot.ExitNodeID {
			direct = append(direct, e)
			if patch.KeepsDirectEdge() {
				kept = append(kept, e)
			}
			continue
		}
		kept = append(kept, e)
	}
	slices.SortFunc(direct, func(a, b ir.Edge) int { return cmp.Compare(a.ID, b.ID) })
	if !patch.KeepsDirectEdge() {
		for _, e := range direct {
			delete(st.edgeProvenance, e.ID)
		}
	}
	st.edges = kept

	entryEdge := ir.Edge{ID: routingEdgeID(slot.ID, "entry-in"), Source: slot.EntryNodeID, Target: inID}
	if len(direct) > 0 {
		if patch.KeepsDirectEdge() {
			entryEdge.Priority = direct[0].Priority + 1
		} else {
			entryEdge.Priority = direct[0].Priority
			entryEdge.Condition = direct[0].Condition
		}
	}

	window := ir.Stricter(slot.DefaultEditWindow, patch.EditWindowOverride)

	st.addNode(slot.ID, ir.MustNode(inID, ir.NodeAction, ir.ActionConfig{Action: "slot.enter"}), window, slot.StableRegion)
	st.addNode(slot.ID, ir.MustNode(outID, ir.NodeAction, ir.ActionConfig{Action: "slot.exit"}), window, slot.StableRegion)

	patchEdges := make([]ir.Edge, len(patch.Edges))
	explicitIn, explicitOut := false, false
	for i, e := range patch.Edges {
		if e.Source == slot.EntryNodeID {
			e.Source = inID
			explicitIn = true
		}
		if e.Target == slot.ExitNodeID {
			e.Target = outID
			explicitOut = true
		}
		patchEdges[i] = e
	}

	for _, n := range patch.Nodes {
		st.addNode(slot.ID, n, ir.Stricter(window, n.EditWindow), slot.StableRegion)
	}
	for _, e := range patchEdges {
		st.addEdge(slot.ID, e)
	}

	st.addEdge(slot.ID, entryEdge)
	if !explicitIn {
		first := patchBoundary(patch, func(e ir.Edge) string { return e.Target })
		st.addEdge(slot.ID, ir.Edge{ID: routingEdgeID(slot.ID, "in-first"), Source: inID, Target: first})
	}
	if !explicitOut {
		last := patchBoundary(patch, func(e ir.Edge) string { return e.Source })
		st.addEdge(slot.ID, ir.Edge{ID: routingEdgeID(slot.ID, "last-out"), Source: last, Target: outID})
	}
	st.addEdge(slot.ID, ir.Edge{ID: routingEdgeID(slot.ID, "out-exit"), Source: outID, Target: slot.ExitNodeID})
}

// patchBoundary returns the smallest patch node id that no internal patch
// edge touches on the given side: endpoint(e)=Target finds sources (no
// incoming), endpoint(e)=Source finds sinks (no outgoing).
func patchBoundary(patch ir.SlotPatch, endpoint func(ir.Edge) string) string {
	inPatch := make(map[string]bool, len(patch.Nodes))
	for _, n := range patch.Nodes {
		inPatch[n.ID] = true
	}
	touched := make(map[string]bool)
	for _, e := range patch.Edges {
		if inPatch[e.Source] && inPatch[e.Target] {
			touched[endpoint(e)] = true
		}
	}
	ids := ir.SortedNodeIDs(patch.Nodes)
	for _, id := range ids {
		if !touched[id] {
			return id
		}
	}
	return ids[0]
}

func routingEdgeID(slotID, name string) string {
	return "sys:slot:" + slotID + ":e:" + name
}

func (st *mergeState) addNode(provenance string, n ir.Node, window ir.EditWindow, stable bool) {
	st.nodes = append(st.nodes, n)
	st.nodeProvenance[n.ID] = provenance
	if window != "" {
		st.windows[n.ID] = window
	}
	if stable {
		st.stable[n.ID] = true
	}
}

func (st *mergeState) addEdge(provenance string, e ir.Edge) {
	st.edges = append(st.edges, e)
	st.edgeProvenance[e.ID] = provenance
}

// build sorts, indexes and summarises the merged graph. The DAG is known
// to be valid at this point.
func (st *mergeState) build(in CompileInput) *ir.CompiledWorkflow {
	nodes := make([]ir.Node, len(st.nodes))
	for i, n := range st.nodes {
		nodes[i] = n.WithDefaults()
	}
	slices.SortFunc(nodes, func(a, b ir.Node) int { return cmp.Compare(a.ID, b.ID) })
	edges := make([]ir.CompiledEdge, len(st.edges))
	for i, e := range st.edges {
		edges[i] = ir.CompiledEdge{Edge: e, Provenance: st.edgeProvenance[e.ID]}
	}
	slices.SortFunc(edges, func(a, b ir.CompiledEdge) int { return cmp.Compare(a.ID, b.ID) })

	order, _ := TopologicalSort(st.nodes, st.edges)

	outgoing := make(map[string][]string, len(nodes))
	incoming := make(map[string][]string, len(nodes))
	windows := make(map[string]ir.EditWindow, len(nodes))
	for _, n := range nodes {
		outgoing[n.ID] = []string{}
		incoming[n.ID] = []string{}
		windows[n.ID] = ir.Stricter(ir.EditWindowEditable, st.windows[n.ID])
	}
	byID := make(map[string]ir.CompiledEdge, len(edges))
	for _, e := range edges {
		byID[e.ID] = e
		outgoing[e.Source] = append(outgoing[e.Source], e.ID)
		incoming[e.Target] = append(incoming[e.Target], e.ID)
	}
	for id := range outgoing {
		slices.SortFunc(outgoing[id], func(a, b string) int {
			if c := cmp.Compare(byID[a].Priority, byID[b].Priority); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
	}

	stable := make([]string, 0, len(st.stable))
	for id := range st.stable {
		stable = append(stable, id)
	}
	slices.Sort(stable)

	joins := make(map[string]ir.JoinRequirement)
	for _, n := range nodes {
		if n.Type != ir.NodeParallelJoin {
			continue
		}
		cfg, _ := ir.ConfigOf[ir.ParallelJoinConfig](n)
		req := ir.JoinRequirement{RequiredCount: cfg.RequiredCount, Mode: cfg.Mode}
		if req.RequiredCount <= 0 {
			req.RequiredCount = len(incoming[n.ID])
		}
		if req.Mode == "" {
			req.Mode = ir.JoinAll
		}
		joins[n.ID] = req
	}

	return &ir.CompiledWorkflow{
		DefinitionID:      in.DefinitionID,
		EntityType:        in.EntityType,
		Version:           in.EnvelopeVersion,
		CompilerVersion:   ir.CompilerVersion,
		Nodes:             nodes,
		Edges:             edges,
		NodeProvenance:    st.nodeProvenance,
		Outgoing:          outgoing,
		Incoming:          incoming,
		TopologicalOrder:  order,
		EditWindows:       windows,
		StableRegionNodes: stable,
		JoinRequirements:  joins,
		SystemGates:       systemGates(in, nodes),
	}
}

// systemGates compares required system nodes with the merged graph.
// Required: sys:start, sys:end, declared required gates, and every
// sys:gate:* or sys:state:* node of the envelope.
func systemGates(in CompileInput, merged []ir.Node) ir.SystemGateReport {
	required := map[string]bool{ir.StartNodeID: true, ir.EndNodeID: true}
	for _, g := range in.RequiredGates {
		required[g] = true
	}
	for _, n := range in.Nodes {
		if strings.HasPrefix(n.ID, "sys:gate:") || strings.HasPrefix(n.ID, "sys:state:") {
			required[n.ID] = true
		}
	}
	present := make(map[string]bool, len(merged))
	for _, n := range merged {
		present[n.ID] = true
	}

	report := ir.SystemGateReport{Required: sortedKeys(required), Present: []string{}, Missing: []string{}}
	for _, id := range report.Required {
		if present[id] {
			report.Present = append(report.Present, id)
		} else {
			report.Missing = append(report.Missing, id)
		}
	}
	report.Valid = len(report.Missing) == 0
	return report
}

// checkExpressions runs the DSL safety checks over every edge condition
// and every expression-bearing node config.
func checkExpressions(nodes []ir.Node, edges []ir.Edge) CompileErrors {
	var errs CompileErrors
	check := func(field, expr string) {
		if expr == "" {
			return
		}
		if err := dsl.ValidateSafety(expr); err != nil {
			errs = append(errs, ValidationError{Code: ErrUnsafeExpression, Field: field, Message: err.Error()})
			return
		}
		if err := dsl.CheckRuntime(expr); err != nil {
			errs = append(errs, ValidationError{Code: ErrUnsafeExpression, Field: field, Message: err.Error()})
		}
	}
	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, func(a, b ir.Edge) int { return cmp.Compare(a.ID, b.ID) })
	for _, e := range sorted {
		check("edges."+e.ID+".condition", e.Condition)
	}
	for _, n := range nodes {
		switch cfg := n.Config.(type) {
		case ir.ConditionConfig:
			check("nodes."+n.ID+".expression", cfg.Expression)
		case ir.PolicyGateConfig:
			check("nodes."+n.ID+".condition", cfg.Condition)
		case ir.LifecycleGateConfig:
			check("nodes."+n.ID+".condition", cfg.Condition)
		}
	}
	return errs
}
