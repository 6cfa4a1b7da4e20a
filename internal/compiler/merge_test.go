package compiler

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/testutil"
)

func compileSlot(t *testing.T, stable bool, patches ...ir.SlotPatch) *ir.CompiledWorkflow {
	t.Helper()
	compiled, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(stable), patches))
	require.NoError(t, err)
	return compiled
}

func edgeIDs(c *ir.CompiledWorkflow) []string {
	ids := make([]string, len(c.Edges))
	for i, e := range c.Edges {
		ids[i] = e.ID
	}
	return ids
}

func TestCompileEffective_NoPatches(t *testing.T) {
	compiled, err := CompileEffective(InputFromEnvelope(testutil.LinearEnvelope(), nil))
	require.NoError(t, err)

	assert.Equal(t, ir.CompilerVersion, compiled.CompilerVersion)
	assert.Equal(t, []string{ir.StartNodeID, testutil.GateNodeID, ir.EndNodeID}, compiled.TopologicalOrder)
	assert.Equal(t, ir.EditWindowAmendOnly, compiled.EditWindowOf(testutil.GateNodeID))
	assert.Equal(t, ir.EditWindowLocked, compiled.EditWindowOf(ir.EndNodeID))
	assert.Equal(t, ir.EditWindowEditable, compiled.EditWindowOf(ir.StartNodeID))
	assert.Len(t, compiled.Hash, 64)
	assert.True(t, compiled.SystemGates.Valid)
	assert.Contains(t, compiled.SystemGates.Present, testutil.GateNodeID)
	assert.Equal(t, ir.ProvenanceEnvelope, compiled.NodeProvenance[testutil.GateNodeID])
}

func TestCompileEffective_HashDeterministic(t *testing.T) {
	first := compileSlot(t, true, testutil.BodyPatch())
	second := compileSlot(t, true, testutil.BodyPatch())
	assert.Equal(t, first.Hash, second.Hash)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompileEffective_HashIgnoresInputOrder(t *testing.T) {
	env := testutil.SlotEnvelope(false)
	patch := testutil.BodyPatch()
	want, err := CompileEffective(InputFromEnvelope(env, []ir.SlotPatch{patch}))
	require.NoError(t, err)

	shuffled := testutil.SlotEnvelope(false)
	slices.Reverse(shuffled.Nodes)
	slices.Reverse(shuffled.Edges)
	reversed := testutil.BodyPatch()
	slices.Reverse(reversed.Nodes)
	got, err := CompileEffective(InputFromEnvelope(shuffled, []ir.SlotPatch{reversed}))
	require.NoError(t, err)

	assert.Equal(t, want.Hash, got.Hash)
}

func TestCompileEffective_HashChangesWithContent(t *testing.T) {
	base := compileSlot(t, false, testutil.BodyPatch())

	patch := testutil.BodyPatch()
	patch.Edges[0].Priority = 1
	changed := compileSlot(t, false, patch)
	assert.NotEqual(t, base.Hash, changed.Hash)

	stable := compileSlot(t, true, testutil.BodyPatch())
	assert.NotEqual(t, base.Hash, stable.Hash)
}

func TestCompileEffective_HashSurvivesJSONRoundTrip(t *testing.T) {
	compiled := compileSlot(t, true, testutil.BodyPatch())
	data, err := json.Marshal(compiled)
	require.NoError(t, err)

	var decoded ir.CompiledWorkflow
	require.NoError(t, json.Unmarshal(data, &decoded))
	hash, err := decoded.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, compiled.Hash, hash)
}

func TestCompileEffective_SplicesPatch(t *testing.T) {
	compiled := compileSlot(t, false, testutil.BodyPatch())

	in := ir.SlotEntryProxyID(testutil.BodySlotID)
	out := ir.SlotExitProxyID(testutil.BodySlotID)

	assert.Equal(t, []string{
		"e-end",
		"e-start",
		"sys:slot:body:e:entry-in",
		"sys:slot:body:e:in-first",
		"sys:slot:body:e:last-out",
		"sys:slot:body:e:out-exit",
		"usr:body:e1",
	}, edgeIDs(compiled))

	entry, ok := compiled.Edge("sys:slot:body:e:entry-in")
	require.True(t, ok)
	assert.Equal(t, testutil.OpenNodeID, entry.Source)
	assert.Equal(t, in, entry.Target)
	assert.Equal(t, 5, entry.Priority, "entry routing edge inherits the replaced edge's priority")

	first, _ := compiled.Edge("sys:slot:body:e:in-first")
	assert.Equal(t, "usr:body:check", first.Target)
	last, _ := compiled.Edge("sys:slot:body:e:last-out")
	assert.Equal(t, "usr:body:stamp", last.Source)
	exit, _ := compiled.Edge("sys:slot:body:e:out-exit")
	assert.Equal(t, out, exit.Source)
	assert.Equal(t, testutil.CloseNodeID, exit.Target)

	proxy, ok := compiled.Node(in)
	require.True(t, ok)
	cfg, ok := ir.ConfigOf[ir.ActionConfig](proxy)
	require.True(t, ok)
	assert.Equal(t, "slot.enter", cfg.Action)

	assert.Equal(t, testutil.BodySlotID, compiled.NodeProvenance["usr:body:check"])
	assert.Equal(t, testutil.BodySlotID, first.Provenance)
	assert.Equal(t, []string{
		ir.StartNodeID, testutil.OpenNodeID, in, "usr:body:check", "usr:body:stamp", out,
		testutil.CloseNodeID, ir.EndNodeID,
	}, compiled.TopologicalOrder)
}

func TestCompileEffective_AppendModeKeepsDirectEdge(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.EntryMode = ir.PatchEdgeAppend
	patch.ExitMode = ir.PatchEdgeAppend
	compiled := compileSlot(t, false, patch)

	direct, ok := compiled.Edge("e-body")
	require.True(t, ok)
	assert.Equal(t, ir.ProvenanceEnvelope, direct.Provenance)

	entry, _ := compiled.Edge("sys:slot:body:e:entry-in")
	assert.Equal(t, 6, entry.Priority)
	assert.Equal(t, []string{"e-body", "sys:slot:body:e:entry-in"}, compiled.Outgoing[testutil.OpenNodeID])
}

func TestCompileEffective_AppendOnOneSideStillReplaces(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.EntryMode = ir.PatchEdgeAppend
	compiled := compileSlot(t, false, patch)

	_, ok := compiled.Edge("e-body")
	assert.False(t, ok)
}

func TestCompileEffective_ExplicitAttachmentEdgesRewired(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.Edges = append(patch.Edges,
		ir.Edge{ID: "usr:body:in", Source: testutil.OpenNodeID, Target: "usr:body:check"},
		ir.Edge{ID: "usr:body:out", Source: "usr:body:stamp", Target: testutil.CloseNodeID},
	)
	compiled := compileSlot(t, false, patch)

	in, _ := compiled.Edge("usr:body:in")
	assert.Equal(t, ir.SlotEntryProxyID(testutil.BodySlotID), in.Source)
	out, _ := compiled.Edge("usr:body:out")
	assert.Equal(t, ir.SlotExitProxyID(testutil.BodySlotID), out.Target)

	ids := edgeIDs(compiled)
	assert.NotContains(t, ids, "sys:slot:body:e:in-first")
	assert.NotContains(t, ids, "sys:slot:body:e:last-out")
	assert.Contains(t, ids, "sys:slot:body:e:entry-in")
	assert.Contains(t, ids, "sys:slot:body:e:out-exit")
}

func TestCompileEffective_StableRegion(t *testing.T) {
	compiled := compileSlot(t, true, testutil.BodyPatch())
	assert.Equal(t, []string{
		"sys:slot:body:in",
		"sys:slot:body:out",
		"usr:body:check",
		"usr:body:stamp",
	}, compiled.StableRegionNodes)
	assert.True(t, compiled.IsStableRegion("usr:body:check"))
	assert.False(t, compiled.IsStableRegion(testutil.OpenNodeID))

	plain := compileSlot(t, false, testutil.BodyPatch())
	assert.Empty(t, plain.StableRegionNodes)
}

func TestCompileEffective_EditWindowPropagation(t *testing.T) {
	compiled := compileSlot(t, false, testutil.BodyPatch())
	assert.Equal(t, ir.EditWindowAmendOnly, compiled.EditWindowOf("sys:slot:body:in"))
	assert.Equal(t, ir.EditWindowAmendOnly, compiled.EditWindowOf("usr:body:check"))

	patch := testutil.BodyPatch()
	patch.EditWindowOverride = ir.EditWindowLocked
	locked := compileSlot(t, false, patch)
	assert.Equal(t, ir.EditWindowLocked, locked.EditWindowOf("sys:slot:body:out"))
	assert.Equal(t, ir.EditWindowLocked, locked.EditWindowOf("usr:body:stamp"))

	patch = testutil.BodyPatch()
	patch.Nodes[0].EditWindow = ir.EditWindowEditable
	patch.Nodes[1].EditWindow = ir.EditWindowLocked
	perNode := compileSlot(t, false, patch)
	assert.Equal(t, ir.EditWindowAmendOnly, perNode.EditWindowOf("usr:body:check"), "node window never loosens the slot")
	assert.Equal(t, ir.EditWindowLocked, perNode.EditWindowOf("usr:body:stamp"))
}

func TestCompileEffective_UnknownSlot(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.SlotID = "nope"
	_, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(false), []ir.SlotPatch{patch}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown slot")

	var errs CompileErrors
	require.ErrorAs(t, err, &errs)
	assert.True(t, errs.HasCode(ErrUnknownSlot))
}

func TestCompileEffective_NamespaceViolation(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.Nodes = append(patch.Nodes, ir.MustNode("usr:elsewhere:x", ir.NodeAction, nil))
	_, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(false), []ir.SlotPatch{patch}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WF-06")
}

func TestCompileEffective_EmptyPatchLeavesEnvelope(t *testing.T) {
	base, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(false), nil))
	require.NoError(t, err)
	empty := compileSlot(t, false, ir.SlotPatch{SlotID: testutil.BodySlotID})
	assert.Equal(t, base.Hash, empty.Hash)
}

func TestCompileEffective_MissingRequiredGate(t *testing.T) {
	env := testutil.LinearEnvelope()
	env.RequiredGates = []string{"sys:gate:legal"}
	_, err := CompileEffective(InputFromEnvelope(env, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Required system gate sys:gate:legal is missing")
}

func TestCompileEffective_UnsafeCondition(t *testing.T) {
	env := testutil.LinearEnvelope()
	env.Edges[1].Condition = "entity.first + entity.last"
	_, err := CompileEffective(InputFromEnvelope(env, nil))
	require.Error(t, err)

	var errs CompileErrors
	require.ErrorAs(t, err, &errs)
	assert.True(t, errs.HasCode(ErrUnsafeExpression))
	assert.Contains(t, err.Error(), "concatenation")
}

func TestCompileEffective_UnsafeNodeExpression(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.Nodes[0] = ir.MustNode("usr:body:check", ir.NodeCondition, ir.ConditionConfig{Expression: "entity.constructor"})
	_, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(false), []ir.SlotPatch{patch}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden keyword")
}

func TestCompileEffective_CyclicPatchRejected(t *testing.T) {
	patch := testutil.BodyPatch()
	patch.Edges = append(patch.Edges, ir.Edge{ID: "usr:body:back", Source: "usr:body:stamp", Target: "usr:body:check"})
	_, err := CompileEffective(InputFromEnvelope(testutil.SlotEnvelope(false), []ir.SlotPatch{patch}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileEffective_JoinRequirements(t *testing.T) {
	compiled, err := CompileEffective(InputFromEnvelope(testutil.SplitJoinEnvelope(ir.JoinAny), nil))
	require.NoError(t, err)
	assert.Equal(t, ir.JoinRequirement{RequiredCount: 2, Mode: ir.JoinAny}, compiled.JoinRequirements[testutil.JoinNodeID])

	all, err := CompileEffective(InputFromEnvelope(testutil.SplitJoinEnvelope(""), nil))
	require.NoError(t, err)
	assert.Equal(t, ir.JoinAll, all.JoinRequirements[testutil.JoinNodeID].Mode)
}

func TestCompileEffective_OutgoingSortedByPriorityThenID(t *testing.T) {
	env := testutil.LinearEnvelope()
	env.Nodes = append(env.Nodes, ir.MustNode("sys:gate:alt", ir.NodeLifecycleGate, nil))
	env.Edges = append(env.Edges,
		ir.Edge{ID: "z-first", Source: ir.StartNodeID, Target: "sys:gate:alt", Priority: -1},
		ir.Edge{ID: "a-last", Source: "sys:gate:alt", Target: ir.EndNodeID},
		ir.Edge{ID: "b-tie", Source: ir.StartNodeID, Target: "sys:gate:alt"},
	)
	compiled, err := CompileEffective(InputFromEnvelope(env, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"z-first", "b-tie", "e1"}, compiled.Outgoing[ir.StartNodeID])
}
