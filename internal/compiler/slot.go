package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/lifeflow/internal/ir"
)

// wf06 is the prefix carried by every slot-scope violation message.
const wf06 = "WF-06: "

// ValidateSlotPatch enforces slot-scope rules on a patch. An empty patch is
// valid. Returned errors all carry code ErrSlotScope and a "WF-06" message.
func ValidateSlotPatch(slot ir.BodySlot, patch ir.SlotPatch) []ValidationError {
	var errs []ValidationError
	field := "patches." + slot.ID
	add := func(format string, args ...any) {
		errs = append(errs, ValidationError{
			Code:    ErrSlotScope,
			Field:   field,
			Message: wf06 + fmt.Sprintf(format, args...),
		})
	}

	if len(patch.Nodes) == 0 && len(patch.Edges) > 0 {
		add("patch for slot %s has %d edges but no nodes", slot.ID, len(patch.Edges))
		return errs
	}

	namespace := ir.UserNamespace(slot.ID)
	nodeIDs := make(map[string]bool, len(patch.Nodes))
	for _, n := range patch.Nodes {
		if nodeIDs[n.ID] {
			add("duplicate node id %s in patch", n.ID)
			continue
		}
		nodeIDs[n.ID] = true
		if !strings.HasPrefix(n.ID, namespace) {
			add("node %s must be namespaced under %s", n.ID, namespace)
		}
		switch {
		case !n.Type.Valid():
			add("node %s has unknown type %q", n.ID, n.Type)
		case n.Type == ir.NodeStart || n.Type == ir.NodeEnd:
			add("node %s: patches may not introduce %s nodes", n.ID, n.Type)
		}
		if n.EditWindow != "" && !n.EditWindow.Valid() {
			add("node %s has unknown edit window %q", n.ID, n.EditWindow)
		}
	}

	edgeIDs := make(map[string]bool, len(patch.Edges))
	for _, e := range patch.Edges {
		if edgeIDs[e.ID] {
			add("duplicate edge id %s in patch", e.ID)
			continue
		}
		edgeIDs[e.ID] = true
		if e.Source == slot.ExitNodeID {
			add("edge %s may not leave the slot exit %s", e.ID, e.Source)
		} else {
			checkEndpoint(e.ID, e.Source, slot, nodeIDs, add)
		}
		if e.Target == slot.EntryNodeID {
			add("edge %s may not enter the slot entry %s", e.ID, e.Target)
		} else {
			checkEndpoint(e.ID, e.Target, slot, nodeIDs, add)
		}
	}

	if patch.EditWindowOverride != "" {
		switch {
		case !patch.EditWindowOverride.Valid():
			add("unknown edit window override %q", patch.EditWindowOverride)
		case patch.EditWindowOverride.Rank() < slot.DefaultEditWindow.Rank():
			add("edit window override %s is looser than slot default %s",
				patch.EditWindowOverride, slot.DefaultEditWindow)
		}
	}

	for _, mode := range []ir.PatchEdgeMode{patch.EntryMode, patch.ExitMode} {
		if mode != "" && mode != ir.PatchEdgeReplace && mode != ir.PatchEdgeAppend {
			add("unknown edge mode %q", mode)
		}
	}

	return errs
}

func checkEndpoint(edgeID, nodeID string, slot ir.BodySlot, patchNodes map[string]bool, add func(string, ...any)) {
	switch {
	case patchNodes[nodeID]:
	case nodeID == slot.EntryNodeID || nodeID == slot.ExitNodeID:
	case ir.IsSystemID(nodeID):
		add("edge %s touches system node %s outside slot %s attachment points", edgeID, nodeID, slot.ID)
	default:
		add("edge %s references node %s outside the patch", edgeID, nodeID)
	}
}
