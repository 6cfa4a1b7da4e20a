package testutil

import "github.com/roach88/lifeflow/internal/ir"

// Fixture node ids shared across package tests.
const (
	GateNodeID   = "sys:gate:review"
	OpenNodeID   = "sys:state:open"
	CloseNodeID  = "sys:gate:close"
	SplitNodeID  = "sys:split"
	BranchANode  = "sys:branch:a"
	BranchBNode  = "sys:branch:b"
	JoinNodeID   = "sys:join"
	BodySlotID   = "body"
	WaitTimerID  = "sys:wait:cooldown"
	WaitEventID  = "sys:wait:signoff"
	NotifyNodeID = "sys:notify:owner"
)

// LinearEnvelope is start -> amend-only lifecycle gate -> locked end.
func LinearEnvelope() *ir.Envelope {
	gate := ir.MustNode(GateNodeID, ir.NodeLifecycleGate, ir.LifecycleGateConfig{State: "review"})
	gate.EditWindow = ir.EditWindowAmendOnly
	end := ir.MustNode(ir.EndNodeID, ir.NodeEnd, ir.EndConfig{Outcome: "done"})
	end.EditWindow = ir.EditWindowLocked

	return &ir.Envelope{
		ID:         "linear",
		EntityType: "invoice",
		Version:    1,
		Nodes: []ir.Node{
			ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
			gate,
			end,
		},
		Edges: []ir.Edge{
			{ID: "e1", Source: ir.StartNodeID, Target: GateNodeID},
			{ID: "e2", Source: GateNodeID, Target: ir.EndNodeID},
		},
	}
}

// SlotEnvelope is start -> open -> close -> end with a body slot between
// open and close.
func SlotEnvelope(stable bool) *ir.Envelope {
	return &ir.Envelope{
		ID:         "with-slot",
		EntityType: "invoice",
		Version:    3,
		Nodes: []ir.Node{
			ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
			ir.MustNode(OpenNodeID, ir.NodeAction, ir.ActionConfig{Action: "open"}),
			ir.MustNode(CloseNodeID, ir.NodeLifecycleGate, ir.LifecycleGateConfig{State: "closed"}),
			ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
		},
		Edges: []ir.Edge{
			{ID: "e-start", Source: ir.StartNodeID, Target: OpenNodeID},
			{ID: "e-body", Source: OpenNodeID, Target: CloseNodeID, Priority: 5},
			{ID: "e-end", Source: CloseNodeID, Target: ir.EndNodeID},
		},
		Slots: []ir.BodySlot{{
			ID:                BodySlotID,
			EntryNodeID:       OpenNodeID,
			ExitNodeID:        CloseNodeID,
			DefaultEditWindow: ir.EditWindowAmendOnly,
			StableRegion:      stable,
		}},
	}
}

// BodyPatch is a two-node patch for the body slot of SlotEnvelope.
func BodyPatch() ir.SlotPatch {
	return ir.SlotPatch{
		SlotID: BodySlotID,
		Nodes: []ir.Node{
			ir.MustNode("usr:body:check", ir.NodeCondition, ir.ConditionConfig{Expression: "entity.amount > 100"}),
			ir.MustNode("usr:body:stamp", ir.NodeAction, ir.ActionConfig{Action: "stamp"}),
		},
		Edges: []ir.Edge{
			{ID: "usr:body:e1", Source: "usr:body:check", Target: "usr:body:stamp"},
		},
	}
}

// SplitJoinEnvelope is start -> split -> {a, b} -> join(mode) -> end.
func SplitJoinEnvelope(mode ir.JoinMode) *ir.Envelope {
	return &ir.Envelope{
		ID:         "split-join-" + string(mode),
		EntityType: "order",
		Version:    1,
		Nodes: []ir.Node{
			ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
			ir.MustNode(SplitNodeID, ir.NodeParallelSplit, nil),
			ir.MustNode(BranchANode, ir.NodeAction, ir.ActionConfig{Action: "pack"}),
			ir.MustNode(BranchBNode, ir.NodeAction, ir.ActionConfig{Action: "bill"}),
			ir.MustNode(JoinNodeID, ir.NodeParallelJoin, ir.ParallelJoinConfig{Mode: mode}),
			ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
		},
		Edges: []ir.Edge{
			{ID: "e-split", Source: ir.StartNodeID, Target: SplitNodeID},
			{ID: "e-a", Source: SplitNodeID, Target: BranchANode},
			{ID: "e-b", Source: SplitNodeID, Target: BranchBNode},
			{ID: "e-a-join", Source: BranchANode, Target: JoinNodeID},
			{ID: "e-b-join", Source: BranchBNode, Target: JoinNodeID},
			{ID: "e-end", Source: JoinNodeID, Target: ir.EndNodeID},
		},
	}
}

// WaitEnvelope is start -> timer wait -> event wait -> notification -> end.
func WaitEnvelope() *ir.Envelope {
	return &ir.Envelope{
		ID:         "waits",
		EntityType: "contract",
		Version:    1,
		Nodes: []ir.Node{
			ir.MustNode(ir.StartNodeID, ir.NodeStart, nil),
			ir.MustNode(WaitTimerID, ir.NodeWaitTimer, ir.WaitTimerConfig{Duration: "1h"}),
			ir.MustNode(WaitEventID, ir.NodeWaitEvent, ir.WaitEventConfig{
				EventType:   "signed",
				KeyTemplate: "contract:${entity.id}:signed",
			}),
			ir.MustNode(NotifyNodeID, ir.NodeNotification, ir.NotificationConfig{
				Channel:   "email",
				Recipient: "${entity.owner}",
				Template:  "Contract ${entity.id} signed",
			}),
			ir.MustNode(ir.EndNodeID, ir.NodeEnd, nil),
		},
		Edges: []ir.Edge{
			{ID: "e1", Source: ir.StartNodeID, Target: WaitTimerID},
			{ID: "e2", Source: WaitTimerID, Target: WaitEventID},
			{ID: "e3", Source: WaitEventID, Target: NotifyNodeID},
			{ID: "e4", Source: NotifyNodeID, Target: ir.EndNodeID},
		},
	}
}
