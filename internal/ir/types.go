package ir

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Namespace prefixes for node identifiers.
const (
	SystemPrefix = "sys:"
	UserPrefix   = "usr:"

	StartNodeID = "sys:start"
	EndNodeID   = "sys:end"
)

// UserNamespace returns the prefix every node of a patch for slotID must carry.
func UserNamespace(slotID string) string {
	return UserPrefix + slotID + ":"
}

// IsSystemID reports whether id lives in the system namespace.
func IsSystemID(id string) bool {
	return strings.HasPrefix(id, SystemPrefix)
}

// SlotEntryProxyID is the synthesized node a slot's entry routes into.
func SlotEntryProxyID(slotID string) string {
	return "sys:slot:" + slotID + ":in"
}

// SlotExitProxyID is the synthesized node a slot's patch drains into.
func SlotExitProxyID(slotID string) string {
	return "sys:slot:" + slotID + ":out"
}

// EditWindow classifies which mutation verbs a node tolerates while a
// token sits on it.
type EditWindow string

const (
	EditWindowEditable  EditWindow = "editable"
	EditWindowAmendOnly EditWindow = "amend_only"
	EditWindowLocked    EditWindow = "locked"
)

// Rank orders windows by strictness. Unknown or empty windows rank as editable.
func (w EditWindow) Rank() int {
	switch w {
	case EditWindowAmendOnly:
		return 1
	case EditWindowLocked:
		return 2
	default:
		return 0
	}
}

// Valid reports whether w is one of the three known windows.
func (w EditWindow) Valid() bool {
	return w == EditWindowEditable || w == EditWindowAmendOnly || w == EditWindowLocked
}

// Stricter returns the stricter of two windows. Empty windows are ignored.
func Stricter(a, b EditWindow) EditWindow {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID         string     `json:"id"`
	Type       NodeType   `json:"type"`
	Label      string     `json:"label,omitempty"`
	EditWindow EditWindow `json:"edit_window,omitempty"`
	Config     NodeConfig `json:"config,omitempty"`
}

// NewNode builds a node, defaulting Config to the zero config for the type.
// Returns error for unknown node types or a config of the wrong type.
func NewNode(id string, t NodeType, cfg NodeConfig) (Node, error) {
	if !t.Valid() {
		return Node{}, fmt.Errorf("node %q: unknown node type %q", id, t)
	}
	if cfg == nil {
		cfg = zeroConfig(t)
	}
	cfg = valueConfig(cfg)
	if cfg.NodeType() != t {
		return Node{}, fmt.Errorf("node %q: config for %q attached to %q node", id, cfg.NodeType(), t)
	}
	return Node{ID: id, Type: t, Config: cfg}, nil
}

// MustNode is like NewNode but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNode(id string, t NodeType, cfg NodeConfig) Node {
	n, err := NewNode(id, t, cfg)
	if err != nil {
		panic(err)
	}
	return n
}

// WithDefaults fills a missing config with the empty config for the type,
// so a node hashes the same before and after a JSON round trip.
func (n Node) WithDefaults() Node {
	if n.Config == nil {
		if cfg := zeroConfig(n.Type); cfg != nil {
			n.Config = valueConfig(cfg)
		}
	}
	return n
}

// UnmarshalJSON decodes the config payload according to the type tag.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string          `json:"id"`
		Type       NodeType        `json:"type"`
		Label      string          `json:"label,omitempty"`
		EditWindow EditWindow      `json:"edit_window,omitempty"`
		Config     json.RawMessage `json:"config,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeNodeConfig(raw.Type, raw.Config)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Label = raw.Label
	n.EditWindow = raw.EditWindow
	n.Config = cfg
	return nil
}

// Edge connects two nodes. Lower priority values are evaluated first.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Priority  int    `json:"priority"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// BodySlot is a declared attachment region on an envelope.
type BodySlot struct {
	ID                string     `json:"id"`
	EntryNodeID       string     `json:"entry_node_id"`
	ExitNodeID        string     `json:"exit_node_id"`
	DefaultEditWindow EditWindow `json:"default_edit_window,omitempty"`
	StableRegion      bool       `json:"stable_region,omitempty"`
}

// PatchEdgeMode controls how a patch attaches at the slot's entry or exit.
type PatchEdgeMode string

const (
	// PatchEdgeReplace routes all traffic through the patch.
	PatchEdgeReplace PatchEdgeMode = "replace"
	// PatchEdgeAppend keeps the envelope's direct entry->exit edge as a
	// lower-priority alternative to the patch.
	PatchEdgeAppend PatchEdgeMode = "append"
)

// SlotPatch is an org-authored subgraph targeting exactly one slot.
type SlotPatch struct {
	SlotID             string        `json:"slot_id"`
	Nodes              []Node        `json:"nodes"`
	Edges              []Edge        `json:"edges"`
	EntryMode          PatchEdgeMode `json:"entry_mode,omitempty"`
	ExitMode           PatchEdgeMode `json:"exit_mode,omitempty"`
	EditWindowOverride EditWindow    `json:"edit_window_override,omitempty"`
}

// KeepsDirectEdge reports whether the envelope's entry->exit edge survives
// the merge. It does only when both attachment modes are append.
func (p SlotPatch) KeepsDirectEdge() bool {
	return p.EntryMode == PatchEdgeAppend && p.ExitMode == PatchEdgeAppend
}

// Envelope is the immutable system-authored base graph for an entity type.
type Envelope struct {
	ID            string     `json:"id"`
	EntityType    string     `json:"entity_type"`
	Version       int        `json:"version"`
	Nodes         []Node     `json:"nodes"`
	Edges         []Edge     `json:"edges"`
	Slots         []BodySlot `json:"slots,omitempty"`
	RequiredGates []string   `json:"required_gates,omitempty"`
}

// Slot returns the slot with the given id.
func (e *Envelope) Slot(id string) (BodySlot, bool) {
	for _, s := range e.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return BodySlot{}, false
}

// SortedNodeIDs returns the ids of nodes in ascending order.
func SortedNodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	slices.Sort(ids)
	return ids
}
