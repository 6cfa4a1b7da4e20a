package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NodeType is the closed set of node kinds a workflow graph may contain.
type NodeType string

const (
	NodeStart         NodeType = "start"
	NodeEnd           NodeType = "end"
	NodeLifecycleGate NodeType = "lifecycle_gate"
	NodePolicyGate    NodeType = "policy_gate"
	NodeAction        NodeType = "action"
	NodeApproval      NodeType = "approval"
	NodeCondition     NodeType = "condition"
	NodeParallelSplit NodeType = "parallel_split"
	NodeParallelJoin  NodeType = "parallel_join"
	NodeWaitTimer     NodeType = "wait_timer"
	NodeWaitEvent     NodeType = "wait_event"
	NodeWebhookOut    NodeType = "webhook_out"
	NodeNotification  NodeType = "notification"
	NodeScript        NodeType = "script"
	NodeRule          NodeType = "rule"
)

// AllNodeTypes lists every node type in declaration order.
var AllNodeTypes = []NodeType{
	NodeStart, NodeEnd, NodeLifecycleGate, NodePolicyGate, NodeAction,
	NodeApproval, NodeCondition, NodeParallelSplit, NodeParallelJoin,
	NodeWaitTimer, NodeWaitEvent, NodeWebhookOut, NodeNotification,
	NodeScript, NodeRule,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return zeroConfig(t) != nil
}

// NodeConfig is the type-specific configuration payload of a node.
// The set of implementations is closed; each maps to exactly one NodeType.
type NodeConfig interface {
	NodeType() NodeType
}

// StartConfig configures the single start node.
type StartConfig struct{}

// EndConfig configures an end node.
type EndConfig struct {
	Outcome string `json:"outcome,omitempty"`
}

// LifecycleGateConfig guards a lifecycle state transition.
type LifecycleGateConfig struct {
	State     string `json:"state,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// PolicyGateConfig guards progress on an expression and actor roles.
type PolicyGateConfig struct {
	Condition     string   `json:"condition,omitempty"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// ActionConfig records an output computed from templates.
type ActionConfig struct {
	Action string            `json:"action"`
	Set    map[string]string `json:"set,omitempty"`
}

// ApprovalConfig pauses until a decision is present in the context bag.
type ApprovalConfig struct {
	ApproverRoles []string `json:"approver_roles,omitempty"`
	DecisionPath  string   `json:"decision_path,omitempty"`
	EventType     string   `json:"event_type,omitempty"`
}

// ConditionConfig evaluates an expression; routing is left to edge conditions.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// ParallelSplitConfig fans out one child token per outgoing edge.
type ParallelSplitConfig struct{}

// JoinMode decides when a parallel join fires.
type JoinMode string

const (
	JoinAll JoinMode = "all"
	JoinAny JoinMode = "any"
)

// ParallelJoinConfig configures a join. RequiredCount zero means "all
// incoming edges".
type ParallelJoinConfig struct {
	Mode          JoinMode `json:"mode,omitempty"`
	RequiredCount int      `json:"required_count,omitempty"`
}

// WaitTimerConfig suspends the token for a duration (Go duration syntax).
type WaitTimerConfig struct {
	Duration string `json:"duration"`
}

// WaitEventConfig suspends the token until an event with a matching key arrives.
// KeyTemplate is a ${...} template evaluated against the step environment.
type WaitEventConfig struct {
	EventType   string `json:"event_type"`
	KeyTemplate string `json:"key_template,omitempty"`
}

// WebhookOutConfig enqueues an outbound HTTP call.
type WebhookOutConfig struct {
	URL    string            `json:"url"`
	Method string            `json:"method,omitempty"`
	Body   map[string]string `json:"body,omitempty"`
}

// NotificationConfig enqueues a notification.
type NotificationConfig struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
	Template  string `json:"template,omitempty"`
}

// ScriptConfig runs a sandboxed Lua chunk that returns a table.
type ScriptConfig struct {
	Source string `json:"source"`
}

// RuleConfig delegates to an external rule engine.
type RuleConfig struct {
	RuleID string `json:"rule_id"`
	Phase  string `json:"phase,omitempty"`
}

func (StartConfig) NodeType() NodeType         { return NodeStart }
func (EndConfig) NodeType() NodeType           { return NodeEnd }
func (LifecycleGateConfig) NodeType() NodeType { return NodeLifecycleGate }
func (PolicyGateConfig) NodeType() NodeType    { return NodePolicyGate }
func (ActionConfig) NodeType() NodeType        { return NodeAction }
func (ApprovalConfig) NodeType() NodeType      { return NodeApproval }
func (ConditionConfig) NodeType() NodeType     { return NodeCondition }
func (ParallelSplitConfig) NodeType() NodeType { return NodeParallelSplit }
func (ParallelJoinConfig) NodeType() NodeType  { return NodeParallelJoin }
func (WaitTimerConfig) NodeType() NodeType     { return NodeWaitTimer }
func (WaitEventConfig) NodeType() NodeType     { return NodeWaitEvent }
func (WebhookOutConfig) NodeType() NodeType    { return NodeWebhookOut }
func (NotificationConfig) NodeType() NodeType  { return NodeNotification }
func (ScriptConfig) NodeType() NodeType        { return NodeScript }
func (RuleConfig) NodeType() NodeType          { return NodeRule }

// zeroConfig returns a pointer to the empty config for t, or nil when t is
// not a node type.
func zeroConfig(t NodeType) NodeConfig {
	switch t {
	case NodeStart:
		return &StartConfig{}
	case NodeEnd:
		return &EndConfig{}
	case NodeLifecycleGate:
		return &LifecycleGateConfig{}
	case NodePolicyGate:
		return &PolicyGateConfig{}
	case NodeAction:
		return &ActionConfig{}
	case NodeApproval:
		return &ApprovalConfig{}
	case NodeCondition:
		return &ConditionConfig{}
	case NodeParallelSplit:
		return &ParallelSplitConfig{}
	case NodeParallelJoin:
		return &ParallelJoinConfig{}
	case NodeWaitTimer:
		return &WaitTimerConfig{}
	case NodeWaitEvent:
		return &WaitEventConfig{}
	case NodeWebhookOut:
		return &WebhookOutConfig{}
	case NodeNotification:
		return &NotificationConfig{}
	case NodeScript:
		return &ScriptConfig{}
	case NodeRule:
		return &RuleConfig{}
	default:
		return nil
	}
}

// DecodeNodeConfig decodes raw into the config struct for t.
// Unknown types and unknown config fields are errors.
func DecodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	cfg := zeroConfig(t)
	if cfg == nil {
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return valueConfig(cfg), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", t, err)
	}
	return valueConfig(cfg), nil
}

// ConfigOf returns n's config as T.
func ConfigOf[T NodeConfig](n Node) (T, bool) {
	c, ok := n.Config.(T)
	return c, ok
}

// valueConfig dereferences pointer configs so nodes always carry values.
func valueConfig(c NodeConfig) NodeConfig {
	switch v := c.(type) {
	case *StartConfig:
		return *v
	case *EndConfig:
		return *v
	case *LifecycleGateConfig:
		return *v
	case *PolicyGateConfig:
		return *v
	case *ActionConfig:
		return *v
	case *ApprovalConfig:
		return *v
	case *ConditionConfig:
		return *v
	case *ParallelSplitConfig:
		return *v
	case *ParallelJoinConfig:
		return *v
	case *WaitTimerConfig:
		return *v
	case *WaitEventConfig:
		return *v
	case *WebhookOutConfig:
		return *v
	case *NotificationConfig:
		return *v
	case *ScriptConfig:
		return *v
	case *RuleConfig:
		return *v
	default:
		return c
	}
}
