package ir

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further advancement is allowed.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// Instance is one execution of a compiled workflow for one entity.
//
// EntityVersion is the version pinned at creation; stable regions compare
// incoming versions against it.
type Instance struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	EntityVersion     int64          `json:"entity_version"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	ActiveTokens      []string       `json:"active_tokens"`
	CurrentNodes      []string       `json:"current_nodes"`
	Context           map[string]any `json:"context,omitempty"`
	SplitEpoch        int64          `json:"split_epoch"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TokenStatus is the lifecycle state of a token.
type TokenStatus string

const (
	TokenActive    TokenStatus = "active"
	TokenWaiting   TokenStatus = "waiting"
	TokenCompleted TokenStatus = "completed"
	TokenCancelled TokenStatus = "cancelled"
)

// IsLive reports whether the token still occupies a node.
func (s TokenStatus) IsLive() bool {
	return s == TokenActive || s == TokenWaiting
}

// Token is one thread of control through the compiled graph.
//
// Epoch identifies the split that produced the token; joins group arrivals
// by it. Tokens outside any split carry epoch 0.
type Token struct {
	ID            string      `json:"id"`
	InstanceID    string      `json:"instance_id"`
	NodeID        string      `json:"node_id"`
	Status        TokenStatus `json:"status"`
	ParentTokenID string      `json:"parent_token_id,omitempty"`
	SpawnNodeID   string      `json:"spawn_node_id,omitempty"`
	PathIndex     int         `json:"path_index"`
	Epoch         int64       `json:"epoch"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// SpawnedToken records a child created by a parallel split.
type SpawnedToken struct {
	TokenID string `json:"token_id"`
	NodeID  string `json:"node_id"`
	EdgeID  string `json:"edge_id"`
}

// StepExecution is the durable record of one advancement attempt.
//
// SpawnedTokens, RetiredTokens and CancelledTokens capture every token
// transition the step caused, so the step log alone rebuilds the projection.
type StepExecution struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	NodeID          string         `json:"node_id"`
	NodeType        NodeType       `json:"node_type"`
	TokenID         string         `json:"token_id"`
	EntityVersion   int64          `json:"entity_version"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Status          StepStatus     `json:"status"`
	ChosenEdges     []string       `json:"chosen_edges"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	SpawnedTokens   []SpawnedToken `json:"spawned_tokens,omitempty"`
	RetiredTokens   []string       `json:"retired_tokens,omitempty"`
	CancelledTokens []string       `json:"cancelled_tokens,omitempty"`
	Seq             int64          `json:"seq"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
}

// Definition is a compiled workflow published for an organization and
// entity type. The latest published version wins.
type Definition struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id"`
	EntityType  string            `json:"entity_type"`
	Version     int               `json:"version"`
	Compiled    *CompiledWorkflow `json:"compiled"`
	PublishedAt time.Time         `json:"published_at"`
}
