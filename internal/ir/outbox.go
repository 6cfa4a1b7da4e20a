package ir

import "time"

// Outbox event types consumed by the engine worker.
const (
	EventWorkflowStart   = "workflow_start"
	EventWorkflowAdvance = "workflow_advance"
)

// DeliveryStatus is the state of an outbox or side-effect row.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDead       DeliveryStatus = "dead"
)

// OutboxEvent is a durable queue row written in the same transaction as the
// mutation that caused it.
type OutboxEvent struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"org_id"`
	InstanceID     string         `json:"instance_id,omitempty"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	EntityVersion  int64          `json:"entity_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// SideEffect is an I/O request produced by a step and delivered by the IO
// worker, never inline.
type SideEffect struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	StepID         string         `json:"step_id"`
	EffectType     string         `json:"effect_type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// WaitKind distinguishes timer waits from event waits.
type WaitKind string

const (
	WaitTimer WaitKind = "timer"
	WaitEvent WaitKind = "event"
)

// WaitStatus is the state of a wait record.
type WaitStatus string

const (
	WaitWaiting   WaitStatus = "waiting"
	WaitResumed   WaitStatus = "resumed"
	WaitCancelled WaitStatus = "cancelled"
)

// WaitRecord parks a token on a wait node until its timer is due or its
// event key arrives.
type WaitRecord struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	NodeID        string     `json:"node_id"`
	TokenID       string     `json:"token_id"`
	Kind          WaitKind   `json:"kind"`
	ResumeAt      *time.Time `json:"resume_at,omitempty"`
	EventKey      string     `json:"event_key,omitempty"`
	EntityVersion int64      `json:"entity_version"`
	Status        WaitStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ResumedAt     *time.Time `json:"resumed_at,omitempty"`
}

// ExecutionLogEntry is a best-effort audit line attached to an instance.
type ExecutionLogEntry struct {
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id,omitempty"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ReceiptKind names the idempotency domain a receipt belongs to.
type ReceiptKind string

const (
	ReceiptStep  ReceiptKind = "step"
	ReceiptJoin  ReceiptKind = "join"
	ReceiptEvent ReceiptKind = "event"
)

// Receipt proves that the action identified by Key has happened. Inserting
// a receipt whose key already exists is a no-op that reports false.
type Receipt struct {
	Key        string      `json:"key"`
	Kind       ReceiptKind `json:"kind"`
	InstanceID string      `json:"instance_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
