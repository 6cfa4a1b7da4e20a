package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/lifeflow/internal/ir"
)

// EventSpec describes an outbox event to enqueue.
type EventSpec struct {
	ID            string
	OrgID         string
	InstanceID    string
	EventType     string
	Payload       map[string]any
	EntityVersion int64
	Now           time.Time
}

// WriteOutboxEvent enqueues an event inside tx.
//
// The event receipt is inserted first; when its key already exists the
// event was enqueued before and nothing is written. Reports whether a row
// was written.
func WriteOutboxEvent(ctx context.Context, tx Tx, spec EventSpec) (bool, error) {
	key, err := ir.EventIdempotencyKey(spec.InstanceID, spec.EventType, spec.Payload, spec.EntityVersion)
	if err != nil {
		return false, fmt.Errorf("event key: %w", err)
	}
	inserted, err := tx.InsertReceipt(ctx, ir.Receipt{
		Key:        key,
		Kind:       ir.ReceiptEvent,
		InstanceID: spec.InstanceID,
		CreatedAt:  spec.Now,
	})
	if err != nil {
		return false, fmt.Errorf("insert event receipt: %w", err)
	}
	if !inserted {
		return false, nil
	}

	ev := &ir.OutboxEvent{
		ID:             spec.ID,
		OrgID:          spec.OrgID,
		InstanceID:     spec.InstanceID,
		EventType:      spec.EventType,
		Payload:        spec.Payload,
		EntityVersion:  spec.EntityVersion,
		IdempotencyKey: key,
		Status:         ir.DeliveryPending,
		NextRetryAt:    spec.Now,
		CreatedAt:      spec.Now,
	}
	if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}
	return true, nil
}

// advancePayload is the payload of a workflow_advance event.
func advancePayload(nodeID, tokenID string, resume bool, extra map[string]any) map[string]any {
	p := map[string]any{"node_id": nodeID, "token_id": tokenID}
	if resume {
		p["resume"] = true
	}
	if len(extra) > 0 {
		p["resume_payload"] = extra
	}
	return p
}

// AdvanceEventSpec builds the workflow_advance event that re-drives
// tokenID at nodeID. Resume events carry the wake-up payload.
func AdvanceEventSpec(id string, inst *ir.Instance, nodeID, tokenID string, resume bool, payload map[string]any, now time.Time) EventSpec {
	return EventSpec{
		ID:            id,
		OrgID:         inst.OrgID,
		InstanceID:    inst.ID,
		EventType:     ir.EventWorkflowAdvance,
		Payload:       advancePayload(nodeID, tokenID, resume, payload),
		EntityVersion: inst.EntityVersion,
		Now:           now,
	}
}
