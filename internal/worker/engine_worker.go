package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// ErrMalformedEvent marks an outbox event whose payload cannot be acted
// on. Such events are dead-lettered without retry.
var ErrMalformedEvent = errors.New("malformed event")

// EngineWorker consumes workflow_start and workflow_advance outbox events.
type EngineWorker struct {
	engine  *engine.Engine
	queue   OutboxQueue
	cfg     Config
	logger  *slog.Logger
	metrics *counters
}

// NewEngineWorker creates a worker that drives e from queue. A nil logger
// uses slog.Default().
func NewEngineWorker(e *engine.Engine, queue OutboxQueue, cfg Config, logger *slog.Logger) *EngineWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineWorker{
		engine:  e,
		queue:   queue,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("worker", "engine"),
		metrics: newCounters("engine"),
	}
}

// PollAndProcess claims one batch of due events and handles each.
//
// A handled event is marked delivered. A failed one is rescheduled with
// backoff, or dead-lettered when it is malformed or out of attempts.
// Returns the number of events claimed.
func (w *EngineWorker) PollAndProcess(ctx context.Context) (int, error) {
	now := w.engine.Clock().Now()
	events, err := w.queue.ClaimOutbox(ctx, now, w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := w.handle(ctx, ev); err != nil {
			if ferr := w.fail(ctx, ev, err); ferr != nil {
				return i, ferr
			}
			continue
		}
		if err := w.queue.CompleteOutbox(ctx, ev.ID, w.engine.Clock().Now()); err != nil {
			return i, err
		}
		w.metrics.success(ctx)
	}
	return len(events), nil
}

func (w *EngineWorker) handle(ctx context.Context, ev ir.OutboxEvent) error {
	switch ev.EventType {
	case ir.EventWorkflowStart:
		req, err := createRequestFromEvent(ev)
		if err != nil {
			return err
		}
		inst, err := w.engine.CreateInstance(ctx, req)
		if err != nil {
			return err
		}
		w.logger.Info("workflow started", "event_id", ev.ID, "instance_id", inst.ID)
		return nil

	case ir.EventWorkflowAdvance:
		req, err := advanceRequestFromEvent(ev)
		if err != nil {
			return err
		}
		res, err := w.engine.AdvanceWorkflow(ctx, req)
		if engine.IsTerminal(err) {
			w.logger.Debug("advance on terminal instance ignored",
				"event_id", ev.ID, "instance_id", ev.InstanceID)
			return nil
		}
		if err != nil {
			return err
		}
		w.logger.Debug("workflow advanced",
			"event_id", ev.ID,
			"instance_id", ev.InstanceID,
			"node_id", req.NodeID,
			"token_id", req.TokenID,
			"status", res.Status,
		)
		return nil

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, ev.EventType)
	}
}

func (w *EngineWorker) fail(ctx context.Context, ev ir.OutboxEvent, cause error) error {
	dead := permanent(cause) || ev.Attempts >= w.cfg.MaxAttempts
	now := w.engine.Clock().Now()
	next := now.Add(w.cfg.Backoff.Delay(ev.Attempts))
	if err := w.queue.FailOutbox(ctx, ev.ID, next, cause.Error(), dead); err != nil {
		return err
	}
	if dead {
		w.metrics.deadLetter(ctx)
		w.logger.Error("event dead-lettered",
			"event_id", ev.ID, "event_type", ev.EventType, "attempts", ev.Attempts, "error", cause)
		return nil
	}
	w.metrics.retry(ctx)
	w.logger.Warn("event failed, will retry",
		"event_id", ev.ID, "event_type", ev.EventType, "attempts", ev.Attempts,
		"next_retry_at", next, "error", cause)
	return nil
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) ||
		engine.IsInvalidRequest(err) ||
		engine.IsStaleCompile(err)
}

// StartEventSpec builds the workflow_start event that creates req's
// instance asynchronously. req.InstanceID must be set: it names the
// instance before it exists and makes redelivery idempotent.
func StartEventSpec(eventID string, req engine.CreateRequest, now time.Time) engine.EventSpec {
	payload := map[string]any{
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	}
	if req.Entity != nil {
		payload["entity"] = req.Entity
	}
	if req.Actor != nil {
		payload["actor"] = req.Actor
	}
	if req.Context != nil {
		payload["context"] = req.Context
	}
	if req.DefinitionID != "" {
		payload["definition_id"] = req.DefinitionID
	}
	return engine.EventSpec{
		ID:            eventID,
		OrgID:         req.OrgID,
		InstanceID:    req.InstanceID,
		EventType:     ir.EventWorkflowStart,
		Payload:       payload,
		EntityVersion: req.EntityVersion,
		Now:           now,
	}
}

func createRequestFromEvent(ev ir.OutboxEvent) (engine.CreateRequest, error) {
	if ev.InstanceID == "" {
		return engine.CreateRequest{}, fmt.Errorf("%w: start event %s has no instance id", ErrMalformedEvent, ev.ID)
	}
	entityType, _ := ev.Payload["entity_type"].(string)
	if entityType == "" {
		return engine.CreateRequest{}, fmt.Errorf("%w: start event %s has no entity_type", ErrMalformedEvent, ev.ID)
	}
	entityID, _ := ev.Payload["entity_id"].(string)
	definitionID, _ := ev.Payload["definition_id"].(string)
	return engine.CreateRequest{
		InstanceID:    ev.InstanceID,
		OrgID:         ev.OrgID,
		EntityType:    entityType,
		EntityID:      entityID,
		EntityVersion: ev.EntityVersion,
		Entity:        objectField(ev.Payload, "entity"),
		Actor:         objectField(ev.Payload, "actor"),
		Context:       objectField(ev.Payload, "context"),
		DefinitionID:  definitionID,
	}, nil
}

// advanceRequestFromEvent leaves EntityVersion at zero so the step runs
// against the version pinned on the instance when it is processed.
func advanceRequestFromEvent(ev ir.OutboxEvent) (engine.AdvanceRequest, error) {
	nodeID, _ := ev.Payload["node_id"].(string)
	tokenID, _ := ev.Payload["token_id"].(string)
	if ev.InstanceID == "" || nodeID == "" || tokenID == "" {
		return engine.AdvanceRequest{}, fmt.Errorf("%w: advance event %s needs instance, node_id and token_id",
			ErrMalformedEvent, ev.ID)
	}
	resume, _ := ev.Payload["resume"].(bool)
	return engine.AdvanceRequest{
		InstanceID:    ev.InstanceID,
		NodeID:        nodeID,
		TokenID:       tokenID,
		Resume:        resume,
		ResumePayload: objectField(ev.Payload, "resume_payload"),
	}, nil
}

func objectField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
