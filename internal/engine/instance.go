package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/roach88/lifeflow/internal/ir"
)

// CreateRequest describes the entity a new instance runs for.
type CreateRequest struct {
	OrgID         string
	EntityType    string
	EntityID      string
	EntityVersion int64
	Entity        map[string]any
	Actor         map[string]any

	// DefinitionID pins a definition. Empty selects the latest version
	// published for (OrgID, EntityType).
	DefinitionID string

	// Context seeds the context bag; "entity" is always overwritten with
	// Entity.
	Context map[string]any

	// InstanceID fixes the new instance's id. Creating the same id twice
	// returns the existing instance, which makes redelivered start events
	// harmless. Empty draws an id from the generator.
	InstanceID string
}

// CreateInstance creates an instance with one token at the start node and
// advances the start node.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*ir.Instance, error) {
	if req.OrgID == "" || req.EntityType == "" || req.EntityID == "" {
		return nil, invalidRequest("", "org, entity type and entity id are required")
	}

	now := e.clock.Now()
	id := req.InstanceID
	if id == "" {
		id = e.ids.Generate()
	}
	inst := &ir.Instance{
		ID:            id,
		OrgID:         req.OrgID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		EntityVersion: req.EntityVersion,
		Status:        ir.InstanceRunning,
		Context:       map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	maps.Copy(inst.Context, req.Context)
	inst.Context["entity"] = req.Entity
	if inst.Context["entity"] == nil {
		inst.Context["entity"] = map[string]any{}
	}

	var (
		start  *ir.Token
		exists bool
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if req.InstanceID != "" {
			existing, err := tx.GetInstance(ctx, req.InstanceID)
			if err == nil {
				exists = true
				return e.startTokenOf(ctx, tx, existing, &start)
			}
			if !IsNotFound(err) {
				return fmt.Errorf("get instance: %w", err)
			}
		}

		def, err := e.resolveDefinition(ctx, tx, req)
		if err != nil {
			return err
		}
		if def.Compiled.CompilerVersion != e.compilerVersion {
			return NewStaleCompileError(inst.ID, def.Compiled.CompilerVersion, e.compilerVersion)
		}
		if err := e.registry.Check(def.Compiled); err != nil {
			return err
		}
		startID := def.Compiled.StartNodeID()
		if startID == "" {
			return invalidRequest(inst.ID, "definition %s has no start node", def.ID)
		}

		inst.DefinitionID = def.ID
		inst.DefinitionVersion = def.Version
		start = &ir.Token{
			ID:         e.ids.Generate(),
			InstanceID: inst.ID,
			NodeID:     startID,
			Status:     ir.TokenActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		inst.ActiveTokens = []string{start.ID}
		inst.CurrentNodes = []string{startID}

		if err := tx.InsertInstance(ctx, inst); err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		if err := tx.InsertToken(ctx, start); err != nil {
			return fmt.Errorf("insert start token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exists {
		// A create that committed but crashed before advancing left the
		// start token where it was; the step receipt makes this a no-op
		// otherwise.
		e.logger.Debug("instance already exists", "instance_id", inst.ID)
		if start == nil {
			return e.GetInstance(ctx, inst.ID)
		}
	} else {
		e.logger.Info("instance created",
			"instance_id", inst.ID,
			"definition_id", inst.DefinitionID,
			"entity_id", inst.EntityID,
		)
		e.appendLog(ctx, ir.ExecutionLogEntry{
			InstanceID: inst.ID,
			Level:      "info",
			Message:    "instance created",
			Data:       map[string]any{"definition_id": inst.DefinitionID, "definition_version": inst.DefinitionVersion},
		})
	}

	_, err = e.AdvanceWorkflow(ctx, AdvanceRequest{
		InstanceID: inst.ID,
		NodeID:     start.NodeID,
		TokenID:    start.ID,
		Actor:      req.Actor,
	})
	switch {
	case err == nil:
	case exists && (IsTerminal(err) || IsInvalidRequest(err)):
		// The start token already moved on.
	default:
		return nil, fmt.Errorf("advance start node: %w", err)
	}
	return e.GetInstance(ctx, inst.ID)
}

// startTokenOf points start at the instance's first token, placed on the
// start node so re-advancing it hits the original step receipt.
func (e *Engine) startTokenOf(ctx context.Context, tx Tx, inst *ir.Instance, start **ir.Token) error {
	tokens, err := tx.ListTokens(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	def, err := tx.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return fmt.Errorf("get definition: %w", err)
	}
	first := tokens[0]
	first.NodeID = def.Compiled.StartNodeID()
	*start = &first
	return nil
}

func (e *Engine) resolveDefinition(ctx context.Context, tx Tx, req CreateRequest) (*ir.Definition, error) {
	var (
		def *ir.Definition
		err error
	)
	if req.DefinitionID != "" {
		def, err = tx.GetDefinition(ctx, req.DefinitionID)
	} else {
		def, err = tx.LatestDefinition(ctx, req.OrgID, req.EntityType)
	}
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound("", "no published definition for %s/%s", req.OrgID, req.EntityType)
		}
		return nil, fmt.Errorf("resolve definition: %w", err)
	}
	return def, nil
}

// PublishDefinition stores compiled as the next version for its
// organization and entity type.
func (e *Engine) PublishDefinition(ctx context.Context, orgID string, compiled *ir.CompiledWorkflow) (*ir.Definition, error) {
	if orgID == "" || compiled == nil || compiled.EntityType == "" {
		return nil, invalidRequest("", "org and a compiled workflow with an entity type are required")
	}
	if compiled.CompilerVersion != e.compilerVersion {
		return nil, NewStaleCompileError("", compiled.CompilerVersion, e.compilerVersion)
	}
	if err := e.registry.Check(compiled); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, "definition:"+orgID+":"+compiled.EntityType)
	if err != nil {
		return nil, err
	}
	defer unlock()

	def := &ir.Definition{
		ID:          e.ids.Generate(),
		OrgID:       orgID,
		EntityType:  compiled.EntityType,
		Version:     1,
		Compiled:    compiled,
		PublishedAt: e.clock.Now(),
	}
	err = e.store.WithTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestDefinition(ctx, orgID, compiled.EntityType)
		switch {
		case err == nil:
			def.Version = latest.Version + 1
		case !IsNotFound(err):
			return fmt.Errorf("latest definition: %w", err)
		}
		return tx.InsertDefinition(ctx, def)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("definition published",
		"definition_id", def.ID,
		"org_id", orgID,
		"entity_type", def.EntityType,
		"version", def.Version,
		"hash", compiled.Hash,
	)
	return def, nil
}

// CancelInstance cancels every live token and the instance itself. The
// cancellation is recorded as a token-less cancelled step so the step log
// still rebuilds the projection.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, reason string) (*ir.Instance, error) {
	var inst *ir.Instance
	err := e.withInstance(ctx, instanceID, func(tx Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, instanceID)
		if err != nil {
			if IsNotFound(err) {
				return notFound(instanceID, "instance %s not found", instanceID)
			}
			return fmt.Errorf("get instance: %w", err)
		}
		if inst.Status.IsTerminal() {
			return NewTerminalError(inst.ID, inst.Status)
		}

		now := e.clock.Now()
		tokens, err := tx.ListTokens(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("list tokens: %w", err)
		}
		cancelled := []string{}
		for i := range tokens {
			t := &tokens[i]
			if !t.Status.IsLive() {
				continue
			}
			t.Status = ir.TokenCancelled
			t.CancelReason = reason
			t.UpdatedAt = now
			if err := tx.UpdateToken(ctx, t); err != nil {
				return fmt.Errorf("update token: %w", err)
			}
			cancelled = append(cancelled, t.ID)
		}
		if len(cancelled) > 0 {
			if _, err := tx.CancelWaits(ctx, inst.ID, cancelled); err != nil {
				return fmt.Errorf("cancel waits: %w", err)
			}
		}

		step := &ir.StepExecution{
			ID:              e.ids.Generate(),
			InstanceID:      inst.ID,
			EntityVersion:   inst.EntityVersion,
			IdempotencyKey:  ir.StepIdempotencyKey(inst.ID, "#cancel", "", inst.EntityVersion),
			Status:          ir.StepCancelled,
			ChosenEdges:     []string{},
			Output:          map[string]any{"reason": reason},
			CancelledTokens: cancelled,
			StartedAt:       now,
			FinishedAt:      &now,
		}
		if err := tx.InsertStep(ctx, step); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}

		inst.Status = ir.InstanceCancelled
		inst.ActiveTokens = []string{}
		inst.CurrentNodes = []string{}
		inst.UpdatedAt = now
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("instance cancelled", "instance_id", inst.ID, "reason", reason)
	e.appendLog(ctx, ir.ExecutionLogEntry{
		InstanceID: inst.ID,
		Level:      "warn",
		Message:    "instance cancelled",
		Data:       map[string]any{"reason": reason},
	})
	return inst, nil
}

// GetInstance loads an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*ir.Instance, error) {
	var inst *ir.Instance
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, id)
		return err
	})
	if IsNotFound(err) {
		return nil, notFound(id, "instance %s not found", id)
	}
	return inst, err
}
