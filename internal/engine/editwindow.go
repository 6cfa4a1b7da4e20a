package engine

import (
	"context"
	"fmt"

	"github.com/roach88/lifeflow/internal/ir"
)

// Mutation verbs checked against edit windows.
const (
	VerbView  = "view"
	VerbAmend = "amend"
	VerbEdit  = "edit"
)

// CheckEditWindow reports the instance's effective edit window, the
// strictest window among its current nodes, and whether verb is allowed in
// it. view is always allowed; amend needs editable or amend_only; edit
// needs editable.
func (e *Engine) CheckEditWindow(ctx context.Context, instanceID, verb string) (ir.EditWindow, error) {
	var window ir.EditWindow
	err := e.store.WithTx(ctx, func(tx Tx) error {
		inst, compiled, err := loadForWindow(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		window, err = checkWindow(inst, compiled, verb)
		return err
	})
	return window, err
}

// AmendRequest re-pins an instance to a newer entity version.
type AmendRequest struct {
	InstanceID    string
	EntityVersion int64
	Entity        map[string]any
	Actor         map[string]any
}

// AmendInstance re-pins the entity version and snapshot after an amend
// edit-window check. It is how an instance stopped by stable-region drift
// is brought up to date.
func (e *Engine) AmendInstance(ctx context.Context, req AmendRequest) (*ir.Instance, error) {
	var inst *ir.Instance
	err := e.withInstance(ctx, req.InstanceID, func(tx Tx) error {
		var (
			compiled *ir.CompiledWorkflow
			err      error
		)
		inst, compiled, err = loadForWindow(ctx, tx, req.InstanceID)
		if err != nil {
			return err
		}
		if _, err := checkWindow(inst, compiled, VerbAmend); err != nil {
			return err
		}
		if req.EntityVersion < inst.EntityVersion {
			return invalidRequest(inst.ID, "entity version %d is older than pinned version %d", req.EntityVersion, inst.EntityVersion)
		}

		inst.EntityVersion = req.EntityVersion
		if inst.Context == nil {
			inst.Context = map[string]any{}
		}
		if req.Entity != nil {
			inst.Context["entity"] = req.Entity
		}
		inst.UpdatedAt = e.clock.Now()
		return tx.UpdateInstance(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("instance amended", "instance_id", inst.ID, "entity_version", inst.EntityVersion)
	e.appendLog(ctx, ir.ExecutionLogEntry{
		InstanceID: inst.ID,
		Level:      "info",
		Message:    "instance amended",
		Data:       map[string]any{"entity_version": inst.EntityVersion},
	})
	return inst, nil
}

func loadForWindow(ctx context.Context, tx Tx, instanceID string) (*ir.Instance, *ir.CompiledWorkflow, error) {
	inst, err := tx.GetInstance(ctx, instanceID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, notFound(instanceID, "instance %s not found", instanceID)
		}
		return nil, nil, fmt.Errorf("get instance: %w", err)
	}
	def, err := tx.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, notFound(instanceID, "definition %s not found", inst.DefinitionID)
		}
		return nil, nil, fmt.Errorf("get definition: %w", err)
	}
	return inst, def.Compiled, nil
}

func checkWindow(inst *ir.Instance, compiled *ir.CompiledWorkflow, verb string) (ir.EditWindow, error) {
	window := ir.EditWindowEditable
	for _, id := range inst.CurrentNodes {
		window = ir.Stricter(window, compiled.EditWindowOf(id))
	}

	switch verb {
	case VerbView:
		return window, nil
	case VerbAmend, VerbEdit:
	default:
		return window, invalidRequest(inst.ID, "unknown edit verb %q", verb)
	}

	if inst.Status.IsTerminal() {
		return window, NewTerminalError(inst.ID, inst.Status)
	}
	allowed := window == ir.EditWindowEditable ||
		(verb == VerbAmend && window == ir.EditWindowAmendOnly)
	if !allowed {
		return window, NewEditWindowError(inst.ID, verb, string(window))
	}
	return window, nil
}
