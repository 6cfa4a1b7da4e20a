package engine

import (
	"context"
	"fmt"

	"github.com/roach88/lifeflow/internal/ir"
	"github.com/roach88/lifeflow/internal/projection"
	"github.com/roach88/lifeflow/internal/query"
)

// History is an instance together with everything recorded about it.
type History struct {
	Instance   *ir.Instance       `json:"instance"`
	Definition *ir.Definition     `json:"definition"`
	Tokens     []ir.Token         `json:"tokens"`
	Steps      []ir.StepExecution `json:"steps"`
}

// InstanceLister is implemented by storages that can page through
// instances. Both bundled backends do.
type InstanceLister interface {
	ListInstances(ctx context.Context, sel query.Select) ([]ir.Instance, error)
}

// ListInstances returns one page of instances matching sel. An invalid
// selection is an INVALID_REQUEST error.
func (e *Engine) ListInstances(ctx context.Context, sel query.Select) ([]ir.Instance, error) {
	if err := query.Validate(sel); err != nil {
		return nil, invalidRequest("", "%v", err)
	}
	lister, ok := e.store.(InstanceLister)
	if !ok {
		return nil, invalidRequest("", "storage %T cannot list instances", e.store)
	}
	instances, err := lister.ListInstances(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

// LoadHistory reads an instance, its definition, tokens and steps in one
// transaction.
func (e *Engine) LoadHistory(ctx context.Context, instanceID string) (*History, error) {
	h := &History{}
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if h.Instance, err = tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		if h.Definition, err = tx.GetDefinition(ctx, h.Instance.DefinitionID); err != nil {
			return err
		}
		if h.Tokens, err = tx.ListTokens(ctx, instanceID); err != nil {
			return err
		}
		h.Steps, err = tx.ListSteps(ctx, instanceID)
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound(instanceID, "instance %s not found", instanceID)
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	return h, nil
}

// Rebuild replays the instance's step log and returns the rebuilt
// projection next to the stored one.
func (e *Engine) Rebuild(ctx context.Context, instanceID string) (rebuilt, live projection.Projection, err error) {
	h, err := e.LoadHistory(ctx, instanceID)
	if err != nil {
		return rebuilt, live, err
	}
	var seed []ir.Token
	if len(h.Tokens) > 0 {
		seed = append(seed, ir.Token{
			ID:     h.Tokens[0].ID,
			NodeID: h.Definition.Compiled.StartNodeID(),
			Status: ir.TokenActive,
		})
	}
	rebuilt, err = projection.RebuildInstanceProjection(h.Definition.Compiled, h.Steps, seed...)
	if err != nil {
		return rebuilt, live, fmt.Errorf("rebuild %s: %w", instanceID, err)
	}
	live = projection.Projection{
		ActiveTokens: h.Instance.ActiveTokens,
		CurrentNodes: h.Instance.CurrentNodes,
		Status:       h.Instance.Status,
	}
	return rebuilt, live, nil
}
