package engine

import (
	"context"
	"fmt"

	"github.com/roach88/lifeflow/internal/ir"
)

// join settles the arriving token at a parallel join.
//
// Arrivals are grouped by split epoch. ANY fires on the first receipt and
// cancels the other live tokens of the epoch. ALL waits until the number
// of live tokens of the epoch sitting on the join reaches the required
// count, then retires every sibling into the arriving token. A token that
// loses the receipt race is retired with a skipped step.
func (a *advancement) join(ctx context.Context) error {
	req, ok := a.compiled.JoinRequirements[a.node.ID]
	if !ok {
		req = ir.JoinRequirement{Mode: ir.JoinAll, RequiredCount: len(a.compiled.Incoming[a.node.ID])}
	}
	if req.RequiredCount <= 0 {
		req.RequiredCount = len(a.compiled.Incoming[a.node.ID])
	}

	if req.Mode != ir.JoinAny {
		arrived, err := a.tx.CountJoinArrivals(ctx, a.inst.ID, a.node.ID, a.token.Epoch)
		if err != nil {
			return fmt.Errorf("count join arrivals: %w", err)
		}
		if arrived < req.RequiredCount {
			a.step.Status = ir.StepPending
			a.step.Output = map[string]any{"arrived": arrived, "required": req.RequiredCount}
			a.token.Status = ir.TokenWaiting
			return nil
		}
	}

	key := ir.JoinIdempotencyKey(a.inst.ID, a.node.ID, a.version, a.token.Epoch)
	won, err := a.tx.InsertReceipt(ctx, ir.Receipt{
		Key:        key,
		Kind:       ir.ReceiptJoin,
		InstanceID: a.inst.ID,
		CreatedAt:  a.now,
	})
	if err != nil {
		return fmt.Errorf("insert join receipt: %w", err)
	}
	if !won {
		a.step.Status = ir.StepSkipped
		a.step.Output = map[string]any{"reason": "join already fired"}
		a.token.Status = ir.TokenCompleted
		return nil
	}

	tokens, err := a.tx.ListTokens(ctx, a.inst.ID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	var losers []string
	for i := range tokens {
		t := &tokens[i]
		if t.ID == a.token.ID || !t.Status.IsLive() || t.Epoch != a.token.Epoch {
			continue
		}
		if req.Mode == ir.JoinAny {
			t.Status = ir.TokenCancelled
			t.CancelReason = fmt.Sprintf("join:any:%s won by %s", a.node.ID, a.token.ID)
			a.step.CancelledTokens = append(a.step.CancelledTokens, t.ID)
			losers = append(losers, t.ID)
		} else {
			if t.NodeID != a.node.ID {
				continue
			}
			t.Status = ir.TokenCompleted
			a.step.RetiredTokens = append(a.step.RetiredTokens, t.ID)
		}
		t.UpdatedAt = a.now
		if err := a.tx.UpdateToken(ctx, t); err != nil {
			return fmt.Errorf("update sibling token: %w", err)
		}
	}
	if len(losers) > 0 {
		if _, err := a.tx.CancelWaits(ctx, a.inst.ID, losers); err != nil {
			return fmt.Errorf("cancel waits: %w", err)
		}
	}

	if err := a.inherit(ctx); err != nil {
		return err
	}
	a.move()
	return nil
}

// inherit gives the join survivor its parent's lineage, so a join nested
// inside an outer split groups with the outer epoch.
func (a *advancement) inherit(ctx context.Context) error {
	if a.token.ParentTokenID == "" {
		return nil
	}
	parent, err := a.tx.GetToken(ctx, a.token.ParentTokenID)
	if err != nil {
		return fmt.Errorf("get parent token: %w", err)
	}
	a.token.Epoch = parent.Epoch
	a.token.ParentTokenID = parent.ParentTokenID
	a.token.SpawnNodeID = parent.SpawnNodeID
	a.token.PathIndex = parent.PathIndex
	return nil
}
