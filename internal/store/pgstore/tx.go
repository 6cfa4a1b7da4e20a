package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

type tx struct {
	tx pgx.Tx
}

var _ engine.Tx = (*tx)(nil)

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

func requireRow(tag pgconn.CommandTag, what, id string) error {
	if tag.RowsAffected() == 0 {
		return notFound(what, id)
	}
	return nil
}

// LockInstance takes a transaction-scoped advisory lock keyed by the
// instance id.
func (t *tx) LockInstance(ctx context.Context, instanceID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, instanceID); err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	return nil
}

func (t *tx) InsertDefinition(ctx context.Context, def *ir.Definition) error {
	compiled, err := json.Marshal(def.Compiled)
	if err != nil {
		return fmt.Errorf("marshal compiled workflow: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO definitions (id, org_id, entity_type, version, compiled, hash, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, def.ID, def.OrgID, def.EntityType, def.Version, string(compiled), def.Compiled.Hash, def.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

const definitionColumns = `id, org_id, entity_type, version, compiled, published_at`

func scanDefinition(row pgx.Row, what, id string) (*ir.Definition, error) {
	var (
		def      ir.Definition
		compiled []byte
	)
	err := row.Scan(&def.ID, &def.OrgID, &def.EntityType, &def.Version, &compiled, &def.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(what, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	def.Compiled = &ir.CompiledWorkflow{}
	if err := json.Unmarshal(compiled, def.Compiled); err != nil {
		return nil, fmt.Errorf("unmarshal compiled workflow: %w", err)
	}
	return &def, nil
}

func (t *tx) GetDefinition(ctx context.Context, id string) (*ir.Definition, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = $1`, id)
	return scanDefinition(row, "definition", id)
}

func (t *tx) LatestDefinition(ctx context.Context, orgID, entityType string) (*ir.Definition, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM definitions
		WHERE org_id = $1 AND entity_type = $2
		ORDER BY version DESC
		LIMIT 1
	`, orgID, entityType)
	return scanDefinition(row, "definition for", orgID+"/"+entityType)
}

func instanceJSON(inst *ir.Instance) (active, current, bag string, err error) {
	if active, err = marshalList(inst.ActiveTokens); err != nil {
		return
	}
	if current, err = marshalList(inst.CurrentNodes); err != nil {
		return
	}
	bag, err = marshalObject(inst.Context)
	return
}

func (t *tx) InsertInstance(ctx context.Context, inst *ir.Instance) error {
	active, current, bag, err := instanceJSON(inst)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO instances
		(id, org_id, entity_type, entity_id, entity_version, definition_id, definition_version,
		 status, active_tokens, current_nodes, context, split_epoch, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		inst.ID, inst.OrgID, inst.EntityType, inst.EntityID, inst.EntityVersion,
		inst.DefinitionID, inst.DefinitionVersion, string(inst.Status),
		active, current, bag, inst.SplitEpoch, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, org_id, entity_type, entity_id, entity_version, definition_id,
	definition_version, status, active_tokens, current_nodes, context, split_epoch,
	created_at, updated_at`

func scanInstance(row pgx.Row) (*ir.Instance, error) {
	var (
		inst                 ir.Instance
		status               string
		active, current, bag []byte
	)
	err := row.Scan(&inst.ID, &inst.OrgID, &inst.EntityType, &inst.EntityID, &inst.EntityVersion,
		&inst.DefinitionID, &inst.DefinitionVersion, &status, &active, &current, &bag,
		&inst.SplitEpoch, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = ir.InstanceStatus(status)
	if inst.ActiveTokens, err = unmarshalList[string](active); err != nil {
		return nil, err
	}
	if inst.CurrentNodes, err = unmarshalList[string](current); err != nil {
		return nil, err
	}
	if inst.Context, err = unmarshalObject(bag); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (t *tx) GetInstance(ctx context.Context, id string) (*ir.Instance, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("instance", id)
	}
	return inst, err
}

func (t *tx) UpdateInstance(ctx context.Context, inst *ir.Instance) error {
	active, current, bag, err := instanceJSON(inst)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE instances
		SET entity_version = $1, status = $2, active_tokens = $3, current_nodes = $4,
		    context = $5, split_epoch = $6, updated_at = $7
		WHERE id = $8
	`, inst.EntityVersion, string(inst.Status), active, current, bag, inst.SplitEpoch,
		inst.UpdatedAt, inst.ID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return requireRow(tag, "instance", inst.ID)
}

func (t *tx) InsertToken(ctx context.Context, tok *ir.Token) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tokens
		(id, instance_id, node_id, status, parent_token_id, spawn_node_id, path_index, epoch,
		 cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		tok.ID, tok.InstanceID, tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.SpawnNodeID,
		tok.PathIndex, tok.Epoch, tok.CancelReason, tok.CreatedAt, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (t *tx) UpdateToken(ctx context.Context, tok *ir.Token) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tokens
		SET node_id = $1, status = $2, parent_token_id = $3, spawn_node_id = $4, path_index = $5,
		    epoch = $6, cancel_reason = $7, updated_at = $8
		WHERE id = $9
	`,
		tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.SpawnNodeID, tok.PathIndex,
		tok.Epoch, tok.CancelReason, tok.UpdatedAt, tok.ID,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return requireRow(tag, "token", tok.ID)
}

const tokenColumns = `id, instance_id, node_id, status, parent_token_id, spawn_node_id,
	path_index, epoch, cancel_reason, created_at, updated_at`

func scanToken(row pgx.Row) (*ir.Token, error) {
	var (
		tok    ir.Token
		status string
	)
	err := row.Scan(&tok.ID, &tok.InstanceID, &tok.NodeID, &status, &tok.ParentTokenID,
		&tok.SpawnNodeID, &tok.PathIndex, &tok.Epoch, &tok.CancelReason, &tok.CreatedAt, &tok.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	tok.Status = ir.TokenStatus(status)
	return &tok, nil
}

func (t *tx) GetToken(ctx context.Context, id string) (*ir.Token, error) {
	tok, err := scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("token", id)
	}
	return tok, err
}

func (t *tx) ListTokens(ctx context.Context, instanceID string) ([]ir.Token, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE instance_id = $1
		ORDER BY ord ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := []ir.Token{}
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

func (t *tx) CountJoinArrivals(ctx context.Context, instanceID, joinNodeID string, epoch int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE instance_id = $1 AND node_id = $2 AND epoch = $3 AND status IN ('active', 'waiting')
	`, instanceID, joinNodeID, epoch).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count join arrivals: %w", err)
	}
	return n, nil
}

func (t *tx) InsertReceipt(ctx context.Context, r ir.Receipt) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO receipts (key, kind, instance_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, r.Key, string(r.Kind), r.InstanceID, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type stepJSON struct {
	chosen, output, spawned, retired, cancelled string
}

func encodeStep(s *ir.StepExecution) (stepJSON, error) {
	var (
		j   stepJSON
		err error
	)
	if j.chosen, err = marshalList(s.ChosenEdges); err != nil {
		return j, err
	}
	if j.output, err = marshalObject(s.Output); err != nil {
		return j, err
	}
	if j.spawned, err = marshalList(s.SpawnedTokens); err != nil {
		return j, err
	}
	if j.retired, err = marshalList(s.RetiredTokens); err != nil {
		return j, err
	}
	j.cancelled, err = marshalList(s.CancelledTokens)
	return j, err
}

func (t *tx) InsertStep(ctx context.Context, s *ir.StepExecution) error {
	j, err := encodeStep(s)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO steps
		(id, instance_id, node_id, node_type, token_id, entity_version, idempotency_key, status,
		 chosen_edges, output, error, spawned_tokens, retired_tokens, cancelled_tokens,
		 started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq
	`,
		s.ID, s.InstanceID, s.NodeID, string(s.NodeType), s.TokenID, s.EntityVersion,
		s.IdempotencyKey, string(s.Status), j.chosen, j.output, s.Error, j.spawned, j.retired,
		j.cancelled, s.StartedAt, s.FinishedAt, s.DurationMs,
	).Scan(&s.Seq)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (t *tx) UpdateStep(ctx context.Context, s *ir.StepExecution) error {
	j, err := encodeStep(s)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE steps
		SET status = $1, chosen_edges = $2, output = $3, error = $4, spawned_tokens = $5,
		    retired_tokens = $6, cancelled_tokens = $7, finished_at = $8, duration_ms = $9
		WHERE id = $10
	`,
		string(s.Status), j.chosen, j.output, s.Error, j.spawned, j.retired, j.cancelled,
		s.FinishedAt, s.DurationMs, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return requireRow(tag, "step", s.ID)
}

func (t *tx) ListSteps(ctx context.Context, instanceID string) ([]ir.StepExecution, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT seq, id, instance_id, node_id, node_type, token_id, entity_version, idempotency_key,
		       status, chosen_edges, output, error, spawned_tokens, retired_tokens,
		       cancelled_tokens, started_at, finished_at, duration_ms
		FROM steps
		WHERE instance_id = $1
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []ir.StepExecution{}
	for rows.Next() {
		var (
			s                                           ir.StepExecution
			nodeType, status                            string
			chosen, output, spawned, retired, cancelled []byte
		)
		if err := rows.Scan(&s.Seq, &s.ID, &s.InstanceID, &s.NodeID, &nodeType, &s.TokenID,
			&s.EntityVersion, &s.IdempotencyKey, &status, &chosen, &output, &s.Error,
			&spawned, &retired, &cancelled, &s.StartedAt, &s.FinishedAt, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.NodeType = ir.NodeType(nodeType)
		s.Status = ir.StepStatus(status)
		if s.ChosenEdges, err = unmarshalList[string](chosen); err != nil {
			return nil, err
		}
		if s.Output, err = unmarshalObject(output); err != nil {
			return nil, err
		}
		if s.SpawnedTokens, err = unmarshalList[ir.SpawnedToken](spawned); err != nil {
			return nil, err
		}
		if s.RetiredTokens, err = unmarshalList[string](retired); err != nil {
			return nil, err
		}
		if s.CancelledTokens, err = unmarshalList[string](cancelled); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func (t *tx) CountSteps(ctx context.Context, instanceID string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM steps WHERE instance_id = $1`, instanceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return n, nil
}

func (t *tx) InsertOutboxEvent(ctx context.Context, ev *ir.OutboxEvent) error {
	payload, err := marshalObject(ev.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_events
		(id, org_id, instance_id, event_type, payload, entity_version, idempotency_key, status,
		 attempts, next_retry_at, last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		ev.ID, ev.OrgID, ev.InstanceID, ev.EventType, payload, ev.EntityVersion, ev.IdempotencyKey,
		string(ev.Status), ev.Attempts, ev.NextRetryAt, ev.LastError, ev.CreatedAt, ev.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (t *tx) InsertSideEffect(ctx context.Context, fx *ir.SideEffect) (bool, error) {
	payload, err := marshalObject(fx.Payload)
	if err != nil {
		return false, fmt.Errorf("insert side effect: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO side_effects
		(id, instance_id, step_id, effect_type, payload, idempotency_key, status, attempts,
		 next_retry_at, last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		fx.ID, fx.InstanceID, fx.StepID, fx.EffectType, payload, fx.IdempotencyKey,
		string(fx.Status), fx.Attempts, fx.NextRetryAt, fx.LastError, fx.CreatedAt, fx.DeliveredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert side effect: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) InsertWait(ctx context.Context, w *ir.WaitRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO waits
		(id, instance_id, node_id, token_id, kind, resume_at, event_key, entity_version, status,
		 created_at, resumed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		w.ID, w.InstanceID, w.NodeID, w.TokenID, string(w.Kind), w.ResumeAt, w.EventKey,
		w.EntityVersion, string(w.Status), w.CreatedAt, w.ResumedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	return nil
}

const waitColumns = `id, instance_id, node_id, token_id, kind, resume_at, event_key,
	entity_version, status, created_at, resumed_at`

func (t *tx) queryWaits(ctx context.Context, query string, args ...any) ([]ir.WaitRecord, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waits: %w", err)
	}
	defer rows.Close()

	waits := []ir.WaitRecord{}
	for rows.Next() {
		var (
			w            ir.WaitRecord
			kind, status string
		)
		if err := rows.Scan(&w.ID, &w.InstanceID, &w.NodeID, &w.TokenID, &kind, &w.ResumeAt,
			&w.EventKey, &w.EntityVersion, &status, &w.CreatedAt, &w.ResumedAt); err != nil {
			return nil, fmt.Errorf("scan wait: %w", err)
		}
		w.Kind = ir.WaitKind(kind)
		w.Status = ir.WaitStatus(status)
		waits = append(waits, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waits: %w", err)
	}
	return waits, nil
}

func (t *tx) DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.WaitRecord, error) {
	return t.queryWaits(ctx, `
		SELECT `+waitColumns+`
		FROM waits
		WHERE kind = 'timer' AND status = 'waiting' AND resume_at <= $1
		ORDER BY resume_at ASC, id ASC
		LIMIT $2
	`, now, limit)
}

func (t *tx) WaitsByEventKey(ctx context.Context, key string) ([]ir.WaitRecord, error) {
	return t.queryWaits(ctx, `
		SELECT `+waitColumns+`
		FROM waits
		WHERE kind = 'event' AND status = 'waiting' AND event_key = $1
		ORDER BY created_at ASC, id ASC
	`, key)
}

func (t *tx) ResumeWait(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE waits SET status = 'resumed', resumed_at = $1
		WHERE id = $2 AND status = 'waiting'
	`, at, id)
	if err != nil {
		return false, fmt.Errorf("resume wait: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) CancelWaits(ctx context.Context, instanceID string, tokenIDs []string) (int, error) {
	if len(tokenIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE waits SET status = 'cancelled'
		WHERE instance_id = $1 AND token_id = ANY($2) AND status = 'waiting'
	`, instanceID, tokenIDs)
	if err != nil {
		return 0, fmt.Errorf("cancel waits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
