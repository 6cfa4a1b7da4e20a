package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tx implements engine.Tx over one SQLite transaction.
type tx struct {
	tx queryer
}

var _ engine.Tx = (*tx)(nil)

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

// LockInstance is a no-op: transactions begin IMMEDIATE on the only
// connection, so writers are already serialized.
func (t *tx) LockInstance(ctx context.Context, instanceID string) error {
	return nil
}

// --- definitions ---

func (t *tx) InsertDefinition(ctx context.Context, def *ir.Definition) error {
	compiled, err := json.Marshal(def.Compiled)
	if err != nil {
		return fmt.Errorf("marshal compiled workflow: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO definitions (id, org_id, entity_type, version, compiled, hash, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, def.ID, def.OrgID, def.EntityType, def.Version, string(compiled), def.Compiled.Hash, formatTime(def.PublishedAt))
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

const definitionColumns = `id, org_id, entity_type, version, compiled, published_at`

func scanDefinition(row *sql.Row, what, id string) (*ir.Definition, error) {
	var (
		def                 ir.Definition
		compiled, published string
	)
	err := row.Scan(&def.ID, &def.OrgID, &def.EntityType, &def.Version, &compiled, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	def.Compiled = &ir.CompiledWorkflow{}
	if err := json.Unmarshal([]byte(compiled), def.Compiled); err != nil {
		return nil, fmt.Errorf("unmarshal compiled workflow: %w", err)
	}
	if def.PublishedAt, err = parseTime(published); err != nil {
		return nil, err
	}
	return &def, nil
}

func (t *tx) GetDefinition(ctx context.Context, id string) (*ir.Definition, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, id)
	return scanDefinition(row, "definition", id)
}

func (t *tx) LatestDefinition(ctx context.Context, orgID, entityType string) (*ir.Definition, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+definitionColumns+`
		FROM definitions
		WHERE org_id = ? AND entity_type = ?
		ORDER BY version DESC
		LIMIT 1
	`, orgID, entityType)
	return scanDefinition(row, "definition for", orgID+"/"+entityType)
}

// --- instances ---

func (t *tx) InsertInstance(ctx context.Context, inst *ir.Instance) error {
	active, current, bag, err := instanceJSON(inst)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO instances
		(id, org_id, entity_type, entity_id, entity_version, definition_id, definition_version,
		 status, active_tokens, current_nodes, context, split_epoch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID, inst.OrgID, inst.EntityType, inst.EntityID, inst.EntityVersion,
		inst.DefinitionID, inst.DefinitionVersion, string(inst.Status),
		active, current, bag, inst.SplitEpoch,
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
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

func (t *tx) GetInstance(ctx context.Context, id string) (*ir.Instance, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("instance", id)
	}
	return inst, err
}

func (t *tx) UpdateInstance(ctx context.Context, inst *ir.Instance) error {
	active, current, bag, err := instanceJSON(inst)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE instances
		SET entity_version = ?, status = ?, active_tokens = ?, current_nodes = ?,
		    context = ?, split_epoch = ?, updated_at = ?
		WHERE id = ?
	`, inst.EntityVersion, string(inst.Status), active, current, bag, inst.SplitEpoch,
		formatTime(inst.UpdatedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return requireRow(res, "instance", inst.ID)
}

const instanceColumns = `id, org_id, entity_type, entity_id, entity_version, definition_id,
	definition_version, status, active_tokens, current_nodes, context, split_epoch,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*ir.Instance, error) {
	var (
		inst                         ir.Instance
		status, active, current, bag string
		created, updated             string
	)
	err := row.Scan(&inst.ID, &inst.OrgID, &inst.EntityType, &inst.EntityID, &inst.EntityVersion,
		&inst.DefinitionID, &inst.DefinitionVersion, &status, &active, &current, &bag,
		&inst.SplitEpoch, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if inst.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &inst, nil
}

// --- tokens ---

func (t *tx) InsertToken(ctx context.Context, tok *ir.Token) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tokens
		(id, instance_id, node_id, status, parent_token_id, spawn_node_id, path_index, epoch,
		 cancel_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tok.ID, tok.InstanceID, tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.SpawnNodeID,
		tok.PathIndex, tok.Epoch, tok.CancelReason, formatTime(tok.CreatedAt), formatTime(tok.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (t *tx) UpdateToken(ctx context.Context, tok *ir.Token) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tokens
		SET node_id = ?, status = ?, parent_token_id = ?, spawn_node_id = ?, path_index = ?,
		    epoch = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ?
	`,
		tok.NodeID, string(tok.Status), tok.ParentTokenID, tok.SpawnNodeID, tok.PathIndex,
		tok.Epoch, tok.CancelReason, formatTime(tok.UpdatedAt), tok.ID,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return requireRow(res, "token", tok.ID)
}

const tokenColumns = `id, instance_id, node_id, status, parent_token_id, spawn_node_id,
	path_index, epoch, cancel_reason, created_at, updated_at`

func scanToken(row rowScanner) (*ir.Token, error) {
	var (
		tok                      ir.Token
		status, created, updated string
	)
	err := row.Scan(&tok.ID, &tok.InstanceID, &tok.NodeID, &status, &tok.ParentTokenID,
		&tok.SpawnNodeID, &tok.PathIndex, &tok.Epoch, &tok.CancelReason, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	tok.Status = ir.TokenStatus(status)
	if tok.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if tok.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *tx) GetToken(ctx context.Context, id string) (*ir.Token, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("token", id)
	}
	return tok, err
}

func (t *tx) ListTokens(ctx context.Context, instanceID string) ([]ir.Token, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE instance_id = ?
		ORDER BY rowid ASC
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
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE instance_id = ? AND node_id = ? AND epoch = ? AND status IN ('active', 'waiting')
	`, instanceID, joinNodeID, epoch).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count join arrivals: %w", err)
	}
	return n, nil
}

// --- receipts ---

// InsertReceipt uses ON CONFLICT DO NOTHING; zero affected rows means the
// key was already present.
func (t *tx) InsertReceipt(ctx context.Context, r ir.Receipt) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO receipts (key, kind, instance_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, r.Key, string(r.Kind), r.InstanceID, formatTime(r.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return n == 1, nil
}

// --- steps ---

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
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO steps
		(id, instance_id, node_id, node_type, token_id, entity_version, idempotency_key, status,
		 chosen_edges, output, error, spawned_tokens, retired_tokens, cancelled_tokens,
		 started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.InstanceID, s.NodeID, string(s.NodeType), s.TokenID, s.EntityVersion,
		s.IdempotencyKey, string(s.Status), j.chosen, j.output, s.Error, j.spawned, j.retired,
		j.cancelled, formatTime(s.StartedAt), formatTimePtr(s.FinishedAt), s.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	s.Seq = seq
	return nil
}

func (t *tx) UpdateStep(ctx context.Context, s *ir.StepExecution) error {
	j, err := encodeStep(s)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE steps
		SET status = ?, chosen_edges = ?, output = ?, error = ?, spawned_tokens = ?,
		    retired_tokens = ?, cancelled_tokens = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`,
		string(s.Status), j.chosen, j.output, s.Error, j.spawned, j.retired, j.cancelled,
		formatTimePtr(s.FinishedAt), s.DurationMs, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return requireRow(res, "step", s.ID)
}

func (t *tx) ListSteps(ctx context.Context, instanceID string) ([]ir.StepExecution, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT seq, id, instance_id, node_id, node_type, token_id, entity_version, idempotency_key,
		       status, chosen_edges, output, error, spawned_tokens, retired_tokens,
		       cancelled_tokens, started_at, finished_at, duration_ms
		FROM steps
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []ir.StepExecution{}
	for rows.Next() {
		var (
			s                ir.StepExecution
			nodeType, status string
			j                stepJSON
			started          string
			finished         sql.NullString
		)
		if err := rows.Scan(&s.Seq, &s.ID, &s.InstanceID, &s.NodeID, &nodeType, &s.TokenID,
			&s.EntityVersion, &s.IdempotencyKey, &status, &j.chosen, &j.output, &s.Error,
			&j.spawned, &j.retired, &j.cancelled, &started, &finished, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.NodeType = ir.NodeType(nodeType)
		s.Status = ir.StepStatus(status)
		if s.ChosenEdges, err = unmarshalList[string](j.chosen); err != nil {
			return nil, err
		}
		if s.Output, err = unmarshalObject(j.output); err != nil {
			return nil, err
		}
		if s.SpawnedTokens, err = unmarshalList[ir.SpawnedToken](j.spawned); err != nil {
			return nil, err
		}
		if s.RetiredTokens, err = unmarshalList[string](j.retired); err != nil {
			return nil, err
		}
		if s.CancelledTokens, err = unmarshalList[string](j.cancelled); err != nil {
			return nil, err
		}
		if s.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if s.FinishedAt, err = parseTimePtr(finished); err != nil {
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
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE instance_id = ?`, instanceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return n, nil
}

// --- outbox and side effects ---

func (t *tx) InsertOutboxEvent(ctx context.Context, ev *ir.OutboxEvent) error {
	payload, err := marshalObject(ev.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events
		(id, org_id, instance_id, event_type, payload, entity_version, idempotency_key, status,
		 attempts, next_retry_at, last_error, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.OrgID, ev.InstanceID, ev.EventType, payload, ev.EntityVersion, ev.IdempotencyKey,
		string(ev.Status), ev.Attempts, formatTime(ev.NextRetryAt), ev.LastError,
		formatTime(ev.CreatedAt), formatTimePtr(ev.DeliveredAt),
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
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO side_effects
		(id, instance_id, step_id, effect_type, payload, idempotency_key, status, attempts,
		 next_retry_at, last_error, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		fx.ID, fx.InstanceID, fx.StepID, fx.EffectType, payload, fx.IdempotencyKey,
		string(fx.Status), fx.Attempts, formatTime(fx.NextRetryAt), fx.LastError,
		formatTime(fx.CreatedAt), formatTimePtr(fx.DeliveredAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert side effect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert side effect: %w", err)
	}
	return n == 1, nil
}

// --- waits ---

func (t *tx) InsertWait(ctx context.Context, w *ir.WaitRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO waits
		(id, instance_id, node_id, token_id, kind, resume_at, event_key, entity_version, status,
		 created_at, resumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.InstanceID, w.NodeID, w.TokenID, string(w.Kind), formatTimePtr(w.ResumeAt),
		w.EventKey, w.EntityVersion, string(w.Status), formatTime(w.CreatedAt),
		formatTimePtr(w.ResumedAt),
	)
	if err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	return nil
}

const waitColumns = `id, instance_id, node_id, token_id, kind, resume_at, event_key,
	entity_version, status, created_at, resumed_at`

func (t *tx) queryWaits(ctx context.Context, query string, args ...any) ([]ir.WaitRecord, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waits: %w", err)
	}
	defer rows.Close()

	waits := []ir.WaitRecord{}
	for rows.Next() {
		var (
			w                     ir.WaitRecord
			kind, status, created string
			resumeAt, resumedAt   sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.InstanceID, &w.NodeID, &w.TokenID, &kind, &resumeAt,
			&w.EventKey, &w.EntityVersion, &status, &created, &resumedAt); err != nil {
			return nil, fmt.Errorf("scan wait: %w", err)
		}
		w.Kind = ir.WaitKind(kind)
		w.Status = ir.WaitStatus(status)
		if w.ResumeAt, err = parseTimePtr(resumeAt); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if w.ResumedAt, err = parseTimePtr(resumedAt); err != nil {
			return nil, err
		}
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
		WHERE kind = 'timer' AND status = 'waiting' AND resume_at <= ?
		ORDER BY resume_at ASC, id ASC
		LIMIT ?
	`, formatTime(now), limit)
}

func (t *tx) WaitsByEventKey(ctx context.Context, key string) ([]ir.WaitRecord, error) {
	return t.queryWaits(ctx, `
		SELECT `+waitColumns+`
		FROM waits
		WHERE kind = 'event' AND status = 'waiting' AND event_key = ?
		ORDER BY created_at ASC, id ASC
	`, key)
}

func (t *tx) ResumeWait(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE waits SET status = 'resumed', resumed_at = ?
		WHERE id = ? AND status = 'waiting'
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("resume wait: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resume wait: %w", err)
	}
	return n == 1, nil
}

func (t *tx) CancelWaits(ctx context.Context, instanceID string, tokenIDs []string) (int, error) {
	total := 0
	for _, id := range tokenIDs {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE waits SET status = 'cancelled'
			WHERE instance_id = ? AND token_id = ? AND status = 'waiting'
		`, instanceID, id)
		if err != nil {
			return total, fmt.Errorf("cancel waits: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cancel waits: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}
