package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/lifeflow/internal/ir"
)

// Claims flip rows to processing and push next_retry_at out by the lease.
// A processing row whose lease has run out is claimable again, so a worker
// that dies mid-delivery does not strand its rows. attempts counts claims.

const outboxColumns = `id, org_id, instance_id, event_type, payload, entity_version,
	idempotency_key, status, attempts, next_retry_at, last_error, created_at, delivered_at`

// ClaimOutbox claims up to limit due outbox events.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ir.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', attempts = attempts + 1, next_retry_at = ?
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('pending', 'failed', 'processing') AND next_retry_at <= ?
			ORDER BY next_retry_at ASC, created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		formatTime(now.Add(lease)), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	events := []ir.OutboxEvent{}
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox: %w", err)
	}
	// RETURNING order is unspecified.
	slices.SortFunc(events, func(a, b ir.OutboxEvent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return events, nil
}

func scanOutboxEvent(row rowScanner) (*ir.OutboxEvent, error) {
	var (
		ev                 ir.OutboxEvent
		payload, status    string
		nextRetry, created string
		delivered          sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.OrgID, &ev.InstanceID, &ev.EventType, &payload,
		&ev.EntityVersion, &ev.IdempotencyKey, &status, &ev.Attempts, &nextRetry,
		&ev.LastError, &created, &delivered); err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	var err error
	ev.Status = ir.DeliveryStatus(status)
	if ev.Payload, err = unmarshalObject(payload); err != nil {
		return nil, err
	}
	if ev.NextRetryAt, err = parseTime(nextRetry); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if ev.DeliveredAt, err = parseTimePtr(delivered); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetOutboxEvent returns one outbox row.
func (s *Store) GetOutboxEvent(ctx context.Context, id string) (*ir.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id)
	ev, err := scanOutboxEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("outbox event", id)
	}
	return ev, err
}

// ListOutbox returns an instance's outbox events in creation order.
func (s *Store) ListOutbox(ctx context.Context, instanceID string) ([]ir.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE instance_id = ?
		ORDER BY rowid ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	events := []ir.OutboxEvent{}
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return events, nil
}

// CompleteOutbox marks an event delivered.
func (s *Store) CompleteOutbox(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, "outbox_events", id, at)
}

// FailOutbox records a failed delivery. dead parks the row for good.
func (s *Store) FailOutbox(ctx context.Context, id string, nextRetry time.Time, lastErr string, dead bool) error {
	return s.fail(ctx, "outbox_events", id, nextRetry, lastErr, dead)
}

const sideEffectColumns = `id, instance_id, step_id, effect_type, payload, idempotency_key,
	status, attempts, next_retry_at, last_error, created_at, delivered_at`

// ClaimSideEffects claims up to limit due side effects.
func (s *Store) ClaimSideEffects(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]ir.SideEffect, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE side_effects
		SET status = 'processing', attempts = attempts + 1, next_retry_at = ?
		WHERE id IN (
			SELECT id FROM side_effects
			WHERE status IN ('pending', 'failed', 'processing') AND next_retry_at <= ?
			ORDER BY next_retry_at ASC, created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+sideEffectColumns,
		formatTime(now.Add(lease)), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim side effects: %w", err)
	}
	defer rows.Close()

	effects := []ir.SideEffect{}
	for rows.Next() {
		fx, err := scanSideEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, *fx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed side effects: %w", err)
	}
	slices.SortFunc(effects, func(a, b ir.SideEffect) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return effects, nil
}

func scanSideEffect(row rowScanner) (*ir.SideEffect, error) {
	var (
		fx                 ir.SideEffect
		payload, status    string
		nextRetry, created string
		delivered          sql.NullString
	)
	if err := row.Scan(&fx.ID, &fx.InstanceID, &fx.StepID, &fx.EffectType, &payload,
		&fx.IdempotencyKey, &status, &fx.Attempts, &nextRetry, &fx.LastError, &created,
		&delivered); err != nil {
		return nil, fmt.Errorf("scan side effect: %w", err)
	}
	var err error
	fx.Status = ir.DeliveryStatus(status)
	if fx.Payload, err = unmarshalObject(payload); err != nil {
		return nil, err
	}
	if fx.NextRetryAt, err = parseTime(nextRetry); err != nil {
		return nil, err
	}
	if fx.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if fx.DeliveredAt, err = parseTimePtr(delivered); err != nil {
		return nil, err
	}
	return &fx, nil
}

// ListSideEffects returns an instance's side effects in creation order.
func (s *Store) ListSideEffects(ctx context.Context, instanceID string) ([]ir.SideEffect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sideEffectColumns+`
		FROM side_effects
		WHERE instance_id = ?
		ORDER BY rowid ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query side effects: %w", err)
	}
	defer rows.Close()

	effects := []ir.SideEffect{}
	for rows.Next() {
		fx, err := scanSideEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, *fx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate side effects: %w", err)
	}
	return effects, nil
}

// CompleteSideEffect marks a side effect delivered.
func (s *Store) CompleteSideEffect(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, "side_effects", id, at)
}

// FailSideEffect records a failed delivery. dead parks the row for good.
func (s *Store) FailSideEffect(ctx context.Context, id string, nextRetry time.Time, lastErr string, dead bool) error {
	return s.fail(ctx, "side_effects", id, nextRetry, lastErr, dead)
}

// table is one of two constants, never caller input.
func (s *Store) finish(ctx context.Context, table, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = 'delivered', delivered_at = ?, last_error = ''
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("complete %s: %w", table, err)
	}
	return requireRow(res, table, id)
}

func (s *Store) fail(ctx context.Context, table, id string, nextRetry time.Time, lastErr string, dead bool) error {
	status := ir.DeliveryFailed
	if dead {
		status = ir.DeliveryDead
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, string(status), formatTime(nextRetry), lastErr, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", table, err)
	}
	return requireRow(res, table, id)
}

// PrunableReceipts returns receipts created before the cutoff that can no
// longer guard anything: step and join receipts of terminal instances, and
// event receipts whose outbox row is delivered or dead.
func (s *Store) PrunableReceipts(ctx context.Context, before time.Time, limit int) ([]ir.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.key, r.kind, r.instance_id, r.created_at
		FROM receipts r
		WHERE r.created_at < ?
		  AND (
		    (r.kind IN ('step', 'join') AND EXISTS (
		      SELECT 1 FROM instances i
		      WHERE i.id = r.instance_id AND i.status IN ('completed', 'failed', 'cancelled')))
		    OR
		    (r.kind = 'event' AND EXISTS (
		      SELECT 1 FROM outbox_events o
		      WHERE o.idempotency_key = r.key AND o.status IN ('delivered', 'dead')))
		  )
		ORDER BY r.created_at ASC, r.key ASC
		LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query prunable receipts: %w", err)
	}
	defer rows.Close()

	receipts := []ir.Receipt{}
	for rows.Next() {
		var (
			r             ir.Receipt
			kind, created string
		)
		if err := rows.Scan(&r.Key, &kind, &r.InstanceID, &created); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Kind = ir.ReceiptKind(kind)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipts deletes receipts by key and returns how many went.
func (s *Store) DeleteReceipts(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	return int(n), nil
}

// StaleInstances returns running instances not updated since before.
func (s *Store) StaleInstances(ctx context.Context, before time.Time, limit int) ([]ir.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE status = 'running' AND updated_at < ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale instances: %w", err)
	}
	defer rows.Close()

	instances := []ir.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale instances: %w", err)
	}
	return instances, nil
}
