// Package pgstore is the PostgreSQL implementation of engine.Storage.
//
// It uses the same logical schema as internal/store. Differences:
//   - LockInstance takes pg_advisory_xact_lock(hashtextextended(id, 0)),
//     released when the transaction ends
//   - Claims select due rows FOR UPDATE SKIP LOCKED, so concurrent workers
//     never claim the same row
//   - JSON columns are JSONB, timestamps TIMESTAMPTZ
package pgstore

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned (wrapped) when a row does not exist.
var ErrNotFound = engine.ErrNotFound

// Store is a PostgreSQL-backed engine.Storage.
type Store struct {
	pool *pgxpool.Pool
}

var _ engine.Storage = (*Store)(nil)

// New wraps an existing pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx implements engine.Storage.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgTx pgx.Tx) error {
		return fn(&tx{tx: pgTx})
	})
}

// AppendLog implements engine.Storage.
func (s *Store) AppendLog(ctx context.Context, entry ir.ExecutionLogEntry) error {
	data, err := marshalObject(entry.Data)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_log (instance_id, step_id, level, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.InstanceID, entry.StepID, entry.Level, entry.Message, data, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ReadLog returns an instance's execution log in write order.
func (s *Store) ReadLog(ctx context.Context, instanceID string) ([]ir.ExecutionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instance_id, step_id, level, message, data, created_at
		FROM execution_log
		WHERE instance_id = $1
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()

	entries := []ir.ExecutionLogEntry{}
	for rows.Next() {
		var (
			e    ir.ExecutionLogEntry
			data []byte
		)
		if err := rows.Scan(&e.InstanceID, &e.StepID, &e.Level, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if e.Data, err = unmarshalObject(data); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution log: %w", err)
	}
	return entries, nil
}

// marshalObject renders canonical JSON; nil is stored as {}.
func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

func unmarshalObject(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return m, nil
}

// marshalList renders canonical JSON; nil is stored as [].
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalList[T any](data []byte) ([]T, error) {
	out := []T{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// sortByCreated orders claimed rows; RETURNING order is unspecified.
func sortByCreated[T any](rows []T, key func(T) (time.Time, string)) {
	slices.SortFunc(rows, func(a, b T) int {
		at, aid := key(a)
		bt, bid := key(b)
		return cmp.Or(at.Compare(bt), cmp.Compare(aid, bid))
	})
}
