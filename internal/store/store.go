package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial lifeflow schema
const currentSchemaVersion = 1

// ErrNotFound is returned (wrapped) when a row does not exist.
var ErrNotFound = engine.ErrNotFound

// Store is the SQLite implementation of engine.Storage.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

var _ engine.Storage = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - BEGIN IMMEDIATE transactions, so a transaction holds the write lock
//     from its first statement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx implements engine.Storage.
//
// The store has a single connection, so fn must not call back into the
// Store outside tx.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AppendLog implements engine.Storage.
func (s *Store) AppendLog(ctx context.Context, entry ir.ExecutionLogEntry) error {
	data, err := marshalObject(entry.Data)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_log (instance_id, step_id, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.InstanceID, entry.StepID, entry.Level, entry.Message, data, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ReadLog returns an instance's execution log in write order.
func (s *Store) ReadLog(ctx context.Context, instanceID string) ([]ir.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, step_id, level, message, data, created_at
		FROM execution_log
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()

	entries := []ir.ExecutionLogEntry{}
	for rows.Next() {
		var (
			e             ir.ExecutionLogEntry
			data, created string
		)
		if err := rows.Scan(&e.InstanceID, &e.StepID, &e.Level, &e.Message, &data, &created); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if e.Data, err = unmarshalObject(data); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution log: %w", err)
	}
	return entries, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
