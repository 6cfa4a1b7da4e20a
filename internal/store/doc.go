// Package store provides SQLite-backed durable storage for lifeflow.
//
// Store implements engine.Storage and the worker queue contract:
//   - Definitions: published compiled workflows, one row per version
//   - Instances and tokens: the live projection of every run
//   - Steps: the append-only step log, ordered by seq
//   - Receipts: idempotency keys for steps, joins and events
//   - Outbox events and side effects: durable work queues
//   - Waits: parked timer and event waits
//
// # Critical Patterns
//
// Receipts
//   - PRIMARY KEY(key) with INSERT ... ON CONFLICT DO NOTHING
//   - Zero affected rows means the action already happened
//
// Logical ordering
//   - Steps are ordered by seq INTEGER, NEVER by timestamps
//   - Rebuilding a projection from steps is independent of wall time
//
// Claims
//   - UPDATE ... WHERE id IN (SELECT ... LIMIT ?) RETURNING
//   - next_retry_at doubles as the lease; an expired lease is claimable
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock on BEGIN
//
// JSON columns hold RFC 8785 canonical JSON written by internal/ir.
package store
