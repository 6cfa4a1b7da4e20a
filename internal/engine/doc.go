// Package engine executes compiled workflows.
//
// The engine is a function of (instance, node, token, entity version):
// AdvanceWorkflow drives one token through one node and persists the
// outcome. There is no event loop here; callers (the CLI, the HTTP API and
// the workers in internal/worker) decide when to advance.
//
// One advancement, in order:
//  1. Take the per-instance lock, open a transaction, take the storage
//     instance lock.
//  2. Load the instance (terminal instances are refused) and its compiled
//     definition (a different compiler version is refused).
//  3. Insert the step receipt. A duplicate key ends the call as skipped
//     before any handler runs.
//  4. Insert the running step, check the stable region, dispatch to the
//     node's handler. Handler errors and panics become failed steps.
//  5. Resolve outgoing edges, write side effects, park waits, move tokens
//     (split, join, plain move), merge context updates.
//  6. Recompute the projection, enqueue workflow_advance events for tokens
//     that landed on new nodes, commit.
//  7. Append the execution log, best-effort, after commit.
//
// Step ordering comes from the storage-assigned seq, never from the clock.
//
// Handlers are looked up in an explicitly constructed Registry. Tx-safe
// handlers compute inside the transaction; enqueue-only handlers
// (webhook_out, notification) only return side effects that the IO worker
// performs after commit.
package engine
