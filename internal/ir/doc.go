// Package ir provides the foundation types for lifeflow: graph definitions,
// compiled workflows, instances, tokens, step executions, outbox rows and
// the canonical serializer used for every content hash and idempotency key.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Canonical JSON is the ONLY encoding used for hashing
//   - Node configuration is a closed sum type keyed by NodeType
//   - All JSON tags use snake_case
package ir
