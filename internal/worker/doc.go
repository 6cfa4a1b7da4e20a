// Package worker runs the reliability loops around the engine.
//
// Every loop is a poll function driven by Run:
//   - EngineWorker claims outbox events and turns them into CreateInstance
//     and AdvanceWorkflow calls
//   - ResumeScheduler wakes parked tokens whose timer is due or whose
//     event key arrived, by enqueueing resume events
//   - IOWorker delivers side effects through one Executor per effect type
//   - Pruner archives and deletes receipts that can no longer guard anything
//   - StuckDetector reports running instances that stopped making progress
//
// Delivery is at-least-once. Duplicates are absorbed by the engine's step
// receipts and by the event receipts written through engine.WriteOutboxEvent.
package worker
