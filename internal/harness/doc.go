// Package harness runs workflow scenarios against a real engine and
// compares the recorded step trace with golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: gate_reopens
//	description: "A blocked gate passes once a newer entity version satisfies it"
//	document: ../workflows/gated.yaml
//	entity_id: inv-1
//	entity: { amount: 50 }
//	flow:
//	  - advance: "sys:gate:review"
//	    entity_version: 2
//	    entity: { amount: 500 }
//	    expect:
//	      status: completed
//	      instance_status: completed
//	  - clock: 1h
//	  - event: "contract:c-1:signed"
//	    payload: { by: ann }
//	assertions:
//	  - type: instance_status
//	    status: completed
//	  - type: trace_order
//	    nodes: ["sys:start", "sys:gate:review"]
//
// The document path is resolved relative to the scenario file. The
// workflow in it is compiled, published, and instantiated for the entity.
//
// # Flow Steps
//
// Each flow step does exactly one thing:
//
//   - advance: drives the live token sitting on the node
//   - clock: moves the clock forward and fires due timers
//   - event: resumes waits registered under an event key
//   - cancel: cancels the instance with the given reason
//
// After every step the outbox is drained, so tokens keep moving until each
// one is parked, blocked, or done.
//
// # Assertion Types
//
//   - instance_status: final instance status
//   - trace_contains: a step for node (optionally with status) was recorded
//   - trace_order: nodes were first visited in this order
//   - trace_count: node was stepped exactly count times
//   - context: the value at a gjson path of the context bag
//   - side_effects: number of side effects of a type
//   - rebuild_matches: replaying steps reproduces the stored projection
//
// # Deterministic Testing
//
// Every scenario runs against a fresh SQLite file with a manual clock
// starting at testutil.Epoch and sequential ids, so traces are
// reproducible and can be compared with goldie:
//
//	go test ./internal/harness -update
package harness
