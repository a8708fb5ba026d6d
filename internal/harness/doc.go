// Package harness runs sync scenarios end to end.
//
// A scenario drives the real coordinator and reconciler through a sequence
// of writes, reads, connectivity changes and sync passes, against a fake
// remote service reached over loopback HTTP. Every step is recorded with the
// remote requests it caused; the trace is compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	online: false
//	remote:
//	  next_id: 42
//	  unique: [customer.email]
//	  seed:
//	    - entity: customer
//	      as: acme
//	      data: { name: Acme }
//	steps:
//	  - write: { entity: customer, data: { name: Jane }, as: jane }
//	    expect: queued_offline
//	  - write: { entity: customer, id: $jane, kind: update, data: { name: Janet } }
//	  - connectivity: online
//	  - sync: true
//	    expect_stats: { rounds: 2, dispatched: 2, applied: 2 }
//	  - read: { entity: customer, id: $jane }
//	    expect: success
//	  - fail_next: { count: 1, status: 503 }
//	  - advance: 2s
//	  - retry: 1
//	  - discard: 1
//	assertions:
//	  - type: record
//	    entity: customer
//	    id: $jane
//	    resolves_to: "42"
//	    sync_state: synced
//	    payload: { name: Janet }
//	  - type: request_order
//	    requests: ["POST /v1/customer", "PUT /v1/customer/42"]
//
// "$alias" strings are replaced by the id bound with "as", in step ids,
// payloads and assertions. An alias bound to a temp id keeps working after
// the create is remapped.
//
// # Assertion Types
//
//   - record: the cached record's sync state, payload subset, or absence
//   - queue_depth: number of queued operations
//   - permanent_count: number of operations that stopped retrying
//   - remote_entity: the remote entity's payload subset, or absence
//   - remote_count: number of remote entities of a type
//   - request_count: how often "METHOD /path" reached the remote
//   - request_order: requests appear in the given order
//
// # Deterministic Testing
//
// Scenarios run on an in-memory store with a fake wall clock, sequential
// temp ids (tmp_171-1, ...) and idempotency keys (op-1, ...), a single
// reconciler worker and zero retry jitter, so traces are identical across
// runs.
package harness
