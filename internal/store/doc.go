// Package store provides SQLite-backed durable storage for the sync engine.
//
// The store holds three tables:
//   - records: the local cache of domain records, keyed by (entity_type, id)
//   - operations: the sync queue of mutations not yet confirmed remotely
//   - id_remaps: temporary id → server id assignments, kept so late callers
//     holding a temporary id still resolve the record
//
// # Critical Patterns
//
// Ordering: operations for one entity are always read ORDER BY enqueued_at ASC.
// enqueued_at is a logical sequence (UNIQUE), never wall time.
//
// Atomic remap: acknowledging a Create rewrites the temporary id in the cache,
// in every queued operation, and in every payload that references it, inside
// the same transaction that deletes the acknowledged operation.
//
// Durability: operation rows are committed with synchronous=FULL before
// Enqueue returns, so a crash immediately afterwards cannot drop the intent.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: queued intent survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, default)
// and "sqlite" (modernc.org/sqlite, pure Go, for CGO-free builds).
package store
