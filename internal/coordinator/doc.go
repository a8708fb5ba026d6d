// Package coordinator is the caller-facing entry point of the sync engine.
//
// ReadThrough streams Loading, then the cached record, then a refreshed record
// when a network fetch succeeds. WriteThrough applies a mutation against the
// remote service when that is safe and otherwise captures it durably in the
// sync queue, returning a QueuedOffline result the UI treats as reassurance
// rather than failure.
//
// Writes for one entity run one at a time through a writer lane. Reads are
// unbounded; their network results are applied under the same lane so a
// fetch never interleaves with a write for the same entity.
package coordinator
