// Package localstore is the durable record cache callers read from while
// offline. It never touches the network.
package localstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Query selects records for Observe. EntityType is required.
type Query struct {
	EntityType   string
	ID           string
	OnlyUnsynced bool
}

// LocalStore wraps the records table of a store.Store.
type LocalStore struct {
	store  *store.Store
	logger *slog.Logger
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ls *LocalStore) {
		if l != nil {
			ls.logger = l
		}
	}
}

// New creates a LocalStore over st.
func New(st *store.Store, opts ...Option) *LocalStore {
	ls := &LocalStore{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(ls)
	}
	return ls
}

// Get returns the cached record. A temporary id that was remapped after a
// successful create resolves to the record under its remote id.
func (l *LocalStore) Get(ctx context.Context, entityType, id string) (model.Record, bool, error) {
	return l.store.GetRecord(ctx, entityType, id)
}

// ResolveID returns the id a record is stored under: a remapped temporary id
// resolves to its remote id, every other id is returned unchanged.
func (l *LocalStore) ResolveID(ctx context.Context, entityType, id string) (string, error) {
	return l.store.ResolveID(ctx, entityType, id)
}

// Upsert inserts or replaces the record keyed by (EntityType, ID).
func (l *LocalStore) Upsert(ctx context.Context, rec model.Record) error {
	return l.store.PutRecord(ctx, rec)
}

// UpsertSyncedIfIdle stores rec as Synced unless local changes are still
// queued for it. Reports whether the record was written.
func (l *LocalStore) UpsertSyncedIfIdle(ctx context.Context, rec model.Record) (bool, error) {
	return l.store.PutSyncedIfIdle(ctx, rec)
}

// Delete removes the record. Deleting a missing record is not an error.
func (l *LocalStore) Delete(ctx context.Context, entityType, id string) error {
	return l.store.DeleteRecord(ctx, entityType, id)
}

// List returns every cached record of entityType.
func (l *LocalStore) List(ctx context.Context, entityType string) ([]model.Record, error) {
	return l.store.ListRecords(ctx, store.RecordFilter{EntityType: entityType})
}

// ListUnsynced returns the records of entityType with unconfirmed local changes.
func (l *LocalStore) ListUnsynced(ctx context.Context, entityType string) ([]model.Record, error) {
	return l.store.ListRecords(ctx, store.RecordFilter{EntityType: entityType, OnlyUnsynced: true})
}

// Observe streams snapshots of the records matching q. Nothing happens until
// Observe is called; each call is an independent subscription. The current
// snapshot is sent first, then a new one after every committed change to
// q.EntityType that alters the result. The channel is closed when ctx ends.
//
// Slow consumers only ever see the latest snapshot: intermediate ones are
// skipped rather than queued.
func (l *LocalStore) Observe(ctx context.Context, q Query) (<-chan []model.Record, error) {
	if q.EntityType == "" {
		return nil, fmt.Errorf("observe: entity type required")
	}

	signals, cancel := l.store.Subscribe(q.EntityType)
	out := make(chan []model.Record, 1)

	go func() {
		defer close(out)
		defer cancel()

		var last []byte
		for {
			snapshot, err := l.store.ListRecords(ctx, store.RecordFilter{
				EntityType:   q.EntityType,
				ID:           q.ID,
				OnlyUnsynced: q.OnlyUnsynced,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("observe query failed", "entity_type", q.EntityType, "error", err)
			} else if sig := signature(snapshot); last == nil || !bytes.Equal(sig, last) {
				last = sig
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-signals:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// signature identifies a snapshot's contents for change suppression.
func signature(records []model.Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for _, r := range records {
		fmt.Fprintf(&buf, "%s\x00%s\x00%s\x00%d\x00", r.ID, r.SyncState, r.Payload, r.UpdatedAt.UnixMilli())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
