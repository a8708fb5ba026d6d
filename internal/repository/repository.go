// Package repository exposes typed access to the cached entities. Payloads
// are mapped to and from the entity structs with encoding/json; every read
// and write goes through the sync coordinator.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/coordinator"
	"github.com/roach88/fieldsync/internal/localstore"
	"github.com/roach88/fieldsync/internal/model"
)

// Entity is implemented by the value types a Repository serves.
type Entity interface {
	EntityType() string
}

// Item is a decoded record. ID is the record's current id (a temp id until
// the create is confirmed) and takes precedence over any id in Value.
type Item[T Entity] struct {
	ID        string
	Value     T
	SyncState model.SyncState
}

// Synced reports whether the item is confirmed by the remote service.
func (i Item[T]) Synced() bool {
	return i.SyncState == model.SyncStateSynced
}

// Result is the typed form of model.Result.
type Result[T Entity] struct {
	Kind          model.ResultKind
	Item          *Item[T]
	FromCache     bool
	QueuedOffline bool
	Message       string
	Err           error
}

// IsSuccess reports whether r is the Success variant.
func (r Result[T]) IsSuccess() bool { return r.Kind == model.ResultSuccess }

// IsError reports whether r is a non-queued Error.
func (r Result[T]) IsError() bool { return r.Kind == model.ResultError && !r.QueuedOffline }

// IsQueuedOffline reports whether r is a write that was queued for later sync.
func (r Result[T]) IsQueuedOffline() bool { return r.Kind == model.ResultError && r.QueuedOffline }

// Repository reads and writes one entity type.
type Repository[T Entity] struct {
	coord      *coordinator.Coordinator
	entityType string
	logger     *slog.Logger
}

// New creates a repository for T.
func New[T Entity](coord *coordinator.Coordinator) *Repository[T] {
	var zero T
	return &Repository[T]{coord: coord, entityType: zero.EntityType(), logger: slog.Default()}
}

// EntityType returns the entity type T is stored under.
func (r *Repository[T]) EntityType() string {
	return r.entityType
}

// Get streams Loading, the cached value and, when online, the fetched value.
// See coordinator.Coordinator.ReadThrough.
func (r *Repository[T]) Get(ctx context.Context, id string) <-chan Result[T] {
	in := r.coord.ReadThrough(ctx, r.entityType, id)
	out := make(chan Result[T], cap(in))
	go func() {
		defer close(out)
		for res := range in {
			select {
			case out <- r.convert(res):
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()
	return out
}

// Create writes a new entity. An empty v.ID gets a temp id.
func (r *Repository[T]) Create(ctx context.Context, v T) (Result[T], error) {
	return r.write(ctx, "", model.OpCreate, v)
}

// Update replaces the entity's payload with v.
func (r *Repository[T]) Update(ctx context.Context, id string, v T) (Result[T], error) {
	return r.write(ctx, id, model.OpUpdate, v)
}

// Delete removes the entity.
func (r *Repository[T]) Delete(ctx context.Context, id string) (Result[T], error) {
	res, err := r.coord.WriteThrough(ctx, coordinator.Mutation{EntityType: r.entityType, ID: id, Kind: model.OpDelete})
	return r.convert(res), err
}

func (r *Repository[T]) write(ctx context.Context, id string, kind model.OpKind, v T) (Result[T], error) {
	payload, err := json.Marshal(v)
	if err != nil {
		serr := model.NewError(model.ErrCodeSerialization, fmt.Sprintf("encode %s", r.entityType), err)
		return Result[T]{Kind: model.ResultError, Message: serr.Error(), Err: serr}, nil
	}
	res, err := r.coord.WriteThrough(ctx, coordinator.Mutation{
		EntityType: r.entityType,
		ID:         id,
		Kind:       kind,
		Payload:    payload,
	})
	return r.convert(res), err
}

// Observe streams every cached entity of this type, re-sent on each change.
// Records whose payload does not decode into T are skipped.
func (r *Repository[T]) Observe(ctx context.Context) (<-chan []Item[T], error) {
	return r.observe(ctx, localstore.Query{EntityType: r.entityType})
}

// ObserveOne streams the cached entity with id; an empty snapshot means it
// is not cached.
func (r *Repository[T]) ObserveOne(ctx context.Context, id string) (<-chan []Item[T], error) {
	return r.observe(ctx, localstore.Query{EntityType: r.entityType, ID: id})
}

func (r *Repository[T]) observe(ctx context.Context, q localstore.Query) (<-chan []Item[T], error) {
	in, err := r.coord.Observe(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(chan []Item[T], 1)
	go func() {
		defer close(out)
		for records := range in {
			items := make([]Item[T], 0, len(records))
			for _, rec := range records {
				item, err := decode[T](rec)
				if err != nil {
					r.logger.Warn("skipping undecodable record", "entity_type", rec.EntityType, "id", rec.ID, "error", err)
					continue
				}
				items = append(items, item)
			}
			select {
			case out <- items:
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}

// Unsynced returns the cached entities with unconfirmed local changes.
func (r *Repository[T]) Unsynced(ctx context.Context) ([]Item[T], error) {
	records, err := r.coord.Unsynced(ctx, r.entityType)
	if err != nil {
		return nil, err
	}
	items := make([]Item[T], 0, len(records))
	for _, rec := range records {
		item, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository[T]) convert(res model.Result) Result[T] {
	out := Result[T]{
		Kind:          res.Kind,
		FromCache:     res.FromCache,
		QueuedOffline: res.QueuedOffline,
		Message:       res.Message,
		Err:           res.Err,
	}
	if res.Record == nil {
		return out
	}
	item, err := decode[T](*res.Record)
	if err != nil {
		// A queued write keeps its variant; the caller still learns the write is durable.
		if !out.IsQueuedOffline() {
			out.Kind = model.ResultError
			out.Message = err.Error()
			out.Err = err
		}
		return out
	}
	out.Item = &item
	return out
}

func decode[T Entity](rec model.Record) (Item[T], error) {
	var v T
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			return Item[T]{}, model.NewError(model.ErrCodeSerialization, "decode payload", err).ForEntity(rec.EntityType, rec.ID)
		}
	}
	return Item[T]{ID: rec.ID, Value: v, SyncState: rec.SyncState}, nil
}

// Set bundles a repository per built-in entity type.
type Set struct {
	Customers    *Repository[Customer]
	Orders       *Repository[Order]
	Products     *Repository[Product]
	Visits       *Repository[Visit]
	Expenditures *Repository[Expenditure]
	Categories   *Repository[Category]
	SalesReps    *Repository[SalesRep]
}

// NewSet creates every repository over coord.
func NewSet(coord *coordinator.Coordinator) *Set {
	return &Set{
		Customers:    New[Customer](coord),
		Orders:       New[Order](coord),
		Products:     New[Product](coord),
		Visits:       New[Visit](coord),
		Expenditures: New[Expenditure](coord),
		Categories:   New[Category](coord),
		SalesReps:    New[SalesRep](coord),
	}
}
