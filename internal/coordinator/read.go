package coordinator

import (
	"context"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// ReadThrough streams the record identified by (entityType, id):
//
//  1. Loading
//  2. the cached record with FromCache=true, when one exists
//  3. the fetched record with FromCache=false, when the fetch succeeds and
//     its result is still the newest for the entity
//
// An Error is sent only when nothing was cached and nothing could be fetched.
// A fetch result never overwrites a record that still has queued local
// changes. The channel is buffered and closed when the read is finished.
func (c *Coordinator) ReadThrough(ctx context.Context, entityType, id string) <-chan model.Result {
	out := make(chan model.Result, 3)
	go func() {
		defer close(out)
		out <- model.Loading()
		c.readThrough(ctx, entityType, id, out)
	}()
	return out
}

func (c *Coordinator) readThrough(ctx context.Context, entityType, id string, out chan<- model.Result) {
	resolved, err := c.local.ResolveID(ctx, entityType, id)
	if err != nil {
		out <- model.Failure(fmt.Errorf("read %s/%s: %w", entityType, id, err))
		return
	}
	key := model.EntityKey{Type: entityType, ID: resolved}

	cached, found, err := c.local.Get(ctx, entityType, resolved)
	if err != nil {
		out <- model.Failure(fmt.Errorf("read %s: %w", key, err))
		return
	}
	if found {
		out <- model.Success(cached, true)
	}

	// Temp ids were never seen by the remote service.
	if model.IsTempID(resolved) {
		if !found {
			out <- model.Failure(model.NewError(model.ErrCodeNotFound, "no local record", nil).ForEntity(entityType, resolved))
		}
		return
	}
	if !c.conn.IsLikelyAvailable() {
		if !found {
			out <- model.Failure(model.NewError(model.ErrCodeNetworkUnavailable, "offline and not cached", nil).ForEntity(entityType, resolved))
		}
		return
	}

	token := c.fetches.begin(key)
	defer c.fetches.done(key)

	outcome := c.remote.Fetch(ctx, entityType, resolved)
	c.metrics.Fetch(entityType, outcome.Status.String())

	switch outcome.Status {
	case remote.StatusApplied:
		if outcome.Entity == nil {
			if !found {
				out <- model.Failure(model.NewError(model.ErrCodeSerialization, "fetch returned no entity", nil).ForEntity(entityType, resolved))
			}
			return
		}
		rec, applied, err := c.applyFetch(ctx, key, token, *outcome.Entity)
		if err != nil {
			c.logger.Warn("apply fetched record failed", "entity", key.String(), "error", err)
			return
		}
		if applied {
			out <- model.Success(rec, false)
			return
		}
		// A newer value or pending local change won. Callers that saw no
		// cached record yet get whatever is stored now.
		if !found {
			if current, ok, err := c.local.Get(ctx, key.Type, key.ID); err == nil && ok {
				out <- model.Success(current, true)
			}
		}
	case remote.StatusRetriable:
		c.logger.Debug("fetch failed, keeping cached value", "entity", key.String(), "error", outcome.Err)
		if !found {
			out <- model.Failure(outcome.Err)
		}
	default:
		c.logger.Info("fetch rejected", "entity", key.String(), "status", outcome.Status.String(), "error", outcome.Err)
		if !found {
			out <- model.Failure(outcome.Err)
		}
	}
}

// applyFetch stores a fetched entity as Synced if token is still the newest
// result for key and no local changes are queued.
func (c *Coordinator) applyFetch(ctx context.Context, key model.EntityKey, token uint64, entity model.Record) (model.Record, bool, error) {
	release, err := c.lanes.acquire(ctx, key)
	if err != nil {
		return model.Record{}, false, err
	}
	defer release()

	if !c.fetches.claim(key, token) {
		c.logger.Debug("dropping stale fetch", "entity", key.String(), "token", token)
		return model.Record{}, false, nil
	}

	entity.EntityType = key.Type
	entity.ID = key.ID
	entity.SyncState = model.SyncStateSynced
	stored, err := c.local.UpsertSyncedIfIdle(ctx, entity)
	if err != nil || !stored {
		return model.Record{}, false, err
	}

	rec, found, err := c.local.Get(ctx, key.Type, key.ID)
	if err != nil || !found {
		return model.Record{}, false, err
	}
	return rec, true, nil
}
