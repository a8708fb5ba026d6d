package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// Mutation is a local change to one entity. ID is empty for a Create that
// should receive a temp id; Payload is ignored for Delete.
type Mutation struct {
	EntityType string
	ID         string
	Kind       model.OpKind
	Payload    json.RawMessage
}

// WriteThrough applies m under the entity's writer lane.
//
// The remote service is called directly only when connectivity is plausible,
// nothing is queued for the entity, and neither the entity id nor the
// payload refers to an unconfirmed temp id. Otherwise, or when the direct
// call fails transiently, the mutation is enqueued and a QueuedOffline
// result is returned once the operation is durable.
//
// Validation and rejection failures are returned as Error results and never
// queued. The returned error is non-nil only when the mutation could not be
// captured locally.
func (c *Coordinator) WriteThrough(ctx context.Context, m Mutation) (model.Result, error) {
	if err := checkMutation(m); err != nil {
		c.metrics.Write(m.EntityType, "invalid")
		return model.Failure(err), nil
	}
	if c.validator != nil {
		if err := c.validator.Validate(m.EntityType, m.Kind, m.Payload); err != nil {
			c.metrics.Write(m.EntityType, "invalid")
			return model.Failure(err), nil
		}
	}

	id := m.ID
	if m.Kind == model.OpCreate && id == "" {
		id = c.newTempID()
	}
	resolved, err := c.local.ResolveID(ctx, m.EntityType, id)
	if err != nil {
		return model.Failure(err), fmt.Errorf("write %s/%s: %w", m.EntityType, id, err)
	}
	key := model.EntityKey{Type: m.EntityType, ID: resolved}

	release, err := c.lanes.acquire(ctx, key)
	if err != nil {
		return model.Failure(err), fmt.Errorf("write %s: %w", key, err)
	}
	defer release()

	pending, err := c.queue.PendingFor(ctx, key.Type, key.ID)
	if err != nil {
		return model.Failure(err), fmt.Errorf("write %s: %w", key, err)
	}

	var unresolved []string
	if m.Kind != model.OpDelete {
		m.Payload, unresolved, err = c.queue.ResolveRefs(ctx, m.Payload)
		if err != nil {
			return model.Failure(err), fmt.Errorf("write %s: %w", key, err)
		}
	}

	var reason error
	var idempotencyKey string
	switch {
	case !c.conn.IsLikelyAvailable():
		reason = model.NewError(model.ErrCodeNetworkUnavailable, "remote service unreachable", nil)
	case pending > 0:
		// Queued behind earlier changes; order is preserved by replay.
	case m.Kind != model.OpCreate && model.IsTempID(key.ID):
		// The entity is not known remotely until its create is replayed.
	case len(unresolved) > 0:
		// References an entity the remote service has not assigned an id yet.
	default:
		idempotencyKey = c.keys.Generate()
		outcome := remote.Dispatch(ctx, c.remote, model.Operation{
			EntityType:     key.Type,
			EntityID:       key.ID,
			Kind:           m.Kind,
			Payload:        m.Payload,
			IdempotencyKey: idempotencyKey,
		})

		switch outcome.Status {
		case remote.StatusApplied:
			return c.applyWrite(ctx, m, key, outcome.Entity)
		case remote.StatusRejected, remote.StatusFatal:
			c.metrics.Write(key.Type, "rejected")
			c.logger.Info("write rejected", "entity", key.String(), "kind", m.Kind, "error", outcome.Err)
			return model.Failure(outcome.Err), nil
		}
		reason = outcome.Err
	}

	return c.enqueue(ctx, m, key, idempotencyKey, reason)
}

func checkMutation(m Mutation) error {
	if m.EntityType == "" {
		return model.NewError(model.ErrCodeSerialization, "mutation requires an entity type", nil)
	}
	if !m.Kind.Valid() {
		return model.NewError(model.ErrCodeSerialization, fmt.Sprintf("unknown mutation kind %q", m.Kind), nil)
	}
	if m.Kind != model.OpCreate && m.ID == "" {
		return model.NewError(model.ErrCodeSerialization, fmt.Sprintf("%s requires an entity id", m.Kind), nil)
	}
	return nil
}

// applyWrite records a directly applied mutation as Synced.
func (c *Coordinator) applyWrite(ctx context.Context, m Mutation, key model.EntityKey, entity *model.Record) (model.Result, error) {
	c.fetches.invalidate(key)

	if m.Kind == model.OpDelete {
		if err := c.local.Delete(ctx, key.Type, key.ID); err != nil {
			return model.Failure(err), fmt.Errorf("apply delete %s: %w", key, err)
		}
		c.metrics.Write(key.Type, "success")
		return model.Success(model.Record{EntityType: key.Type, ID: key.ID, SyncState: model.SyncStateSynced}, false), nil
	}

	rec := model.Record{EntityType: key.Type, ID: key.ID, Payload: m.Payload}
	if entity != nil {
		rec.Payload = entity.Payload
		if entity.ID != "" {
			rec.ID = entity.ID
		}
	}
	rec.SyncState = model.SyncStateSynced
	if rec.ID != key.ID {
		c.fetches.invalidate(model.EntityKey{Type: key.Type, ID: rec.ID})
	}

	if err := c.local.Upsert(ctx, rec); err != nil {
		return model.Failure(err), fmt.Errorf("apply %s %s: %w", m.Kind, key, err)
	}
	stored, found, err := c.local.Get(ctx, rec.EntityType, rec.ID)
	if err != nil {
		return model.Failure(err), fmt.Errorf("apply %s %s: %w", m.Kind, key, err)
	}
	if found {
		rec = stored
	}

	c.metrics.Write(key.Type, "success")
	c.logger.Debug("write applied", "entity", rec.EntityType+"/"+rec.ID, "kind", m.Kind)
	return model.Success(rec, false), nil
}

// enqueue captures m durably. The enqueue is not cancelled with ctx: once the
// caller's intent reached this point it must not be lost.
func (c *Coordinator) enqueue(ctx context.Context, m Mutation, key model.EntityKey, idempotencyKey string, reason error) (model.Result, error) {
	ctx = context.WithoutCancel(ctx)

	op := model.Operation{
		EntityType:     key.Type,
		EntityID:       key.ID,
		Kind:           m.Kind,
		Payload:        m.Payload,
		IdempotencyKey: idempotencyKey,
	}
	if m.Kind == model.OpDelete {
		op.Payload = nil
	}

	var rec *model.Record
	if m.Kind != model.OpDelete {
		rec = &model.Record{
			EntityType: key.Type,
			ID:         key.ID,
			Payload:    m.Payload,
			SyncState:  model.SyncStatePending,
		}
	}

	queued, err := c.queue.Enqueue(ctx, op, rec)
	switch {
	case model.IsDuplicate(err):
		c.metrics.Write(key.Type, "duplicate")
		stored, found, getErr := c.local.Get(ctx, key.Type, key.ID)
		if getErr != nil {
			return model.Failure(getErr), fmt.Errorf("write %s: %w", key, getErr)
		}
		if !found {
			return model.QueuedOffline(nil, err), nil
		}
		return model.QueuedOffline(&stored, err), nil
	case model.IsSerialization(err):
		c.metrics.Write(key.Type, "invalid")
		return model.Failure(err), nil
	case err != nil:
		c.metrics.Write(key.Type, "error")
		return model.Failure(err), fmt.Errorf("queue %s %s: %w", m.Kind, key, err)
	}

	c.metrics.Write(key.Type, "queued")
	c.logger.Info("write queued",
		"entity", queued.Key().String(),
		"kind", queued.Kind,
		"op_id", queued.ID,
		"reason", reason,
	)

	if rec == nil {
		return model.QueuedOffline(nil, reason), nil
	}
	stored, found, err := c.local.Get(ctx, queued.EntityType, queued.EntityID)
	if err != nil {
		return model.Failure(err), fmt.Errorf("write %s: %w", key, err)
	}
	if !found {
		return model.QueuedOffline(rec, reason), nil
	}
	return model.QueuedOffline(&stored, reason), nil
}
