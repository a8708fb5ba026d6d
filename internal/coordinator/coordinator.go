package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/localstore"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
)

// Validator checks a mutation payload before it is sent or queued.
// *schema.Validator satisfies it.
type Validator interface {
	Validate(entityType string, kind model.OpKind, payload json.RawMessage) error
}

// Coordinator routes reads and writes between the local store, the sync
// queue and the remote service.
type Coordinator struct {
	local     *localstore.LocalStore
	queue     *queue.Queue
	remote    remote.Service
	conn      connectivity.Monitor
	validator Validator
	tempIDs   IDGenerator
	keys      IDGenerator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	lanes   *lanes
	fetches *fetchTracker
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithValidator validates payloads before any remote call or enqueue.
func WithValidator(v Validator) Option {
	return func(c *Coordinator) {
		c.validator = v
	}
}

// WithTempIDs overrides the generator for the suffix of minted temp ids.
func WithTempIDs(g IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.tempIDs = g
		}
	}
}

// WithIdempotencyKeys overrides the generator for direct-call idempotency keys.
func WithIdempotencyKeys(g IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.keys = g
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records read and write outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator. All collaborators are required.
func New(local *localstore.LocalStore, q *queue.Queue, svc remote.Service, conn connectivity.Monitor, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:   local,
		queue:   q,
		remote:  svc,
		conn:    conn,
		tempIDs: UUIDv7Generator{},
		keys:    UUIDv7Generator{},
		logger:  slog.Default(),
		lanes:   newLanes(),
		fetches: newFetchTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe streams cached snapshots; see localstore.LocalStore.Observe.
func (c *Coordinator) Observe(ctx context.Context, q localstore.Query) (<-chan []model.Record, error) {
	return c.local.Observe(ctx, q)
}

// Unsynced returns the cached records of entityType with unconfirmed changes.
func (c *Coordinator) Unsynced(ctx context.Context, entityType string) ([]model.Record, error) {
	return c.local.ListUnsynced(ctx, entityType)
}

// Issue is a sticky "failed to sync" indicator: a Permanent operation and
// the cached record it belongs to, if any.
type Issue struct {
	Operation model.Operation
	Record    *model.Record
}

// SyncIssues lists every Permanent operation. Issues stay until the user
// acknowledges or retries them.
func (c *Coordinator) SyncIssues(ctx context.Context) ([]Issue, error) {
	ops, err := c.queue.Permanent(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync issues: %w", err)
	}
	issues := make([]Issue, 0, len(ops))
	for _, op := range ops {
		issue := Issue{Operation: op}
		rec, found, err := c.local.Get(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return nil, fmt.Errorf("list sync issues: %w", err)
		}
		if found {
			issue.Record = &rec
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// Acknowledge drops a failed operation at the user's request. The local
// change it carried is abandoned; a never-confirmed create loses its cached row.
func (c *Coordinator) Acknowledge(ctx context.Context, opID int64) error {
	if _, err := c.queue.Discard(ctx, opID); err != nil {
		return fmt.Errorf("acknowledge op %d: %w", opID, err)
	}
	return nil
}

// RetryFailed returns a Permanent operation to automatic dispatch.
func (c *Coordinator) RetryFailed(ctx context.Context, opID int64) error {
	op, err := c.queue.Get(ctx, opID)
	if err != nil {
		return err
	}
	if !op.Permanent() {
		return fmt.Errorf("op %d is not a failed operation", opID)
	}
	return c.queue.Retry(ctx, opID)
}

// Settle runs apply under the entity's writer lane after making every fetch
// issued so far for key stale. The reconciler acknowledges replayed
// operations through Settle, so a read that left before the replay cannot
// store the pre-replay value or bring back a deleted entity. apply returns
// the id the entity is stored under afterwards; fetches for that id are
// made stale as well.
func (c *Coordinator) Settle(ctx context.Context, key model.EntityKey, apply func(context.Context) (string, error)) (string, error) {
	release, err := c.lanes.acquire(ctx, key)
	if err != nil {
		return "", fmt.Errorf("settle %s: %w", key, err)
	}
	defer release()

	c.fetches.invalidate(key)
	finalID, err := apply(ctx)
	if err != nil {
		return finalID, err
	}
	if finalID != "" && finalID != key.ID {
		c.fetches.invalidate(model.EntityKey{Type: key.Type, ID: finalID})
	}
	return finalID, nil
}
