// Package queue is the durable, ordered log of local mutations that the
// remote service has not yet confirmed.
//
// Operations for one entity are applied strictly in EnqueuedAt order and
// never concurrently. Operations for different entities are independent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Filter selects operations for List.
type Filter = store.OperationFilter

// Queue wraps the operations table of a store.Store with the logical clock,
// retry policy and in-flight claims.
type Queue struct {
	store  *store.Store
	clock  *Clock
	policy RetryPolicy
	now    func() time.Time
	newKey func() string
	logger *slog.Logger

	mu      sync.Mutex
	claimed map[model.EntityKey]int64

	// Signals enqueues (buffered, size 1)
	signal chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithNow overrides the wall clock used for backoff windows.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithKeyGenerator overrides idempotency key generation.
func WithKeyGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newKey = fn
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a queue over st. The logical clock resumes from the highest
// persisted EnqueuedAt so ordering survives restarts.
func New(ctx context.Context, st *store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:   st,
		policy:  DefaultRetryPolicy(),
		now:     time.Now,
		newKey:  uuid.NewString,
		logger:  slog.Default(),
		claimed: make(map[model.EntityKey]int64),
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.policy.Validate(); err != nil {
		return nil, err
	}

	last, err := st.MaxEnqueuedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume clock: %w", err)
	}
	q.clock = NewClockAt(last)
	return q, nil
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Enqueued returns a channel signaled after every successful Enqueue.
// Multiple enqueues before a receive coalesce into one signal.
func (q *Queue) Enqueued() <-chan struct{} {
	return q.signal
}

// Enqueue durably appends op and, in the same transaction, records the local
// effect: rec is stored as PendingLocalChange, or the cached row is removed
// for a Delete. It returns once the operation is committed.
//
// EnqueuedAt and Fingerprint are assigned here; IdempotencyKey is generated
// unless op already carries one (a direct call that failed transiently keeps
// its key so the retry is recognized remotely).
//
// Returns DUPLICATE_OPERATION when the entity's newest pending operation has
// the same fingerprint.
func (q *Queue) Enqueue(ctx context.Context, op model.Operation, rec *model.Record) (model.Operation, error) {
	if !op.Kind.Valid() {
		return model.Operation{}, model.NewError(model.ErrCodeSerialization, fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
	if op.EntityType == "" || op.EntityID == "" {
		return model.Operation{}, model.NewError(model.ErrCodeSerialization, "operation requires entity type and id", nil)
	}

	fp, err := Fingerprint(op.Kind, op.Payload)
	if err != nil {
		return model.Operation{}, err
	}
	op.Fingerprint = fp
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = q.newKey()
	}
	op.EnqueuedAt = q.clock.Next()
	op.CreatedAt = q.now()
	op.Status = model.OpStatusPending
	op.RetryCount = 0

	if err := q.store.InsertOperation(ctx, &op, rec); err != nil {
		return model.Operation{}, err
	}

	q.logger.Debug("operation enqueued",
		"op_id", op.ID,
		"entity", op.Key().String(),
		"kind", op.Kind,
		"enqueued_at", op.EnqueuedAt,
	)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return op, nil
}

// NextEligible returns the oldest eligible head operation of entityType whose
// entity is not claimed, or nil when none is ready.
func (q *Queue) NextEligible(ctx context.Context, entityType string) (*model.Operation, error) {
	heads, err := q.store.EligibleHeads(ctx, entityType, q.now())
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range heads {
		if _, busy := q.claimed[op.Key()]; !busy {
			op := op
			return &op, nil
		}
	}
	return nil, nil
}

// Eligible returns every eligible, unclaimed head operation across all
// entity types, ordered by EnqueuedAt.
func (q *Queue) Eligible(ctx context.Context) ([]model.Operation, error) {
	heads, err := q.store.EligibleHeads(ctx, "", q.now())
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := heads[:0]
	for _, op := range heads {
		if _, busy := q.claimed[op.Key()]; !busy {
			out = append(out, op)
		}
	}
	return out, nil
}

// Claim marks op's entity as in flight. Returns false if another operation
// of the same entity is already claimed.
func (q *Queue) Claim(op model.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.claimed[op.Key()]; busy {
		return false
	}
	q.claimed[op.Key()] = op.ID
	return true
}

// Release ends the claim taken by Claim.
func (q *Queue) Release(op model.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimed[op.Key()] == op.ID {
		delete(q.claimed, op.Key())
	}
}

// InFlight returns the number of claimed entities.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claimed)
}

// Ack removes a confirmed operation.
func (q *Queue) Ack(ctx context.Context, opID int64) error {
	return q.store.AckOperation(ctx, opID)
}

// Complete acknowledges op and applies the authoritative entity in one
// transaction; a Create's temporary id is remapped to entity.ID. Returns the
// id the entity is stored under afterwards.
func (q *Queue) Complete(ctx context.Context, op model.Operation, entity *model.Record) (string, error) {
	id, err := q.store.CompleteOperation(ctx, op.ID, entity)
	if err != nil {
		return "", err
	}
	if id != op.EntityID {
		q.logger.Info("entity id remapped", "entity_type", op.EntityType, "temp_id", op.EntityID, "remote_id", id)
	}
	return id, nil
}

// Fail records a retriable failure. Below the ceiling the retry count grows
// and the next attempt waits for the backoff delay; at the ceiling the
// operation becomes Permanent. Returns the updated operation.
func (q *Queue) Fail(ctx context.Context, op model.Operation, cause error) (model.Operation, error) {
	current, err := q.store.GetOperation(ctx, op.ID)
	if err != nil {
		return model.Operation{}, err
	}

	update := store.OperationUpdate{
		RetryCount: current.RetryCount,
		LastError:  errorText(cause),
		Status:     model.OpStatusPending,
	}
	if current.RetryCount < q.policy.Ceiling {
		update.RetryCount++
		update.NextAttemptAt = q.now().Add(q.policy.Delay(update.RetryCount))
	} else {
		update.Status = model.OpStatusPermanent
	}

	if err := q.store.UpdateOperation(ctx, op.ID, update); err != nil {
		return model.Operation{}, err
	}
	current.RetryCount = update.RetryCount
	current.LastError = update.LastError
	current.Status = update.Status
	current.NextAttemptAt = update.NextAttemptAt

	if current.Permanent() {
		q.logger.Warn("operation permanently failed",
			"op_id", op.ID, "entity", op.Key().String(), "retries", current.RetryCount, "error", update.LastError)
	}
	return current, nil
}

// MarkPermanent freezes op immediately, e.g. after a rejection or a fatal
// serialization failure that no retry can fix.
func (q *Queue) MarkPermanent(ctx context.Context, op model.Operation, cause error) error {
	current, err := q.store.GetOperation(ctx, op.ID)
	if err != nil {
		return err
	}
	q.logger.Warn("operation marked permanent", "op_id", op.ID, "entity", op.Key().String(), "error", errorText(cause))
	return q.store.UpdateOperation(ctx, op.ID, store.OperationUpdate{
		RetryCount: current.RetryCount,
		LastError:  errorText(cause),
		Status:     model.OpStatusPermanent,
	})
}

// Defer records why a dispatch was abandoned (cancellation, lost
// connectivity) without counting it as a retry.
func (q *Queue) Defer(ctx context.Context, op model.Operation, reason error) error {
	current, err := q.store.GetOperation(ctx, op.ID)
	if err != nil {
		return err
	}
	return q.store.UpdateOperation(ctx, op.ID, store.OperationUpdate{
		RetryCount:    current.RetryCount,
		LastError:     errorText(reason),
		Status:        current.Status,
		NextAttemptAt: current.NextAttemptAt,
	})
}

// RemapEntityID replaces a temporary id across the queue and the cache.
func (q *Queue) RemapEntityID(ctx context.Context, entityType, oldID, newID string) error {
	return q.store.RemapEntityID(ctx, entityType, oldID, newID)
}

// List returns operations matching filter in EnqueuedAt order.
func (q *Queue) List(ctx context.Context, filter Filter) ([]model.Operation, error) {
	return q.store.ListOperations(ctx, filter)
}

// Get returns one operation.
func (q *Queue) Get(ctx context.Context, opID int64) (model.Operation, error) {
	return q.store.GetOperation(ctx, opID)
}

// Permanent returns the operations that exceeded the retry ceiling or were
// rejected during replay.
func (q *Queue) Permanent(ctx context.Context) ([]model.Operation, error) {
	return q.store.ListOperations(ctx, Filter{Status: model.OpStatusPermanent})
}

// Retry returns a Permanent operation to Pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, opID int64) error {
	if err := q.store.ResetOperation(ctx, opID); err != nil {
		return err
	}
	q.logger.Info("operation reset for retry", "op_id", opID)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Discard removes an operation at the user's explicit request.
func (q *Queue) Discard(ctx context.Context, opID int64) (model.Operation, error) {
	op, err := q.store.DiscardOperation(ctx, opID)
	if err != nil {
		return model.Operation{}, err
	}
	q.logger.Info("operation discarded", "op_id", opID, "entity", op.Key().String(), "kind", op.Kind)
	return op, nil
}

// PendingFor returns the number of operations queued for the entity.
// Remapped temporary ids are resolved first.
func (q *Queue) PendingFor(ctx context.Context, entityType, id string) (int, error) {
	resolved, err := q.store.ResolveID(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	return q.store.CountOperations(ctx, Filter{EntityType: entityType, EntityID: resolved})
}

// ResolveRefs rewrites payload references to temp ids that were already
// remapped and returns the references whose entity still has queued
// operations.
func (q *Queue) ResolveRefs(ctx context.Context, payload json.RawMessage) (json.RawMessage, []string, error) {
	return q.store.ResolveTempRefs(ctx, payload)
}

// NextWake returns how long until the earliest backoff window ends, or false
// when no operation is waiting on one.
func (q *Queue) NextWake(ctx context.Context) (time.Duration, bool, error) {
	now := q.now()
	next, found, err := q.store.NextAttemptAfter(ctx, now)
	if err != nil || !found {
		return 0, false, err
	}
	return next.Sub(now), true, nil
}

// Depth returns the total number of queued operations.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx, Filter{})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
