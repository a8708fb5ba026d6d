package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

type fixture struct {
	store *store.Store
	queue *Queue
	clock *testutil.FakeClock
	path  string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	policy := DefaultRetryPolicy()
	policy.Jitter = 0
	keys := 0
	base := []Option{
		WithNow(clock.Now),
		WithRetryPolicy(policy),
		WithKeyGenerator(func() string { keys++; return fmt.Sprintf("key-%d", keys) }),
	}
	q, err := New(context.Background(), st, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{store: st, queue: q, clock: clock, path: path}
}

func (f *fixture) enqueue(t *testing.T, entityType, id string, kind model.OpKind, payload string) model.Operation {
	t.Helper()
	op, err := f.queue.Enqueue(context.Background(), model.Operation{
		EntityType: entityType,
		EntityID:   id,
		Kind:       kind,
		Payload:    json.RawMessage(payload),
	}, &model.Record{EntityType: entityType, ID: id, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return op
}

func TestEnqueue_AssignsStampsAndKeys(t *testing.T) {
	f := newFixture(t)

	a := f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":1}`)
	b := f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":2}`)

	assert.Equal(t, int64(1), a.EnqueuedAt)
	assert.Equal(t, int64(2), b.EnqueuedAt)
	assert.Equal(t, "key-1", a.IdempotencyKey)
	assert.NotEmpty(t, a.Fingerprint)
	assert.Equal(t, model.OpStatusPending, a.Status)

	select {
	case <-f.queue.Enqueued():
	default:
		t.Fatal("enqueue did not signal")
	}
}

func TestEnqueue_KeepsProvidedIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	op, err := f.queue.Enqueue(context.Background(), model.Operation{
		EntityType: "customer", EntityID: "1", Kind: model.OpUpdate,
		Payload: json.RawMessage(`{}`), IdempotencyKey: "from-direct-call",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-direct-call", op.IdempotencyKey)
}

func TestEnqueue_RejectsDuplicateTap(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "customer", "1", model.OpUpdate, `{"name":"Jane","age":3}`)

	_, err := f.queue.Enqueue(context.Background(), model.Operation{
		EntityType: "customer", EntityID: "1", Kind: model.OpUpdate,
		Payload: json.RawMessage(`{"age":3, "name":"Jane"}`),
	}, nil)
	require.Error(t, err)
	assert.True(t, model.IsDuplicate(err))

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestEnqueue_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, model.Operation{EntityType: "customer", EntityID: "1", Kind: "merge"}, nil)
	assert.True(t, model.IsSerialization(err))

	_, err = f.queue.Enqueue(ctx, model.Operation{EntityType: "customer", Kind: model.OpCreate}, nil)
	assert.True(t, model.IsSerialization(err))

	_, err = f.queue.Enqueue(ctx, model.Operation{
		EntityType: "customer", EntityID: "1", Kind: model.OpUpdate, Payload: json.RawMessage(`{`),
	}, nil)
	assert.True(t, model.IsSerialization(err))
}

func TestNew_ResumesClockAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":1}`)
	f.enqueue(t, "customer", "2", model.OpUpdate, `{"v":1}`)
	require.NoError(t, f.store.Close())

	st, err := store.Open(f.path)
	require.NoError(t, err)
	defer st.Close()

	q, err := New(context.Background(), st)
	require.NoError(t, err)
	op, err := q.Enqueue(context.Background(), model.Operation{
		EntityType: "customer", EntityID: "1", Kind: model.OpUpdate, Payload: json.RawMessage(`{"v":2}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), op.EnqueuedAt)

	ops, err := q.List(context.Background(), Filter{EntityType: "customer", EntityID: "1"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Less(t, ops[0].EnqueuedAt, ops[1].EnqueuedAt)
}

func TestNextEligible_SkipsClaimedEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enqueue(t, "order", "1", model.OpUpdate, `{"v":1}`)
	b := f.enqueue(t, "order", "2", model.OpUpdate, `{"v":1}`)

	next, err := f.queue.NextEligible(ctx, "order")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID)

	require.True(t, f.queue.Claim(*next))
	assert.False(t, f.queue.Claim(*next), "an entity is claimed at most once")
	assert.Equal(t, 1, f.queue.InFlight())

	next, err = f.queue.NextEligible(ctx, "order")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)

	eligible, err := f.queue.Eligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)

	f.queue.Release(a)
	eligible, err = f.queue.Eligible(ctx)
	require.NoError(t, err)
	assert.Len(t, eligible, 2)

	none, err := f.queue.NextEligible(ctx, "visit")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFail_BacksOffThenBecomesPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":1}`)
	cause := errors.New("503 service unavailable")

	for i := 1; i <= f.queue.Policy().Ceiling; i++ {
		updated, err := f.queue.Fail(ctx, op, cause)
		require.NoError(t, err)
		assert.Equal(t, i, updated.RetryCount)
		assert.Equal(t, model.OpStatusPending, updated.Status)
		assert.Equal(t, f.clock.Now().Add(f.queue.Policy().Delay(i)), updated.NextAttemptAt)

		next, err := f.queue.NextEligible(ctx, "customer")
		require.NoError(t, err)
		assert.Nil(t, next, "op must wait for its backoff window")

		f.clock.Advance(f.queue.Policy().Delay(i))
		next, err = f.queue.NextEligible(ctx, "customer")
		require.NoError(t, err)
		require.NotNil(t, next)
	}

	updated, err := f.queue.Fail(ctx, op, cause)
	require.NoError(t, err)
	assert.True(t, updated.Permanent())
	assert.Equal(t, f.queue.Policy().Ceiling, updated.RetryCount)

	f.clock.Advance(time.Hour)
	next, err := f.queue.NextEligible(ctx, "customer")
	require.NoError(t, err)
	assert.Nil(t, next, "permanent ops are never dispatched")

	permanent, err := f.queue.Permanent(ctx)
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	assert.Equal(t, "503 service unavailable", permanent[0].LastError)

	require.NoError(t, f.queue.Retry(ctx, op.ID))
	next, err = f.queue.NextEligible(ctx, "customer")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Zero(t, next.RetryCount)
}

func TestMarkPermanent_BlocksLaterOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":1}`)
	f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":2}`)

	require.NoError(t, f.queue.MarkPermanent(ctx, first, model.NewError(model.ErrCodeRejected, "email taken", nil)))

	next, err := f.queue.NextEligible(ctx, "customer")
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = f.queue.Discard(ctx, first.ID)
	require.NoError(t, err)
	next, err = f.queue.NextEligible(ctx, "customer")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.EnqueuedAt)
}

func TestDefer_DoesNotCountAsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.enqueue(t, "customer", "1", model.OpUpdate, `{"v":1}`)

	require.NoError(t, f.queue.Defer(ctx, op, context.Canceled))

	got, err := f.queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, model.OpStatusPending, got.Status)
	assert.Equal(t, context.Canceled.Error(), got.LastError)
}

func TestComplete_RemapsAndPendingFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	create := f.enqueue(t, "customer", "tmp_1", model.OpCreate, `{"name":"Jane"}`)
	f.enqueue(t, "customer", "tmp_1", model.OpUpdate, `{"name":"Janet"}`)

	n, err := f.queue.PendingFor(ctx, "customer", "tmp_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	id, err := f.queue.Complete(ctx, create, &model.Record{
		EntityType: "customer", ID: "42", Payload: json.RawMessage(`{"id":"42","name":"Jane"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	n, err = f.queue.PendingFor(ctx, "customer", "tmp_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the temp id resolves to the remapped entity")

	next, err := f.queue.NextEligible(ctx, "customer")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "42", next.EntityID)
}

func TestRemapEntityID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, "visit", "tmp_v", model.OpUpdate, `{"customer_id":"1"}`)

	require.NoError(t, f.queue.RemapEntityID(ctx, "visit", "tmp_v", "77"))

	ops, err := f.queue.List(ctx, Filter{EntityType: "visit"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "77", ops[0].EntityID)
}

func TestNextWake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, found, err := f.queue.NextWake(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	op := f.enqueue(t, "order", "1", model.OpUpdate, `{"v":1}`)
	_, err = f.queue.Fail(ctx, op, errors.New("timeout"))
	require.NoError(t, err)

	wait, found, err := f.queue.NextWake(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, f.queue.Policy().Delay(1), wait)
}
