package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newOp(entityType, id string, kind model.OpKind, payload string, seq int64) *model.Operation {
	return &model.Operation{
		EntityType:     entityType,
		EntityID:       id,
		Kind:           kind,
		Payload:        json.RawMessage(payload),
		Fingerprint:    fmt.Sprintf("fp-%s-%s", kind, payload),
		IdempotencyKey: fmt.Sprintf("key-%d", seq),
		EnqueuedAt:     seq,
	}
}

func insertOp(t *testing.T, s *Store, op *model.Operation) *model.Operation {
	t.Helper()
	rec := &model.Record{EntityType: op.EntityType, ID: op.EntityID, Payload: op.Payload}
	require.NoError(t, s.InsertOperation(context.Background(), op, rec))
	return op
}

func TestInsertOperation_StoresPendingRecord(t *testing.T) {
	s := createTestStore(t, WithNow(func() time.Time { return testNow }))
	ctx := context.Background()

	op := insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"name":"Jane"}`, 1))
	assert.NotZero(t, op.ID)

	rec, found, err := s.GetRecord(ctx, "customer", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.SyncStatePending, rec.SyncState)
	assert.JSONEq(t, `{"name":"Jane"}`, string(rec.Payload))
	assert.Equal(t, testNow, rec.UpdatedAt)

	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, got.Status)
	assert.Equal(t, int64(1), got.EnqueuedAt)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.True(t, got.NextAttemptAt.IsZero())
}

func TestInsertOperation_DeleteRemovesCachedRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, model.Record{
		EntityType: "visit", ID: "9", Payload: json.RawMessage(`{}`), SyncState: model.SyncStateSynced,
	}))
	require.NoError(t, s.InsertOperation(ctx, newOp("visit", "9", model.OpDelete, ``, 1), nil))

	_, found, err := s.GetRecord(ctx, "visit", "9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertOperation_RejectsDuplicateTail(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"n":"A"}`, 1))

	dup := newOp("customer", "1", model.OpUpdate, `{"n":"A"}`, 2)
	err := s.InsertOperation(ctx, dup, nil)
	require.Error(t, err)
	assert.True(t, model.IsDuplicate(err))

	n, err := s.CountOperations(ctx, OperationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertOperation_AllowsRevertingEdit(t *testing.T) {
	s := createTestStore(t)

	// A, B, A must all be kept: only the newest op is compared
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"n":"A"}`, 1))
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"n":"B"}`, 2))
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"n":"A"}`, 3))

	ops, err := s.ListOperations(context.Background(), OperationFilter{EntityType: "customer"})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{ops[0].EnqueuedAt, ops[1].EnqueuedAt, ops[2].EnqueuedAt})
}

func TestInsertOperation_ResolvesRemappedIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RemapEntityID(ctx, "customer", "tmp_a", "42"))

	op := insertOp(t, s, newOp("customer", "tmp_a", model.OpUpdate, `{"name":"Jane"}`, 1))
	assert.Equal(t, "42", op.EntityID)

	order := insertOp(t, s, newOp("order", "tmp_o", model.OpCreate, `{"customer_id":"tmp_a"}`, 2))
	assert.JSONEq(t, `{"customer_id":"42"}`, string(order.Payload))
}

func TestResolveTempRefs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RemapEntityID(ctx, "customer", "tmp_a", "42"))
	insertOp(t, s, newOp("product", "tmp_p", model.OpCreate, `{"name":"Hammer"}`, 1))

	payload, pending, err := s.ResolveTempRefs(ctx, json.RawMessage(`{"customer_id":"tmp_a","lines":[{"product_id":"tmp_p"}],"notes":"tmp_ call back"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"customer_id":"42","lines":[{"product_id":"tmp_p"}],"notes":"tmp_ call back"}`, string(payload))
	assert.Equal(t, []string{"tmp_p"}, pending)

	plain := json.RawMessage(`{"name":"tmp_ Janet"}`)
	payload, pending, err = s.ResolveTempRefs(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, string(plain), string(payload))
	assert.Empty(t, pending, "prefix-only text is not a reference")
}

func TestEligibleHeads_OnePerEntityInOrder(t *testing.T) {
	s := createTestStore(t)

	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":1}`, 1))
	insertOp(t, s, newOp("customer", "2", model.OpUpdate, `{"v":1}`, 2))
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":2}`, 3))
	insertOp(t, s, newOp("order", "5", model.OpUpdate, `{"v":1}`, 4))

	heads, err := s.EligibleHeads(context.Background(), "", testNow)
	require.NoError(t, err)
	require.Len(t, heads, 3)
	assert.Equal(t, int64(1), heads[0].EnqueuedAt)
	assert.Equal(t, int64(2), heads[1].EnqueuedAt)
	assert.Equal(t, int64(4), heads[2].EnqueuedAt)

	customers, err := s.EligibleHeads(context.Background(), "customer", testNow)
	require.NoError(t, err)
	assert.Len(t, customers, 2)
}

func TestEligibleHeads_BackoffAndPermanentBlock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":1}`, 1))
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":2}`, 2))

	require.NoError(t, s.UpdateOperation(ctx, first.ID, OperationUpdate{
		RetryCount: 1, LastError: "timeout", NextAttemptAt: testNow.Add(time.Minute),
	}))

	heads, err := s.EligibleHeads(ctx, "", testNow)
	require.NoError(t, err)
	assert.Empty(t, heads, "backoff window must hold back the whole entity")

	heads, err = s.EligibleHeads(ctx, "", testNow.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, first.ID, heads[0].ID)

	require.NoError(t, s.UpdateOperation(ctx, first.ID, OperationUpdate{
		RetryCount: 5, LastError: "timeout", Status: model.OpStatusPermanent,
	}))
	heads, err = s.EligibleHeads(ctx, "", testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, heads, "permanent head blocks later ops for the entity")
}

func TestEligibleHeads_WaitsForReferencedCreate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	create := insertOp(t, s, newOp("customer", "tmp_c", model.OpCreate, `{"name":"Jane"}`, 1))
	insertOp(t, s, newOp("order", "tmp_o", model.OpCreate, `{"customer_id":"tmp_c"}`, 2))

	heads, err := s.EligibleHeads(ctx, "", testNow)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "customer", heads[0].EntityType)

	_, err = s.CompleteOperation(ctx, create.ID, &model.Record{
		EntityType: "customer", ID: "42", Payload: json.RawMessage(`{"id":"42","name":"Jane"}`),
	})
	require.NoError(t, err)

	heads, err = s.EligibleHeads(ctx, "", testNow)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "order", heads[0].EntityType)
	assert.JSONEq(t, `{"customer_id":"42"}`, string(heads[0].Payload))
}

func TestAckOperation_SyncsWhenLast(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := insertOp(t, s, newOp("product", "3", model.OpUpdate, `{"v":1}`, 1))
	second := insertOp(t, s, newOp("product", "3", model.OpUpdate, `{"v":2}`, 2))

	require.NoError(t, s.AckOperation(ctx, first.ID))
	rec, _, err := s.GetRecord(ctx, "product", "3")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatePending, rec.SyncState)

	require.NoError(t, s.AckOperation(ctx, second.ID))
	rec, _, err = s.GetRecord(ctx, "product", "3")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStateSynced, rec.SyncState)

	err = s.AckOperation(ctx, second.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestDiscardOperation_TempCreateDropsEverything(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	create := insertOp(t, s, newOp("customer", "tmp_x", model.OpCreate, `{"name":"A"}`, 1))
	insertOp(t, s, newOp("customer", "tmp_x", model.OpUpdate, `{"name":"B"}`, 2))

	discarded, err := s.DiscardOperation(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpCreate, discarded.Kind)

	n, err := s.CountOperations(ctx, OperationFilter{EntityID: "tmp_x"})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, found, err := s.GetRecord(ctx, "customer", "tmp_x")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDiscardOperation_UpdateKeepsPendingRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	op := insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"name":"B"}`, 1))
	_, err := s.DiscardOperation(ctx, op.ID)
	require.NoError(t, err)

	rec, found, err := s.GetRecord(ctx, "customer", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.SyncStatePending, rec.SyncState)

	_, err = s.DiscardOperation(ctx, op.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestResetOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	op := insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{}`, 1))
	require.NoError(t, s.UpdateOperation(ctx, op.ID, OperationUpdate{
		RetryCount: 5, LastError: "boom", Status: model.OpStatusPermanent,
	}))

	permanent, err := s.ListOperations(ctx, OperationFilter{Status: model.OpStatusPermanent})
	require.NoError(t, err)
	require.Len(t, permanent, 1)
	assert.Equal(t, "boom", permanent[0].LastError)

	require.NoError(t, s.ResetOperation(ctx, op.ID))
	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)

	assert.True(t, model.IsNotFound(s.ResetOperation(ctx, 999)))
}

func TestMaxEnqueuedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	max, err := s.MaxEnqueuedAt(ctx)
	require.NoError(t, err)
	assert.Zero(t, max)

	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":1}`, 7))
	insertOp(t, s, newOp("customer", "2", model.OpUpdate, `{"v":1}`, 12))

	max, err = s.MaxEnqueuedAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), max)
}

func TestHeadOperation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, found, err := s.HeadOperation(ctx, "customer", "1")
	require.NoError(t, err)
	assert.False(t, found)

	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":1}`, 3))
	insertOp(t, s, newOp("customer", "1", model.OpUpdate, `{"v":2}`, 4))

	head, found, err := s.HeadOperation(ctx, "customer", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), head.EnqueuedAt)
}
