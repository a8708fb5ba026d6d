package localstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func record(id, payload string, state model.SyncState) model.Record {
	return model.Record{EntityType: "customer", ID: id, Payload: json.RawMessage(payload), SyncState: state}
}

func receive(t *testing.T, ch <-chan []model.Record) []model.Record {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "observe channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestLocalStore_UpsertGetDelete(t *testing.T) {
	ls := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, ls.Upsert(ctx, record("1", `{"name":"Jane"}`, model.SyncStateSynced)))

	got, found, err := ls.Get(ctx, "customer", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Synced())

	require.NoError(t, ls.Delete(ctx, "customer", "1"))
	_, found, err = ls.Get(ctx, "customer", "1")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting again is fine
	require.NoError(t, ls.Delete(ctx, "customer", "1"))
}

func TestLocalStore_ListUnsynced(t *testing.T) {
	ls := newTestLocalStore(t)
	ctx := context.Background()

	require.NoError(t, ls.Upsert(ctx, record("1", `{}`, model.SyncStateSynced)))
	require.NoError(t, ls.Upsert(ctx, record("2", `{}`, model.SyncStatePending)))

	unsynced, err := ls.ListUnsynced(ctx, "customer")
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "2", unsynced[0].ID)

	all, err := ls.List(ctx, "customer")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestObserve_EmitsInitialAndLiveSnapshots(t *testing.T) {
	ls := newTestLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ls.Upsert(ctx, record("1", `{"v":1}`, model.SyncStateSynced)))

	ch, err := ls.Observe(ctx, Query{EntityType: "customer"})
	require.NoError(t, err)

	first := receive(t, ch)
	require.Len(t, first, 1)

	require.NoError(t, ls.Upsert(ctx, record("2", `{"v":1}`, model.SyncStatePending)))
	second := receive(t, ch)
	assert.Len(t, second, 2)

	cancel()
	for range ch {
		// drain until closed
	}
}

func TestObserve_IndependentSubscribers(t *testing.T) {
	ls := newTestLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, err := ls.Observe(ctx, Query{EntityType: "customer"})
	require.NoError(t, err)
	unsynced, err := ls.Observe(ctx, Query{EntityType: "customer", OnlyUnsynced: true})
	require.NoError(t, err)

	assert.Empty(t, receive(t, all))
	assert.Empty(t, receive(t, unsynced))

	require.NoError(t, ls.Upsert(ctx, record("1", `{}`, model.SyncStatePending)))
	assert.Len(t, receive(t, all), 1)
	assert.Len(t, receive(t, unsynced), 1)
}

func TestObserve_SuppressesIdenticalSnapshots(t *testing.T) {
	ls := newTestLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ls.Upsert(ctx, record("1", `{}`, model.SyncStatePending)))

	ch, err := ls.Observe(ctx, Query{EntityType: "customer", ID: "1"})
	require.NoError(t, err)
	receive(t, ch)

	// A change to another record of the type wakes the observer but the
	// filtered result is unchanged
	require.NoError(t, ls.Upsert(ctx, record("2", `{}`, model.SyncStatePending)))

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserve_RequiresEntityType(t *testing.T) {
	ls := newTestLocalStore(t)

	_, err := ls.Observe(context.Background(), Query{})
	require.Error(t, err)
}
