package repository

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/coordinator"
	"github.com/roach88/fieldsync/internal/localstore"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/remote/fakeremote"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

type env struct {
	repos *Set
	local *localstore.LocalStore
	conn  *connectivity.Manual
	fake  *fakeremote.Server
}

func newEnv(t *testing.T, online bool) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(context.Background(), st)
	require.NoError(t, err)

	fake := fakeremote.New()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := remote.NewClient(srv.URL)
	require.NoError(t, err)

	local := localstore.New(st)
	conn := connectivity.NewManual(online)
	coord := coordinator.New(local, q, client, conn, coordinator.WithTempIDs(testutil.NewSequenceIDs("r")))
	return &env{repos: NewSet(coord), local: local, conn: conn, fake: fake}
}

func collect[T Entity](t *testing.T, ch <-chan Result[T]) []Result[T] {
	t.Helper()
	var out []Result[T]
	timeout := time.After(3 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, res)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestSet_EntityTypes(t *testing.T) {
	s := NewSet(nil)
	got := []string{
		s.Customers.EntityType(),
		s.Orders.EntityType(),
		s.Products.EntityType(),
		s.Visits.EntityType(),
		s.Expenditures.EntityType(),
		s.Categories.EntityType(),
		s.SalesReps.EntityType(),
	}
	assert.Equal(t, model.EntityTypes(), got)
}

func TestCreate_Online(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	res, err := e.repos.Customers.Create(ctx, Customer{Name: "Jane", Email: "jane@example.com"})
	require.NoError(t, err)
	require.True(t, res.IsSuccess())
	require.NotNil(t, res.Item)
	assert.Equal(t, "1", res.Item.ID)
	assert.Equal(t, "1", res.Item.Value.ID)
	assert.Equal(t, "Jane", res.Item.Value.Name)
	assert.True(t, res.Item.Synced())
}

func TestCreate_OfflineIsQueuedAndUnsynced(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	res, err := e.repos.Orders.Create(ctx, Order{
		CustomerID: "7",
		Lines:      []OrderLine{{ProductID: "3", Quantity: 2, Price: 4.5}},
		Total:      9,
		Status:     "draft",
	})
	require.NoError(t, err)
	require.True(t, res.IsQueuedOffline())
	require.NotNil(t, res.Item)
	assert.Equal(t, "tmp_r1", res.Item.ID)
	assert.Empty(t, res.Item.Value.ID)
	assert.Equal(t, 2, res.Item.Value.Lines[0].Quantity)

	unsynced, err := e.repos.Orders.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "tmp_r1", unsynced[0].ID)
	assert.False(t, unsynced[0].Synced())
	assert.Zero(t, e.fake.Count("order"))
}

func TestGet_StreamsCachedThenFetched(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	id := e.fake.Seed("product", map[string]any{"name": "Widget", "price": 3.5})
	require.NoError(t, e.local.Upsert(ctx, model.Record{
		EntityType: "product", ID: id, Payload: json.RawMessage(`{"id":"1","name":"Old widget"}`), SyncState: model.SyncStateSynced,
	}))

	results := collect(t, e.repos.Products.Get(ctx, id))
	require.Len(t, results, 3)
	assert.Equal(t, model.ResultLoading, results[0].Kind)

	assert.True(t, results[1].IsSuccess())
	assert.True(t, results[1].FromCache)
	assert.Equal(t, "Old widget", results[1].Item.Value.Name)

	assert.True(t, results[2].IsSuccess())
	assert.False(t, results[2].FromCache)
	assert.Equal(t, "Widget", results[2].Item.Value.Name)
	assert.InDelta(t, 3.5, results[2].Item.Value.Price, 0.001)
}

func TestGet_UndecodablePayloadIsAnError(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.local.Upsert(ctx, model.Record{
		EntityType: "customer", ID: "5", Payload: json.RawMessage(`{"name":42}`), SyncState: model.SyncStateSynced,
	}))

	results := collect(t, e.repos.Customers.Get(ctx, "5"))
	require.Len(t, results, 2)
	assert.True(t, results[1].IsError())
	assert.True(t, model.IsSerialization(results[1].Err))
}

func TestUpdateAndDelete_Offline(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.local.Upsert(ctx, model.Record{
		EntityType: "visit", ID: "12", Payload: json.RawMessage(`{"id":"12","customer_id":"3"}`), SyncState: model.SyncStateSynced,
	}))

	res, err := e.repos.Visits.Update(ctx, "12", Visit{ID: "12", CustomerID: "3", Notes: "bring samples"})
	require.NoError(t, err)
	require.True(t, res.IsQueuedOffline())
	assert.Equal(t, "bring samples", res.Item.Value.Notes)

	res, err = e.repos.Visits.Delete(ctx, "12")
	require.NoError(t, err)
	assert.True(t, res.IsQueuedOffline())
	assert.Nil(t, res.Item)

	_, found, err := e.local.Get(ctx, "visit", "12")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestObserve_EmitsTypedSnapshots(t *testing.T) {
	e := newEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := e.repos.Categories.Observe(ctx)
	require.NoError(t, err)

	select {
	case items := <-snapshots:
		assert.Empty(t, items)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	_, err = e.repos.Categories.Create(ctx, Category{Name: "Tools"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case items := <-snapshots:
			return len(items) == 1 && items[0].Value.Name == "Tools" && !items[0].Synced()
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWrite_ValidationFailureIsAnError(t *testing.T) {
	e := newEnv(t, true)
	res, err := e.repos.SalesReps.Update(context.Background(), "", SalesRep{Name: "Sam"})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.True(t, model.IsSerialization(res.Err))
}
