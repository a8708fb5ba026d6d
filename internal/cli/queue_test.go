package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote/fakeremote"
)

func TestQueueListJSON(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.exec(t, "--offline", "records", "write", "visit", "--data", `{"customer_id":"3","notes":"first"}`)
	require.NoError(t, err)
	_, err = env.exec(t, "--offline", "records", "write", "product", "--data", `{"name":"Widget"}`)
	require.NoError(t, err)

	out, err := env.exec(t, "--format", "json", "queue", "list")
	require.NoError(t, err)
	var ops []model.Operation
	decodeData(t, out, &ops)
	require.Len(t, ops, 2)
	assert.Equal(t, "visit", ops[0].EntityType)
	assert.Equal(t, model.OpCreate, ops[0].Kind)
	assert.Less(t, ops[0].EnqueuedAt, ops[1].EnqueuedAt)

	out, err = env.exec(t, "--format", "json", "queue", "list", "--type", "product")
	require.NoError(t, err)
	decodeData(t, out, &ops)
	require.Len(t, ops, 1)
	assert.Equal(t, "product", ops[0].EntityType)

	out, err = env.exec(t, "--format", "json", "queue", "list", "--permanent")
	require.NoError(t, err)
	decodeData(t, out, &ops)
	assert.Empty(t, ops)
}

func TestQueueRetryAndDiscard(t *testing.T) {
	env := newCLIEnv(t, fakeremote.WithValidator("customer", fakeremote.UniqueField("customer", "email")))
	env.fake.Seed("customer", map[string]any{"name": "Jane", "email": "jane@example.com"})

	_, err := env.exec(t, "--offline", "records", "write", "customer", "--data", `{"name":"Imposter","email":"jane@example.com"}`)
	require.NoError(t, err)
	_, err = env.exec(t, "sync")
	require.Error(t, err)

	out, err := env.exec(t, "queue", "list", "--permanent")
	require.NoError(t, err)
	assert.Contains(t, out, "permanent")
	assert.Contains(t, out, "already exists")

	out, err = env.exec(t, "queue", "retry", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "op 1: retry done")

	out, err = env.exec(t, "--format", "json", "queue", "list", "--permanent")
	require.NoError(t, err)
	var ops []model.Operation
	decodeData(t, out, &ops)
	assert.Empty(t, ops)

	_, err = env.exec(t, "queue", "retry", "1")
	require.Error(t, err, "only failed operations can be retried")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = env.exec(t, "queue", "discard", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "op 1: discard done")

	out, err = env.exec(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	out, err = env.exec(t, "records", "list", "customer")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)", "discarding a never-confirmed create drops its cached row")
}

func TestQueueListTellsRejectedFromExhausted(t *testing.T) {
	cmd := NewQueueCommand(&RootOptions{})
	list, _, err := cmd.Find([]string{"list"})
	require.NoError(t, err)
	assert.Contains(t, list.Long, "rejected it during replay")
	assert.Contains(t, list.Long, "RETRIES reached the retry ceiling")

	env := newCLIEnv(t, fakeremote.WithValidator("customer", fakeremote.UniqueField("customer", "email")))
	env.fake.Seed("customer", map[string]any{"name": "Jane", "email": "jane@example.com"})
	_, err = env.exec(t, "--offline", "records", "write", "customer", "--data", `{"name":"Imposter","email":"jane@example.com"}`)
	require.NoError(t, err)
	_, err = env.exec(t, "sync")
	require.Error(t, err)

	out, err := env.exec(t, "--format", "json", "queue", "list", "--permanent")
	require.NoError(t, err)
	var ops []model.Operation
	decodeData(t, out, &ops)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].RetryCount, "a rejection freezes the op without spending retries")
	assert.Contains(t, ops[0].LastError, "already exists")
}

func TestQueueActionBadID(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.exec(t, "queue", "discard", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = env.exec(t, "queue", "discard", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
