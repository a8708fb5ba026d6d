package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeysAndStripsWhitespace(t *testing.T) {
	a, err := Canonical(json.RawMessage(`{"b": 1, "a": "x"}`))
	require.NoError(t, err)
	b, err := Canonical(json.RawMessage(`{"a":"x","b":1}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":"x","b":1}`, string(a))
}

func TestCanonical_NormalizesUnicode(t *testing.T) {
	// "é" precomposed vs "e" + combining acute accent
	a, err := Canonical(json.RawMessage("{\"name\":\"Ren\u00e9\"}"))
	require.NoError(t, err)
	b, err := Canonical(json.RawMessage("{\"name\":\"Rene\u0301\"}"))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
}

func TestCanonical_PreservesLargeIntegers(t *testing.T) {
	out, err := Canonical(json.RawMessage(`{"n":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestCanonical_InvalidJSON(t *testing.T) {
	_, err := Canonical(json.RawMessage(`{"a":`))
	require.Error(t, err)
	assert.True(t, IsSerialization(err))
}

func TestCanonical_Empty(t *testing.T) {
	out, err := Canonical(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestReplaceIDRefs(t *testing.T) {
	payload := json.RawMessage(`{"customer_id":"tmp_a","lines":[{"ref":"tmp_a"},{"ref":"tmp_b"}],"note":"tmp_a-suffix"}`)

	out, changed, err := ReplaceIDRefs(payload, "tmp_a", "42")
	require.NoError(t, err)
	require.True(t, changed)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "42", got["customer_id"])
	lines := got["lines"].([]any)
	assert.Equal(t, "42", lines[0].(map[string]any)["ref"])
	assert.Equal(t, "tmp_b", lines[1].(map[string]any)["ref"])
	assert.Equal(t, "tmp_a-suffix", got["note"], "only whole-string matches are rewritten")
}

func TestReplaceIDRefs_NoReference(t *testing.T) {
	payload := json.RawMessage(`{"name":"Jane"}`)
	out, changed, err := ReplaceIDRefs(payload, "tmp_a", "42")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, string(payload), string(out))
}

func TestTempIDRefs(t *testing.T) {
	refs := TempIDRefs(json.RawMessage(`{"a":"tmp_2","b":["tmp_1","x",{"c":"tmp_2"}]}`))
	assert.Equal(t, []string{"tmp_1", "tmp_2"}, refs)

	assert.Nil(t, TempIDRefs(json.RawMessage(`{"a":"42"}`)))
	assert.Nil(t, TempIDRefs(nil))
}

func TestIsTempID(t *testing.T) {
	assert.True(t, IsTempID("tmp_0192"))
	assert.False(t, IsTempID("42"))
	assert.False(t, IsTempID(""))
}

func TestSyncError_Predicates(t *testing.T) {
	base := NewError(ErrCodeTransient, "timeout", nil)
	wrapped := &wrapErr{err: base}

	assert.True(t, IsRetriable(wrapped))
	assert.False(t, IsRejected(wrapped))
	assert.True(t, IsRetriable(NewError(ErrCodeNetworkUnavailable, "offline", nil)))
	assert.True(t, IsRejected(NewError(ErrCodeRejected, "bad", nil)))
	assert.True(t, IsDuplicate(NewError(ErrCodeDuplicate, "dup", nil)))
	assert.Equal(t, ErrorCode(""), CodeOf(assert.AnError))
}

func TestSyncError_Message(t *testing.T) {
	err := NewError(ErrCodeRejected, "email taken", nil).ForEntity("customer", "tmp_1")
	err.OpID = 7
	assert.Equal(t, "APPLICATION_REJECTED: email taken (entity=customer/tmp_1) (op=7)", err.Error())
}

func TestResult_Variants(t *testing.T) {
	rec := Record{EntityType: "customer", ID: "1"}

	assert.True(t, Loading().IsLoading())
	assert.True(t, Success(rec, true).IsSuccess())
	assert.True(t, Success(rec, true).FromCache)

	queued := QueuedOffline(&rec, nil)
	assert.True(t, queued.IsQueuedOffline())
	assert.False(t, queued.IsError())

	failed := Failure(NewError(ErrCodeRejected, "bad", nil))
	assert.True(t, failed.IsError())
	assert.False(t, failed.IsQueuedOffline())
}

type wrapErr struct{ err error }

func (w *wrapErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }
