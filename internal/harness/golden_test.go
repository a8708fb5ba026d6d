package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/remote/fakeremote"
)

func staticResult() *Result {
	r := NewResult()
	r.addEvent(TraceEvent{Step: StepWrite, Entity: "order/tmp_171-1", Kind: "create", Outcome: ExpectQueuedOffline, Code: "NETWORK_UNAVAILABLE"})
	r.addEvent(TraceEvent{Step: StepConnectivity, Outcome: "online"})
	r.addEvent(TraceEvent{
		Step:  StepSync,
		Stats: &SyncStats{Rounds: 1, Dispatched: 1, Applied: 1},
		Requests: []fakeremote.RequestLogEntry{
			{Method: "POST", Path: "/v1/order", IdempotencyKey: "op-1", Status: 201},
		},
	})
	return r
}

func TestAddEvent_AssignsSeq(t *testing.T) {
	r := staticResult()
	require.Len(t, r.Trace, 3)
	for i, ev := range r.Trace {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestMarshalTrace_Stable(t *testing.T) {
	a, err := MarshalTrace("static_trace", staticResult())
	require.NoError(t, err)
	b, err := MarshalTrace("static_trace", staticResult())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, byte('\n'), a[len(a)-1])
	assert.NotContains(t, string(a), `"requests": null`)
}

func TestAssertGolden_StaticTrace(t *testing.T) {
	require.NoError(t, AssertGolden(t, "static_trace", staticResult()))
}
