package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, yaml string) *Result {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	return result
}

func TestRun_ExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/update_before_create_confirmed.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := MarshalTrace(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_BindsAliases(t *testing.T) {
	result := run(t, `
name: aliases
description: d
remote:
  seed:
    - entity: category
      as: tools
      data: { name: Tools }
steps:
  - write: { entity: product, data: { name: Hammer, category_id: $tools }, as: hammer }
assertions:
  - type: record
    entity: product
    id: $hammer
    sync_state: pending_local_change
    payload: { category_id: $tools }
`)
	require.True(t, result.Pass, result.Errors)
	assert.Equal(t, "1", result.Aliases["tools"])
	assert.Equal(t, "tmp_171-1", result.Aliases["hammer"])
}

func TestRun_OnlineWriteAndRead(t *testing.T) {
	result := run(t, `
name: online
description: d
online: true
steps:
  - write: { entity: sales_rep, data: { name: Sam, region: north }, as: sam }
    expect: success
  - read: { entity: sales_rep, id: $sam }
    expect: success
  - connectivity: offline
  - read: { entity: sales_rep, id: $sam }
    expect: success
  - read: { entity: sales_rep, id: "404" }
    expect: error
    expect_code: NETWORK_UNAVAILABLE
assertions:
  - type: record
    entity: sales_rep
    id: $sam
    sync_state: synced
    payload: { id: "1", region: north }
  - type: request_order
    requests: [POST /v1/sales_rep, GET /v1/sales_rep/1]
`)
	require.True(t, result.Pass, result.Errors)
	require.Len(t, result.Trace, 5)

	write := result.Trace[0]
	assert.Equal(t, "sales_rep/1", write.Entity)
	require.Len(t, write.Requests, 1)
	assert.Equal(t, "direct-1", write.Requests[0].IdempotencyKey)

	assert.Equal(t, "cache+remote", result.Trace[1].Kind)
	assert.Equal(t, "cache", result.Trace[3].Kind)
	assert.Empty(t, result.Trace[3].Requests, "offline reads never reach the remote")
}

func TestRun_ValidationFailureIsNotQueued(t *testing.T) {
	result := run(t, `
name: invalid
description: d
steps:
  - write: { entity: customer, data: { email: jane@example.com } }
    expect: error
    expect_code: APPLICATION_REJECTED
assertions:
  - type: queue_depth
    count: 0
`)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_RetryPermanent(t *testing.T) {
	result := run(t, `
name: retry
description: d
remote:
  unique: [customer.email]
  seed:
    - entity: customer
      data: { name: Jane, email: jane@example.com }
steps:
  - write: { entity: customer, data: { name: Other, email: jane@example.com }, as: other }
  - connectivity: online
  - sync: true
    expect_stats: { rounds: 1, dispatched: 1, permanent: 1 }
  - retry: 1
assertions:
  - type: permanent_count
    count: 0
  - type: queue_depth
    count: 1
  - type: record
    entity: customer
    id: $other
    sync_state: pending_local_change
`)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	result := run(t, `
name: failing
description: d
steps:
  - write: { entity: customer, data: { name: Jane } }
    expect: success
  - sync: true
    expect_stats: { rounds: 1 }
  - discard: 99
assertions:
  - type: queue_depth
    count: 0
  - type: remote_count
    entity: customer
    count: 1
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "returned queued_offline")
	assert.Contains(t, result.Errors[1], "sync stats")
	assert.Contains(t, result.Errors[2], "discard op 99")
	assert.Contains(t, result.Errors[3], "1: op 1 create customer/tmp_171-1 (pending)")
	assert.Contains(t, result.Errors[4], "remote_count")
}

func TestRun_SyncWhileOfflineIsInterrupted(t *testing.T) {
	result := run(t, `
name: offline_sync
description: d
steps:
  - write: { entity: category, data: { name: Tools } }
  - sync: true
assertions:
  - type: queue_depth
    count: 1
`)
	require.True(t, result.Pass, result.Errors)
	assert.Equal(t, "interrupted", result.Trace[1].Outcome)
	assert.Empty(t, result.Trace[1].Requests)
}
