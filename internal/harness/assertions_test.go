package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"lanes": map[string]any{"Todo": []any{float64(1), float64(2)}, "Done": []any{}},
		"owner": "alice",
	}

	tests := []struct {
		name     string
		want     any
		ok       bool
		wantPath string
	}{
		{"empty object", map[string]any{}, true, ""},
		{"nested subset", map[string]any{"lanes": map[string]any{"Todo": []any{float64(1), float64(2)}}}, true, ""},
		{"scalar", map[string]any{"owner": "alice"}, true, ""},
		{"wrong scalar", map[string]any{"owner": "bob"}, false, "owner"},
		{"array order matters", map[string]any{"lanes": map[string]any{"Todo": []any{float64(2), float64(1)}}}, false, "lanes.Todo"},
		{"missing key", map[string]any{"wip": map[string]any{"Todo": float64(1)}}, false, "wip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := matchSubset(actual, tt.want, "")
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				assert.Equal(t, tt.wantPath, path)
			}
		})
	}
}

func TestMatchState_ReportsPath(t *testing.T) {
	err := matchState(AssertEntity, "b", []byte(`{"lanes":{"Todo":[1]}}`), map[string]any{
		"lanes": map[string]any{"Todo": []any{1, 2}},
	})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertEntity, ae.Type)
	assert.Contains(t, ae.Expected, "lanes.Todo")
	assert.Equal(t, "[1]", ae.Actual)
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		{Kind: KindDispatch, Status: "accepted"},
		{Kind: KindClientDispatch, Status: "conflict"},
		{Kind: KindClientDispatch, Status: "accepted"},
		{Kind: "local"},
	}

	require.NoError(t, assertTraceCount(trace, Assertion{Status: "accepted", Count: 2}))
	require.NoError(t, assertTraceCount(trace, Assertion{Kind: KindClientDispatch, Count: 2}))
	require.NoError(t, assertTraceCount(trace, Assertion{Kind: KindClientDispatch, Status: "accepted", Count: 1}))
	assert.Error(t, assertTraceCount(trace, Assertion{Status: "rejected", Count: 1}))
}

func TestRun_FailedAssertionsAreCollected(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: every assertion is wrong
entities:
  - id: b
    owner: alice
clients:
  - {name: app, actor: alice, entity: b}
steps:
  - dispatch: {actor: alice, entity: b, action: {type: AddColumn, col: Todo, limit: 1}}
assertions:
  - {type: entity, entity: b, version: 7}
  - {type: client, client: app, version: 1}
  - {type: trace_count, status: accepted, count: 3}
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 3)
}
