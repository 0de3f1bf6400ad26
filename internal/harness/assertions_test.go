package harness

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/testutil"
)

func TestMatchSubset(t *testing.T) {
	raw := json.RawMessage(`{"id":"u1","name":"Ann","age":30,"tags":["a","b"],"meta":{"x":true}}`)

	tests := []struct {
		name     string
		expected map[string]any
		want     bool
	}{
		{"empty matches", nil, true},
		{"string", map[string]any{"name": "Ann"}, true},
		{"number", map[string]any{"age": 30}, true},
		{"array", map[string]any{"tags": []any{"a", "b"}}, true},
		{"object", map[string]any{"meta": map[string]any{"x": true}}, true},
		{"wrong value", map[string]any{"name": "Bea"}, false},
		{"missing key", map[string]any{"email": "a@b"}, false},
		{"type differs", map[string]any{"age": "30"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubset(raw, tt.expected))
		})
	}

	assert.False(t, matchSubset(json.RawMessage(`[1]`), map[string]any{"a": 1}))
	assert.False(t, matchSubset(nil, map[string]any{"a": 1}))
}

func TestMatchRequest(t *testing.T) {
	r := testutil.Request{
		Method:         "PATCH",
		Path:           "/users/u1",
		IdempotencyKey: "key-0001",
		Body:           json.RawMessage(`{"id":"u1","name":"Bea"}`),
	}

	assert.True(t, matchRequest(r, Assertion{Method: "patch"}))
	assert.True(t, matchRequest(r, Assertion{Path: "/users/u1", Body: map[string]any{"name": "Bea"}}))
	assert.True(t, matchRequest(r, Assertion{IdempotencyKey: "key-0001"}))
	assert.False(t, matchRequest(r, Assertion{Method: "POST"}))
	assert.False(t, matchRequest(r, Assertion{Path: "/users/u2"}))
	assert.False(t, matchRequest(r, Assertion{IdempotencyKey: "key-0002"}))
	assert.False(t, matchRequest(r, Assertion{Body: map[string]any{"name": "Ann"}}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Step: StepWrite},
		{Seq: 2, Step: StepConnectivity},
		{Seq: 3, Step: StepDrain},
		{Seq: 4, Step: StepRead},
		{Seq: 5, Step: StepDrain},
	}

	assert.NoError(t, assertTraceOrder(trace, Assertion{Steps: []string{StepWrite, StepDrain}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Steps: []string{StepDrain, StepDrain}}))

	err := assertTraceOrder(trace, Assertion{Type: AssertTraceOrder, Steps: []string{StepRead, StepWrite}})
	require.Error(t, err)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, AssertTraceOrder, ae.Type)
	assert.Contains(t, ae.Actual, "missing write after [read]")
	assert.Contains(t, err.Error(), "Full trace:")
	assert.Contains(t, err.Error(), "[1] write")

	assert.Error(t, assertTraceOrder(trace, Assertion{Steps: []string{StepDrain, StepDrain, StepDrain}}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Step: StepDrain},
		{Seq: 2, Step: StepSessionExpired},
		{Seq: 3, Step: StepDrain},
	}

	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepDrain, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: StepRead, Count: 0}))

	err := assertTraceCount(trace, Assertion{Step: StepSessionExpired, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences of session_expired")
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestEvaluateAssertions_ReportsEachFailure(t *testing.T) {
	scenario := mustParse(t, `
name: failing_assertions
description: assertions that do not hold are reported in order
remote:
  users:
    - { id: u1, name: Ann }
steps:
  - read: users
assertions:
  - type: outbox_count
    count: 1
  - type: cache_count
    collection: users
    count: 1
  - type: cached_item
    collection: users
    where: { id: u1 }
    expect: { name: Bea }
  - type: remote_request
    method: POST
    path: /users
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], "1 pending mutations")
	assert.Contains(t, result.Errors[1], "assertions[2]")
	assert.Contains(t, result.Errors[1], `"name":"Ann"`)
	assert.Contains(t, result.Errors[2], "assertions[3]")
	assert.Contains(t, result.Errors[2], "POST /users")
}

func TestDescribeSubset(t *testing.T) {
	assert.Equal(t, "{}", describeSubset(nil))
	assert.Equal(t, "{a=1 b=x}", describeSubset(map[string]any{"b": "x", "a": 1}))
}
