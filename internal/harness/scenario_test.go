package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Valid(t *testing.T) {
	s := mustParse(t, `
name: full
description: every step kind
initial: offline
remote:
  users:
    - { id: u1, name: Ann }
watch: [users, settings]
steps:
  - read: users
  - write: UPDATE_USER
    payload: { id: u1 }
    optimistic: { id: u1 }
  - connectivity: online
    expect: { delivered: 1 }
  - network: down
  - server_status: 500
  - server_status: 0
  - drain: true
assertions:
  - type: outbox_count
    count: 0
`)

	assert.Equal(t, "offline", s.Initial)
	assert.Equal(t, []string{"users", "settings"}, s.Watch)
	require.Len(t, s.Remote["users"], 1)
	assert.Equal(t, "Ann", s.Remote["users"][0]["name"])

	kinds := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		kinds[i] = step.Kind()
	}
	assert.Equal(t, []string{
		StepRead, StepWrite, StepConnectivity, StepNetwork,
		StepServerStatus, StepServerStatus, StepDrain,
	}, kinds)
	require.NotNil(t, s.Steps[2].Expect)
	assert.True(t, s.Steps[2].Expect.wantsDrain())
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown field",
			src: `name: x
description: d
steps: [{read: users}]
assertion: []`,
			want: "field assertion not found",
		},
		{
			name: "missing name",
			src: `description: d
steps: [{read: users}]
assertions: [{type: outbox_count}]`,
			want: "name is required",
		},
		{
			name: "bad initial",
			src: `name: x
description: d
initial: flaky
steps: [{read: users}]
assertions: [{type: outbox_count}]`,
			want: "initial",
		},
		{
			name: "no steps",
			src: `name: x
description: d
steps: []
assertions: [{type: outbox_count}]`,
			want: "steps list is required",
		},
		{
			name: "two actions",
			src: `name: x
description: d
steps: [{read: users, drain: true}]
assertions: [{type: outbox_count}]`,
			want: "exactly one action is required, found 2",
		},
		{
			name: "write without payload",
			src: `name: x
description: d
steps: [{write: UPDATE_USER}]
assertions: [{type: outbox_count}]`,
			want: "payload is required",
		},
		{
			name: "exclusive optimistic",
			src: `name: x
description: d
steps: [{write: UPDATE_USER, payload: {}, optimistic: {}, optimistic_error: boom}]
assertions: [{type: outbox_count}]`,
			want: "exclusive",
		},
		{
			name: "bad network",
			src: `name: x
description: d
steps: [{network: sideways}]
assertions: [{type: outbox_count}]`,
			want: "network must be up or down",
		},
		{
			name: "bad status",
			src: `name: x
description: d
steps: [{server_status: 42}]
assertions: [{type: outbox_count}]`,
			want: "not an HTTP status",
		},
		{
			name: "outcome on read",
			src: `name: x
description: d
steps: [{read: users, expect: {outcome: queued}}]
assertions: [{type: outbox_count}]`,
			want: "outcome applies to write only",
		},
		{
			name: "drain expectation on write",
			src: `name: x
description: d
steps: [{write: UPDATE_USER, payload: {}, expect: {delivered: 1}}]
assertions: [{type: outbox_count}]`,
			want: "drain results apply",
		},
		{
			name: "unknown assertion",
			src: `name: x
description: d
steps: [{read: users}]
assertions: [{type: final_state}]`,
			want: `unknown assertion type "final_state"`,
		},
		{
			name: "cached_item without where",
			src: `name: x
description: d
steps: [{read: users}]
assertions: [{type: cached_item, collection: users}]`,
			want: "where is required",
		},
		{
			name: "trace_order without steps",
			src: `name: x
description: d
steps: [{read: users}]
assertions: [{type: trace_order}]`,
			want: "steps list is required for trace_order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_FileErrors(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o644))
	_, err = LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}
