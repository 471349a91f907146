package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Valid(t *testing.T) {
	s := loadTestScenario(t, "deleted_anchor")

	assert.Equal(t, "deleted_anchor", s.Name)
	require.Len(t, s.Entities, 1)
	assert.Len(t, s.Entities[0].Setup, 5)
	require.Len(t, s.Steps, 4)
	require.NotNil(t, s.Steps[1].Client)
	assert.Equal(t, "local", s.Steps[1].Client.kind())
	require.NotNil(t, s.Steps[2].Dispatch)
	assert.Nil(t, s.Steps[2].Dispatch.Base)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
description: misspelled assertions
entities: [{id: b, owner: alice}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}}}]
assertion: []
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no name",
			yaml: `description: d
entities: [{id: b, owner: alice}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}}}]`,
			want: "name is required",
		},
		{
			name: "no steps",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]`,
			want: "steps list is required",
		},
		{
			name: "unknown entity",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]
steps: [{dispatch: {actor: alice, entity: c, action: {type: NoOp}}}]`,
			want: `unknown entity "c"`,
		},
		{
			name: "two kinds in one step",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]
clients: [{name: app, actor: alice, entity: b}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}}, client: {name: app, tick: true}}]`,
			want: "exactly one of dispatch, multi or client",
		},
		{
			name: "client step without event",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]
clients: [{name: app, actor: alice, entity: b}]
steps: [{client: {name: app}}]`,
			want: "exactly one of do, offline",
		},
		{
			name: "bad expect",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}, expect: ok}}]`,
			want: `invalid expect "ok"`,
		},
		{
			name: "unknown assertion",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}}}]
assertions: [{type: final_state}]`,
			want: `unknown assertion type "final_state"`,
		},
		{
			name: "duplicate entity",
			yaml: `name: n
description: d
entities: [{id: b, owner: alice}, {id: b, owner: bob}]
steps: [{dispatch: {actor: alice, entity: b, action: {type: NoOp}}}]`,
			want: `duplicate id "b"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAction_EncodeIsCanonical(t *testing.T) {
	a := Action{"type": "MoveCard", "toCol": "Done", "id": 1, "place": map[string]any{"type": "Before", "anchor": 2}}
	raw, err := a.Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"place":{"anchor":2,"type":"Before"},"toCol":"Done","type":"MoveCard"}`, string(raw))
}
