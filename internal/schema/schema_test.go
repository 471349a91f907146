package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/protocol"
)

func TestValidateAction_Accepts(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	valid := []string{
		`{"type":"NoOp"}`,
		`{"type":"AddColumn","col":"todo","limit":3}`,
		`{"type":"AddCard","col":"todo","title":""}`,
		`{"type":"MoveCard","id":1,"toCol":"done"}`,
		`{"type":"MoveCard","id":1,"toCol":"done","place":{"type":"Before","anchor":2}}`,
		`{"type":"RemoveMember","user":"bob"}`,
	}
	for _, raw := range valid {
		assert.NoError(t, v.ValidateAction(protocol.Action(raw)), raw)
	}
}

func TestValidateAction_Rejects(t *testing.T) {
	v := MustNew()

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"Explode"}`},
		{"missing field", `{"type":"AddCard","col":"todo"}`},
		{"extra field", `{"type":"NoOp","x":1}`},
		{"negative limit", `{"type":"AddColumn","col":"todo","limit":-1}`},
		{"float id", `{"type":"DeleteCard","id":1.5}`},
		{"place without anchor", `{"type":"MoveCard","id":1,"toCol":"a","place":{"type":"After"}}`},
		{"empty column", `{"type":"AddColumn","col":"","limit":1}`},
		{"not json", `{"type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAction(protocol.Action(tt.raw))
			require.Error(t, err)
			assert.True(t, protocol.IsDomainInvalid(err), "got %v", err)
		})
	}
}

func TestValidateMultiAction(t *testing.T) {
	v := MustNew()

	assert.NoError(t, v.ValidateMultiAction(protocol.Action(
		`{"type":"Single","entity":"b1","action":{"type":"NoOp"}}`)))
	assert.NoError(t, v.ValidateMultiAction(protocol.Action(
		`{"type":"MoveCardTo","src":"b1","dst":"b2","card":1,"toCol":"todo"}`)))

	assert.Error(t, v.ValidateMultiAction(protocol.Action(
		`{"type":"Single","entity":"b1","action":{"type":"Nope"}}`)))
	assert.Error(t, v.ValidateMultiAction(protocol.Action(`{"type":"NoOp"}`)))
}

func TestValidate_UnknownDefinition(t *testing.T) {
	v := MustNew()
	assert.Error(t, v.Validate("#Missing", []byte(`{}`)))
}
