package kanban

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/lockstep/internal/protocol"
)

func TestAuthorize(t *testing.T) {
	state := board(t, InviteMember{User: "bob"})
	d := Domain{}

	tests := []struct {
		name    string
		actor   string
		action  Action
		allowed bool
	}{
		{"member edits", "bob", AddColumn{Col: "x", Limit: 1}, true},
		{"stranger edits", "mallory", AddColumn{Col: "x", Limit: 1}, false},
		{"owner invites", "alice", InviteMember{User: "carol"}, true},
		{"member invites", "bob", InviteMember{User: "carol"}, false},
		{"member leaves", "bob", RemoveMember{User: "bob"}, true},
		{"member removes owner", "bob", RemoveMember{User: "alice"}, false},
		{"owner removes member", "alice", RemoveMember{User: "bob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Authorize(state, tt.actor, MustEncodeAction(tt.action))
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, protocol.IsUnauthorized(err), "got %v", err)
			}
		})
	}
}

func TestAuthorize_MalformedActionLeftToApply(t *testing.T) {
	state := board(t)
	assert.NoError(t, Domain{}.Authorize(state, "alice", protocol.Action(`{"type":"Explode"}`)))
}

func TestCanObserveAndDelete(t *testing.T) {
	state := board(t, InviteMember{User: "bob"})
	d := Domain{}

	assert.True(t, d.CanObserve(state, "alice"))
	assert.True(t, d.CanObserve(state, "bob"))
	assert.False(t, d.CanObserve(state, "mallory"))

	assert.True(t, d.CanDelete(state, "alice"))
	assert.False(t, d.CanDelete(state, "bob"))
	assert.False(t, d.CanObserve(protocol.State(`not json`), "alice"))
}
