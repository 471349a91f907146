package kanban

import (
	"github.com/roach88/lockstep/internal/protocol"
)

// Domain adapts the board to protocol.Domain and protocol.MultiDomain.
type Domain struct{}

var (
	_ protocol.Domain      = Domain{}
	_ protocol.MultiDomain = Domain{}
)

// Init returns an empty board owned by owner.
func (Domain) Init(owner string) (protocol.State, error) {
	return Encode(NewModel(owner))
}

// Apply implements protocol.Transition.
func (Domain) Apply(state protocol.State, action protocol.Action) (protocol.State, error) {
	return Apply(state, action)
}

// Authorize requires membership for every action. Inviting and removing
// other members is reserved to the owner.
func (Domain) Authorize(state protocol.State, actor string, action protocol.Action) error {
	m, err := Decode(state)
	if err != nil {
		return err
	}
	if !m.IsMember(actor) {
		return unauthorized("%q is not a member of the board", actor)
	}
	a, err := DecodeAction(action)
	if err != nil {
		// Malformed actions are left for Apply to reject as invalid.
		return nil
	}
	switch act := a.(type) {
	case InviteMember:
		if actor != m.Owner {
			return unauthorized("only the owner can invite members")
		}
	case RemoveMember:
		if actor != m.Owner && actor != act.User {
			return unauthorized("only the owner can remove other members")
		}
	}
	return nil
}

// CanObserve reports whether actor may read or subscribe to the board.
func (Domain) CanObserve(state protocol.State, actor string) bool {
	m, err := Decode(state)
	if err != nil {
		return false
	}
	return m.IsMember(actor)
}

// CanDelete reports whether actor may delete the board.
func (Domain) CanDelete(state protocol.State, actor string) bool {
	m, err := Decode(state)
	if err != nil {
		return false
	}
	return m.Owner == actor
}
