// Package client holds the optimistic client-side view of one entity.
//
// A client keeps the last authoritative snapshot it adopted, an optimistic
// present state, and the FIFO of actions it has applied locally but the
// server has not yet resolved. Every function is pure: it returns a new
// State and never mutates its argument.
package client

import (
	"slices"

	"github.com/roach88/lockstep/internal/protocol"
)

// Pending is an action applied locally and not yet resolved by the server.
// ID correlates retries of the same dispatch.
type Pending struct {
	ID     string          `json:"id"`
	Action protocol.Action `json:"action"`
}

// State is the client view of one entity.
//
// Invariant: Present equals the fold of Pending over Base, skipping
// actions that no longer apply.
type State struct {
	BaseVersion protocol.Version `json:"baseVersion"`
	Base        protocol.State   `json:"base"`
	Present     protocol.State   `json:"present"`
	Pending     []Pending        `json:"pending"`
}

// Init returns a client that has adopted snapshot (version, state) and has
// nothing pending.
func Init(version protocol.Version, state protocol.State) State {
	return State{BaseVersion: version, Base: state, Present: state, Pending: []Pending{}}
}

// Head returns the oldest pending action.
func (s State) Head() (Pending, bool) {
	if len(s.Pending) == 0 {
		return Pending{}, false
	}
	return s.Pending[0], true
}

// HasPending reports whether anything awaits the server.
func (s State) HasPending() bool {
	return len(s.Pending) > 0
}

// LocalDispatch applies action optimistically and queues it. If the
// domain refuses the action the client is returned unchanged along with
// a DOMAIN_INVALID error; nothing is queued.
func LocalDispatch(t protocol.Transition, s State, id string, action protocol.Action) (State, error) {
	next, err := t.Apply(s.Present, action)
	if err != nil {
		if protocol.CodeOf(err) == "" {
			err = protocol.Wrap(protocol.CodeDomainInvalid, err)
		}
		return s, err
	}
	return State{
		BaseVersion: s.BaseVersion,
		Base:        s.Base,
		Present:     next,
		Pending:     append(slices.Clone(s.Pending), Pending{ID: id, Action: action}),
	}, nil
}

// Reconcile folds a server reply into the client.
//   - Accepted: adopt the snapshot, drop the head, replay the rest.
//   - Conflict: adopt the snapshot and replay every pending action,
//     including the head, which stays queued for a retry.
//   - Rejected: drop the head for good, adopt the snapshot when the reply
//     carries one (otherwise keep Base), replay the rest.
func Reconcile(t protocol.Transition, s State, reply protocol.Reply) State {
	switch r := reply.(type) {
	case protocol.Accepted:
		return adopt(t, r.Version, r.State, dropHead(s.Pending))
	case protocol.Conflict:
		return adopt(t, r.Version, r.State, s.Pending)
	case protocol.Rejected:
		if len(r.State) == 0 {
			return adopt(t, s.BaseVersion, s.Base, dropHead(s.Pending))
		}
		return adopt(t, r.Version, r.State, dropHead(s.Pending))
	default:
		return s
	}
}

// Rebase adopts a newer authoritative snapshot, e.g. from a realtime push,
// and replays every pending action over it. Snapshots at or below
// BaseVersion are ignored.
func Rebase(t protocol.Transition, s State, version protocol.Version, state protocol.State) State {
	if version <= s.BaseVersion {
		return s
	}
	return adopt(t, version, state, s.Pending)
}

// Replay folds pending over base. An action that no longer applies is
// skipped for the present state but stays queued; the server decides its
// fate.
func Replay(t protocol.Transition, base protocol.State, pending []Pending) protocol.State {
	present := base
	for _, p := range pending {
		next, err := t.Apply(present, p.Action)
		if err != nil {
			continue
		}
		present = next
	}
	return present
}

func adopt(t protocol.Transition, version protocol.Version, state protocol.State, pending []Pending) State {
	pending = slices.Clone(pending)
	if pending == nil {
		pending = []Pending{}
	}
	return State{
		BaseVersion: version,
		Base:        state,
		Present:     Replay(t, state, pending),
		Pending:     pending,
	}
}

func dropHead(pending []Pending) []Pending {
	if len(pending) == 0 {
		return pending
	}
	return pending[1:]
}
