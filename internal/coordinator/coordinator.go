// Package coordinator applies actions that span several entities.
//
// A multi-action is authorized against every entity it touches before any
// of them changes, applied to all of them as one step, and committed in a
// single transaction. Either every changed entity advances by one version
// or none does.
package coordinator

import (
	"maps"
	"slices"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// TouchedEntities returns the entities a multi-action reads or writes,
// sorted and without duplicates.
func TouchedEntities(d protocol.MultiDomain, action protocol.Action) ([]string, error) {
	ids, err := d.Touched(action)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, protocol.Errorf(protocol.CodeDomainInvalid, "multi-action touches no entity")
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// CheckAuthorization requires actor to be allowed on every touched entity.
// The first refusal is returned as an UNAUTHORIZED error naming the entity.
func CheckAuthorization(d protocol.MultiDomain, states map[string]protocol.State, actor string, action protocol.Action) error {
	for _, id := range ir.SortedKeys(states) {
		if err := d.AuthorizeEntity(states[id], id, actor, action); err != nil {
			if protocol.CodeOf(err) == "" {
				return protocol.Wrap(protocol.CodeUnauthorized, err).ForEntity(id)
			}
			return err
		}
	}
	return nil
}

// TryMultiStep applies the action to every touched state at once.
// On success the result holds a state for every input entity; entities the
// domain left out are carried over unchanged. Inputs are never mutated.
func TryMultiStep(d protocol.MultiDomain, states map[string]protocol.State, action protocol.Action) (map[string]protocol.State, error) {
	next, err := d.TryMultiStep(maps.Clone(states), action)
	if err != nil {
		if protocol.CodeOf(err) == "" {
			return nil, protocol.Wrap(protocol.CodeDomainInvalid, err)
		}
		return nil, err
	}

	out := maps.Clone(states)
	for id, s := range next {
		if _, ok := states[id]; !ok {
			return nil, protocol.Errorf(protocol.CodeDomainInvalid, "multi-step produced untouched entity %q", id)
		}
		out[id] = s
	}
	return out, nil
}

// ChangedEntities returns, in ascending order, the ids whose canonical
// state differs between old and next.
func ChangedEntities(old, next map[string]protocol.State) []string {
	var changed []string
	for _, id := range ir.SortedKeys(next) {
		prev, ok := old[id]
		if !ok || !ir.Equal(prev, next[id]) {
			changed = append(changed, id)
		}
	}
	return changed
}
