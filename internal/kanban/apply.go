package kanban

import (
	"slices"
	"strings"

	"github.com/roach88/lockstep/internal/anchor"
	"github.com/roach88/lockstep/internal/protocol"
)

// Step applies one action to a decoded board and returns the next board.
// m is never modified.
func Step(m Model, a Action) (Model, error) {
	switch act := a.(type) {
	case NoOp:
		return m, nil

	case AddColumn:
		if strings.TrimSpace(act.Col) == "" {
			return m, invalid("column name is empty")
		}
		if m.HasColumn(act.Col) {
			return m, invalid("column %q already exists", act.Col)
		}
		if act.Limit < 0 {
			return m, invalid("WIP limit %d is negative", act.Limit)
		}
		next := m.clone()
		next.Cols = append(next.Cols, act.Col)
		next.Lanes[act.Col] = []int64{}
		next.WIP[act.Col] = act.Limit
		return next, nil

	case SetWip:
		if !m.HasColumn(act.Col) {
			return m, invalid("column %q does not exist", act.Col)
		}
		if act.Limit < int64(len(m.Lanes[act.Col])) {
			return m, invalid("WIP limit %d is below the %d cards in %q", act.Limit, len(m.Lanes[act.Col]), act.Col)
		}
		next := m.clone()
		next.WIP[act.Col] = act.Limit
		return next, nil

	case AddCard:
		if !m.HasColumn(act.Col) {
			return m, invalid("column %q does not exist", act.Col)
		}
		if !m.hasRoom(act.Col) {
			return m, invalid("WIP limit reached in %q", act.Col)
		}
		next := m.clone()
		id := next.NextID
		place := anchor.AtEnd()
		if act.Place != nil {
			place = *act.Place
		}
		next.Lanes[act.Col] = anchor.Insert(next.Lanes[act.Col], id, place)
		next.Cards[id] = Card{Title: act.Title}
		next.NextID++
		return next, nil

	case MoveCard:
		if !m.HasColumn(act.ToCol) {
			return m, invalid("column %q does not exist", act.ToCol)
		}
		src := m.ColumnOf(act.ID)
		if src == "" {
			return m, invalid("card %d does not exist", act.ID)
		}
		if src != act.ToCol && !m.hasRoom(act.ToCol) {
			return m, invalid("WIP limit reached in %q", act.ToCol)
		}
		next := m.clone()
		next.Lanes[src] = removeID(next.Lanes[src], act.ID)
		// Anchoring on the moved card itself resolves as a missing anchor.
		next.Lanes[act.ToCol] = anchor.Insert(next.Lanes[act.ToCol], act.ID, act.Place)
		return next, nil

	case EditTitle:
		if _, ok := m.Cards[act.ID]; !ok {
			return m, invalid("card %d does not exist", act.ID)
		}
		next := m.clone()
		next.Cards[act.ID] = Card{Title: act.Title}
		return next, nil

	case DeleteCard:
		col := m.ColumnOf(act.ID)
		if col == "" {
			return m, invalid("card %d does not exist", act.ID)
		}
		next := m.clone()
		next.Lanes[col] = removeID(next.Lanes[col], act.ID)
		delete(next.Cards, act.ID)
		return next, nil

	case InviteMember:
		if strings.TrimSpace(act.User) == "" {
			return m, invalid("user is empty")
		}
		if m.IsMember(act.User) {
			return m, invalid("%q is already a member", act.User)
		}
		next := m.clone()
		next.Members = append(next.Members, act.User)
		slices.Sort(next.Members)
		return next, nil

	case RemoveMember:
		if act.User == m.Owner {
			return m, invalid("the owner cannot be removed")
		}
		if !m.IsMember(act.User) {
			return m, invalid("%q is not a member", act.User)
		}
		next := m.clone()
		next.Members = slices.DeleteFunc(next.Members, func(u string) bool { return u == act.User })
		return next, nil

	default:
		return m, invalid("unsupported action %T", a)
	}
}

// Apply decodes state and action, steps, and re-encodes the result.
func Apply(state protocol.State, action protocol.Action) (protocol.State, error) {
	m, err := Decode(state)
	if err != nil {
		return nil, invalid("%v", err)
	}
	a, err := DecodeAction(action)
	if err != nil {
		return nil, err
	}
	next, err := Step(m, a)
	if err != nil {
		return nil, err
	}
	return Encode(next)
}

func removeID(lane []int64, id int64) []int64 {
	return slices.DeleteFunc(lane, func(x int64) bool { return x == id })
}
