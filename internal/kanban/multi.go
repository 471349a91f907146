package kanban

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/anchor"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// MultiAction is an action spanning one or more boards.
type MultiAction interface {
	Type() string
	multiAction()
}

// Single runs one board action against one board.
type Single struct {
	Entity string
	Action protocol.Action
}

// MoveCardTo moves a card from board Src to column ToCol of board Dst.
// The card gets a fresh id on the destination board.
type MoveCardTo struct {
	Src   string
	Dst   string
	Card  int64
	ToCol string
	Place anchor.Place
}

// CopyCardTo is MoveCardTo without removing the original.
type CopyCardTo struct {
	Src   string
	Dst   string
	Card  int64
	ToCol string
	Place anchor.Place
}

func (Single) Type() string     { return "Single" }
func (MoveCardTo) Type() string { return "MoveCardTo" }
func (CopyCardTo) Type() string { return "CopyCardTo" }

func (Single) multiAction()     {}
func (MoveCardTo) multiAction() {}
func (CopyCardTo) multiAction() {}

type multiWire struct {
	Type   string          `json:"type"`
	Entity *string         `json:"entity,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
	Src    *string         `json:"src,omitempty"`
	Dst    *string         `json:"dst,omitempty"`
	Card   *int64          `json:"card,omitempty"`
	ToCol  *string         `json:"toCol,omitempty"`
	Place  *anchor.Place   `json:"place,omitempty"`
}

// EncodeMultiAction returns the canonical JSON of a multi-action.
func EncodeMultiAction(a MultiAction) (protocol.Action, error) {
	w := multiWire{Type: a.Type()}
	switch act := a.(type) {
	case Single:
		w.Entity, w.Action = &act.Entity, json.RawMessage(act.Action)
	case MoveCardTo:
		w.Src, w.Dst, w.Card, w.ToCol, w.Place = &act.Src, &act.Dst, &act.Card, &act.ToCol, &act.Place
	case CopyCardTo:
		w.Src, w.Dst, w.Card, w.ToCol, w.Place = &act.Src, &act.Dst, &act.Card, &act.ToCol, &act.Place
	default:
		return nil, invalid("unsupported multi-action %T", a)
	}
	return ir.Marshal(w)
}

// MustEncodeMultiAction is like EncodeMultiAction but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEncodeMultiAction(a MultiAction) protocol.Action {
	out, err := EncodeMultiAction(a)
	if err != nil {
		panic(err)
	}
	return out
}

// DecodeMultiAction parses a multi-action.
func DecodeMultiAction(raw protocol.Action) (MultiAction, error) {
	var w multiWire
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, invalid("malformed multi-action: %v", err)
	}
	missing := func(field string) error {
		return invalid("%s requires %q", w.Type, field)
	}

	switch w.Type {
	case "Single":
		if w.Entity == nil || *w.Entity == "" {
			return nil, missing("entity")
		}
		if len(w.Action) == 0 {
			return nil, missing("action")
		}
		inner, err := ir.Canonicalize(w.Action)
		if err != nil {
			return nil, invalid("%v", err)
		}
		return Single{Entity: *w.Entity, Action: inner}, nil
	case "MoveCardTo", "CopyCardTo":
		switch {
		case w.Src == nil || *w.Src == "":
			return nil, missing("src")
		case w.Dst == nil || *w.Dst == "":
			return nil, missing("dst")
		case w.Card == nil:
			return nil, missing("card")
		case w.ToCol == nil:
			return nil, missing("toCol")
		}
		place := anchor.AtEnd()
		if w.Place != nil {
			place = *w.Place
		}
		if *w.Src == *w.Dst {
			return nil, invalid("%s needs two different boards; use MoveCard within a board", w.Type)
		}
		if w.Type == "MoveCardTo" {
			return MoveCardTo{Src: *w.Src, Dst: *w.Dst, Card: *w.Card, ToCol: *w.ToCol, Place: place}, nil
		}
		return CopyCardTo{Src: *w.Src, Dst: *w.Dst, Card: *w.Card, ToCol: *w.ToCol, Place: place}, nil
	case "":
		return nil, invalid("multi-action has no type")
	default:
		return nil, invalid("unknown multi-action type %q", w.Type)
	}
}

// Touched returns the boards a multi-action reads or writes.
func (Domain) Touched(action protocol.Action) ([]string, error) {
	a, err := DecodeMultiAction(action)
	if err != nil {
		return nil, err
	}
	switch act := a.(type) {
	case Single:
		return []string{act.Entity}, nil
	case MoveCardTo:
		return []string{act.Src, act.Dst}, nil
	case CopyCardTo:
		return []string{act.Src, act.Dst}, nil
	default:
		return nil, invalid("unsupported multi-action %T", a)
	}
}

// AuthorizeEntity requires membership of every touched board. A Single
// action also goes through the single-board rules.
func (d Domain) AuthorizeEntity(state protocol.State, entityID, actor string, action protocol.Action) error {
	a, err := DecodeMultiAction(action)
	if err != nil {
		return err
	}
	if single, ok := a.(Single); ok {
		if err := d.Authorize(state, actor, single.Action); err != nil {
			return fmt.Errorf("board %q: %w", entityID, err)
		}
		return nil
	}
	if !d.CanObserve(state, actor) {
		return unauthorized("%q is not a member of board %q", actor, entityID)
	}
	return nil
}

// TryMultiStep applies a multi-action to every touched board at once.
// On error no board changes.
func (Domain) TryMultiStep(states map[string]protocol.State, action protocol.Action) (map[string]protocol.State, error) {
	a, err := DecodeMultiAction(action)
	if err != nil {
		return nil, err
	}

	switch act := a.(type) {
	case Single:
		state, ok := states[act.Entity]
		if !ok {
			return nil, invalid("board %q not loaded", act.Entity)
		}
		next, err := Apply(state, act.Action)
		if err != nil {
			return nil, err
		}
		return map[string]protocol.State{act.Entity: next}, nil

	case MoveCardTo:
		return transferCard(states, act.Src, act.Dst, act.Card, act.ToCol, act.Place, true)

	case CopyCardTo:
		return transferCard(states, act.Src, act.Dst, act.Card, act.ToCol, act.Place, false)

	default:
		return nil, invalid("unsupported multi-action %T", a)
	}
}

// EntityAction returns the board action that has the effect of a
// multi-action on one board. A transfer is a placed AddCard on the
// destination and a DeleteCard on the source of a move.
func (Domain) EntityAction(states map[string]protocol.State, entityID string, action protocol.Action) (protocol.Action, error) {
	a, err := DecodeMultiAction(action)
	if err != nil {
		return nil, err
	}

	var src, dst string
	var card int64
	var toCol string
	var place anchor.Place
	move := false
	switch act := a.(type) {
	case Single:
		if act.Entity != entityID {
			return nil, invalid("board %q is not touched by this action", entityID)
		}
		return act.Action, nil
	case MoveCardTo:
		src, dst, card, toCol, place, move = act.Src, act.Dst, act.Card, act.ToCol, act.Place, true
	case CopyCardTo:
		src, dst, card, toCol, place = act.Src, act.Dst, act.Card, act.ToCol, act.Place
	default:
		return nil, invalid("unsupported multi-action %T", a)
	}

	switch entityID {
	case dst:
		m, err := Decode(states[src])
		if err != nil {
			return nil, invalid("%v", err)
		}
		c, ok := m.Cards[card]
		if !ok {
			return nil, invalid("card %d does not exist on board %q", card, src)
		}
		return EncodeAction(AddCard{Col: toCol, Title: c.Title, Place: &place})
	case src:
		if !move {
			return EncodeAction(NoOp{})
		}
		return EncodeAction(DeleteCard{ID: card})
	default:
		return nil, invalid("board %q is not touched by this action", entityID)
	}
}

func transferCard(states map[string]protocol.State, srcID, dstID string, card int64, toCol string, place anchor.Place, removeSource bool) (map[string]protocol.State, error) {
	srcState, ok := states[srcID]
	if !ok {
		return nil, invalid("board %q not loaded", srcID)
	}
	dstState, ok := states[dstID]
	if !ok {
		return nil, invalid("board %q not loaded", dstID)
	}
	src, err := Decode(srcState)
	if err != nil {
		return nil, invalid("%v", err)
	}
	dst, err := Decode(dstState)
	if err != nil {
		return nil, invalid("%v", err)
	}

	c, ok := src.Cards[card]
	if !ok {
		return nil, invalid("card %d does not exist on board %q", card, srcID)
	}
	if !dst.HasColumn(toCol) {
		return nil, invalid("column %q does not exist on board %q", toCol, dstID)
	}
	if !dst.hasRoom(toCol) {
		return nil, invalid("WIP limit reached in %q on board %q", toCol, dstID)
	}

	nextDst := dst.clone()
	id := nextDst.NextID
	nextDst.Lanes[toCol] = anchor.Insert(nextDst.Lanes[toCol], id, place)
	nextDst.Cards[id] = c
	nextDst.NextID++

	nextSrc := src
	if removeSource {
		if nextSrc, err = Step(src, DeleteCard{ID: card}); err != nil {
			return nil, err
		}
	}

	srcOut, err := Encode(nextSrc)
	if err != nil {
		return nil, err
	}
	dstOut, err := Encode(nextDst)
	if err != nil {
		return nil, err
	}
	return map[string]protocol.State{srcID: srcOut, dstID: dstOut}, nil
}
