package kanban

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/lockstep/internal/anchor"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// Action is a board action. The set of implementations is closed.
type Action interface {
	Type() string
	action()
}

// NoOp changes nothing.
type NoOp struct{}

// AddColumn appends a column with a WIP limit.
type AddColumn struct {
	Col   string
	Limit int64
}

// SetWip changes a column's WIP limit.
type SetWip struct {
	Col   string
	Limit int64
}

// AddCard adds a new card to a column, at the end unless Place is set.
type AddCard struct {
	Col   string
	Title string
	Place *anchor.Place
}

// MoveCard moves a card to a column at a symbolic place.
type MoveCard struct {
	ID    int64
	ToCol string
	Place anchor.Place
}

// EditTitle renames a card.
type EditTitle struct {
	ID    int64
	Title string
}

// DeleteCard removes a card from the board.
type DeleteCard struct {
	ID int64
}

// InviteMember adds a member. Owner only.
type InviteMember struct {
	User string
}

// RemoveMember removes a member. The owner may remove anyone but
// themselves; a member may remove themselves.
type RemoveMember struct {
	User string
}

func (NoOp) Type() string         { return "NoOp" }
func (AddColumn) Type() string    { return "AddColumn" }
func (SetWip) Type() string       { return "SetWip" }
func (AddCard) Type() string      { return "AddCard" }
func (MoveCard) Type() string     { return "MoveCard" }
func (EditTitle) Type() string    { return "EditTitle" }
func (DeleteCard) Type() string   { return "DeleteCard" }
func (InviteMember) Type() string { return "InviteMember" }
func (RemoveMember) Type() string { return "RemoveMember" }

func (NoOp) action()         {}
func (AddColumn) action()    {}
func (SetWip) action()       {}
func (AddCard) action()      {}
func (MoveCard) action()     {}
func (EditTitle) action()    {}
func (DeleteCard) action()   {}
func (InviteMember) action() {}
func (RemoveMember) action() {}

// actionWire is the flat JSON shape shared by all board actions.
type actionWire struct {
	Type  string        `json:"type"`
	Col   *string       `json:"col,omitempty"`
	Limit *int64        `json:"limit,omitempty"`
	Title *string       `json:"title,omitempty"`
	ID    *int64        `json:"id,omitempty"`
	ToCol *string       `json:"toCol,omitempty"`
	Place *anchor.Place `json:"place,omitempty"`
	User  *string       `json:"user,omitempty"`
}

// EncodeAction returns the canonical JSON of a board action.
func EncodeAction(a Action) (protocol.Action, error) {
	w := actionWire{Type: a.Type()}
	switch act := a.(type) {
	case NoOp:
	case AddColumn:
		w.Col, w.Limit = &act.Col, &act.Limit
	case SetWip:
		w.Col, w.Limit = &act.Col, &act.Limit
	case AddCard:
		w.Col, w.Title, w.Place = &act.Col, &act.Title, act.Place
	case MoveCard:
		w.ID, w.ToCol, w.Place = &act.ID, &act.ToCol, &act.Place
	case EditTitle:
		w.ID, w.Title = &act.ID, &act.Title
	case DeleteCard:
		w.ID = &act.ID
	case InviteMember:
		w.User = &act.User
	case RemoveMember:
		w.User = &act.User
	default:
		return nil, fmt.Errorf("encode action: unsupported %T", a)
	}
	return ir.Marshal(w)
}

// MustEncodeAction is like EncodeAction but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEncodeAction(a Action) protocol.Action {
	out, err := EncodeAction(a)
	if err != nil {
		panic(err)
	}
	return out
}

// DecodeAction parses a board action. Unknown types, unknown fields and
// missing fields are DOMAIN_INVALID.
func DecodeAction(raw protocol.Action) (Action, error) {
	var w actionWire
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, invalid("malformed action: %v", err)
	}

	missing := func(field string) error {
		return invalid("%s requires %q", w.Type, field)
	}
	switch w.Type {
	case "NoOp":
		return NoOp{}, nil
	case "AddColumn", "SetWip":
		if w.Col == nil {
			return nil, missing("col")
		}
		if w.Limit == nil {
			return nil, missing("limit")
		}
		if w.Type == "AddColumn" {
			return AddColumn{Col: *w.Col, Limit: *w.Limit}, nil
		}
		return SetWip{Col: *w.Col, Limit: *w.Limit}, nil
	case "AddCard":
		if w.Col == nil {
			return nil, missing("col")
		}
		if w.Title == nil {
			return nil, missing("title")
		}
		return AddCard{Col: *w.Col, Title: *w.Title, Place: w.Place}, nil
	case "MoveCard":
		if w.ID == nil {
			return nil, missing("id")
		}
		if w.ToCol == nil {
			return nil, missing("toCol")
		}
		mv := MoveCard{ID: *w.ID, ToCol: *w.ToCol, Place: anchor.AtEnd()}
		if w.Place != nil {
			mv.Place = *w.Place
		}
		return mv, nil
	case "EditTitle":
		if w.ID == nil {
			return nil, missing("id")
		}
		if w.Title == nil {
			return nil, missing("title")
		}
		return EditTitle{ID: *w.ID, Title: *w.Title}, nil
	case "DeleteCard":
		if w.ID == nil {
			return nil, missing("id")
		}
		return DeleteCard{ID: *w.ID}, nil
	case "InviteMember", "RemoveMember":
		if w.User == nil {
			return nil, missing("user")
		}
		if w.Type == "InviteMember" {
			return InviteMember{User: *w.User}, nil
		}
		return RemoveMember{User: *w.User}, nil
	case "":
		return nil, invalid("action has no type")
	default:
		return nil, invalid("unknown action type %q", w.Type)
	}
}

func invalid(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeDomainInvalid, format, args...)
}

func unauthorized(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeUnauthorized, format, args...)
}
