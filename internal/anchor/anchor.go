// Package anchor resolves symbolic insertion positions inside an ordered
// lane of item ids.
//
// Clients describe where an item goes relative to another item rather than
// by numeric index, so the intent survives concurrent edits that shift
// indices. When the anchor no longer exists the item lands at the end of
// the lane.
package anchor

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Kind names a placement variant.
type Kind string

const (
	KindAtEnd  Kind = "AtEnd"
	KindBefore Kind = "Before"
	KindAfter  Kind = "After"
)

// Place is a symbolic insertion position. The zero value is AtEnd.
type Place struct {
	Kind   Kind
	Anchor int64
}

// AtEnd places an item after every other item in the lane.
func AtEnd() Place { return Place{Kind: KindAtEnd} }

// Before places an item immediately before anchor.
func Before(anchor int64) Place { return Place{Kind: KindBefore, Anchor: anchor} }

// After places an item immediately after anchor.
func After(anchor int64) Place { return Place{Kind: KindAfter, Anchor: anchor} }

// IsAtEnd reports whether p resolves without an anchor.
func (p Place) IsAtEnd() bool {
	return p.Kind == "" || p.Kind == KindAtEnd
}

func (p Place) String() string {
	if p.IsAtEnd() {
		return string(KindAtEnd)
	}
	return fmt.Sprintf("%s(%d)", p.Kind, p.Anchor)
}

// Resolve returns the index at which to insert into lane.
// lane must not already contain the item being placed.
// The result is always within [0, len(lane)].
func Resolve(lane []int64, p Place) int {
	if p.IsAtEnd() {
		return len(lane)
	}
	i := slices.Index(lane, p.Anchor)
	if i < 0 {
		return len(lane)
	}
	if p.Kind == KindAfter {
		return i + 1
	}
	return i
}

// Insert returns a new lane with id inserted at the resolved position.
// The input lane is not modified.
func Insert(lane []int64, id int64, p Place) []int64 {
	return slices.Insert(slices.Clone(lane), Resolve(lane, p), id)
}

type placeJSON struct {
	Type   Kind   `json:"type"`
	Anchor *int64 `json:"anchor,omitempty"`
}

// MarshalJSON encodes a place as {"type":"Before","anchor":42}.
func (p Place) MarshalJSON() ([]byte, error) {
	if p.IsAtEnd() {
		return json.Marshal(placeJSON{Type: KindAtEnd})
	}
	a := p.Anchor
	return json.Marshal(placeJSON{Type: p.Kind, Anchor: &a})
}

// UnmarshalJSON decodes a place. null decodes as AtEnd; an unknown type or
// a relative place without an anchor is an error.
func (p *Place) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = AtEnd()
		return nil
	}
	var raw placeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode place: %w", err)
	}
	switch raw.Type {
	case KindAtEnd, "":
		*p = AtEnd()
	case KindBefore, KindAfter:
		if raw.Anchor == nil {
			return fmt.Errorf("place %s requires an anchor", raw.Type)
		}
		*p = Place{Kind: raw.Type, Anchor: *raw.Anchor}
	default:
		return fmt.Errorf("unknown place type %q", raw.Type)
	}
	return nil
}
