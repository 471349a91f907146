package kanban

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// Card is a single card on a board.
type Card struct {
	Title string `json:"title"`
}

// Model is a decoded board.
type Model struct {
	Cols    []string           `json:"cols"`
	Lanes   map[string][]int64 `json:"lanes"`
	WIP     map[string]int64   `json:"wip"`
	Cards   map[int64]Card     `json:"cards"`
	NextID  int64              `json:"nextId"`
	Owner   string             `json:"owner"`
	Members []string           `json:"members"`
}

// NewModel returns an empty board owned by owner.
func NewModel(owner string) Model {
	return Model{
		Cols:    []string{},
		Lanes:   map[string][]int64{},
		WIP:     map[string]int64{},
		Cards:   map[int64]Card{},
		NextID:  1,
		Owner:   owner,
		Members: []string{owner},
	}
}

// Decode parses a board from its canonical JSON.
func Decode(state protocol.State) (Model, error) {
	var m Model
	if err := json.Unmarshal(state, &m); err != nil {
		return Model{}, fmt.Errorf("decode board: %w", err)
	}
	m.normalize()
	return m, nil
}

// Encode returns the canonical JSON of m.
func Encode(m Model) (protocol.State, error) {
	m.normalize()
	out, err := ir.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode board: %w", err)
	}
	return out, nil
}

// MustEncode is like Encode but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEncode(m Model) protocol.State {
	out, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return out
}

// normalize replaces nil collections with empty ones so that the
// canonical form never contains null, and keeps members sorted.
func (m *Model) normalize() {
	if m.Cols == nil {
		m.Cols = []string{}
	}
	if m.Lanes == nil {
		m.Lanes = map[string][]int64{}
	}
	for _, c := range m.Cols {
		if m.Lanes[c] == nil {
			m.Lanes[c] = []int64{}
		}
	}
	if m.WIP == nil {
		m.WIP = map[string]int64{}
	}
	if m.Cards == nil {
		m.Cards = map[int64]Card{}
	}
	if m.Members == nil {
		m.Members = []string{}
	}
	slices.Sort(m.Members)
	m.Members = slices.Compact(m.Members)
}

// clone returns a deep copy so transitions never alias their input.
func (m Model) clone() Model {
	c := Model{
		Cols:    slices.Clone(m.Cols),
		Lanes:   make(map[string][]int64, len(m.Lanes)),
		WIP:     make(map[string]int64, len(m.WIP)),
		Cards:   make(map[int64]Card, len(m.Cards)),
		NextID:  m.NextID,
		Owner:   m.Owner,
		Members: slices.Clone(m.Members),
	}
	for k, v := range m.Lanes {
		c.Lanes[k] = slices.Clone(v)
	}
	for k, v := range m.WIP {
		c.WIP[k] = v
	}
	for k, v := range m.Cards {
		c.Cards[k] = v
	}
	return c
}

// HasColumn reports whether col exists.
func (m Model) HasColumn(col string) bool {
	return slices.Contains(m.Cols, col)
}

// IsMember reports whether user belongs to the board.
func (m Model) IsMember(user string) bool {
	_, found := slices.BinarySearch(m.Members, user)
	return found
}

// ColumnOf returns the column holding card id, or "" if none does.
func (m Model) ColumnOf(id int64) string {
	for _, c := range m.Cols {
		if slices.Contains(m.Lanes[c], id) {
			return c
		}
	}
	return ""
}

// hasRoom reports whether col can take one more card.
func (m Model) hasRoom(col string) bool {
	return int64(len(m.Lanes[col]))+1 <= m.WIP[col]
}
