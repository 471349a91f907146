package testutil

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// Counter is a minimal protocol.Domain over the state {"n": N}.
//
// Actions:
//
//	{"type":"Inc","by":K}              n += K
//	{"type":"IncBelow","by":K,"max":M} n += K, refused when the result exceeds M
//	{"type":"Fail"}                    always refused
//
// When Members is non-nil only those actors may dispatch or observe.
type Counter struct {
	Members []string
}

var _ protocol.Domain = Counter{}

type counterState struct {
	N int64 `json:"n"`
}

type counterAction struct {
	Type string `json:"type"`
	By   int64  `json:"by"`
	Max  int64  `json:"max"`
}

// CounterState returns the canonical counter state for n.
func CounterState(n int64) protocol.State {
	return ir.MustMarshal(counterState{N: n})
}

// Inc returns an increment action.
func Inc(by int64) protocol.Action {
	return protocol.Action(fmt.Sprintf(`{"by":%d,"type":"Inc"}`, by))
}

// IncBelow returns an increment action bounded by max.
func IncBelow(by, max int64) protocol.Action {
	return protocol.Action(fmt.Sprintf(`{"by":%d,"max":%d,"type":"IncBelow"}`, by, max))
}

// Fail returns an action the counter always refuses.
func Fail() protocol.Action {
	return protocol.Action(`{"type":"Fail"}`)
}

// CounterValue decodes n from a counter state, panicking on bad input.
func CounterValue(state protocol.State) int64 {
	var s counterState
	if err := json.Unmarshal(state, &s); err != nil {
		panic(err)
	}
	return s.N
}

func (Counter) Init(string) (protocol.State, error) {
	return CounterState(0), nil
}

func (Counter) Apply(state protocol.State, action protocol.Action) (protocol.State, error) {
	var s counterState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, protocol.Errorf(protocol.CodeDomainInvalid, "bad state: %v", err)
	}
	var a counterAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, protocol.Errorf(protocol.CodeDomainInvalid, "bad action: %v", err)
	}
	switch a.Type {
	case "Inc":
		s.N += a.By
	case "IncBelow":
		if s.N+a.By > a.Max {
			return nil, protocol.Errorf(protocol.CodeDomainInvalid, "%d+%d exceeds %d", s.N, a.By, a.Max)
		}
		s.N += a.By
	case "Fail":
		return nil, protocol.Errorf(protocol.CodeDomainInvalid, "refused")
	default:
		return nil, protocol.Errorf(protocol.CodeDomainInvalid, "unknown action %q", a.Type)
	}
	return ir.Marshal(s)
}

func (c Counter) Authorize(_ protocol.State, actor string, _ protocol.Action) error {
	if !c.allowed(actor) {
		return protocol.Errorf(protocol.CodeUnauthorized, "%q may not dispatch", actor)
	}
	return nil
}

func (c Counter) CanObserve(_ protocol.State, actor string) bool { return c.allowed(actor) }

func (c Counter) CanDelete(_ protocol.State, actor string) bool { return c.allowed(actor) }

func (c Counter) allowed(actor string) bool {
	return c.Members == nil || slices.Contains(c.Members, actor)
}
