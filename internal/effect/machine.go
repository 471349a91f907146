package effect

import (
	"fmt"

	"github.com/roach88/lockstep/internal/client"
	"github.com/roach88/lockstep/internal/protocol"
)

// DefaultMaxRetries bounds consecutive conflict retries of one action.
const DefaultMaxRetries = 5

// Mode is the orchestrator's connection and dispatch mode.
type Mode int

const (
	// ModeIdle is online with nothing in flight.
	ModeIdle Mode = iota
	// ModeDispatching is online with exactly one dispatch in flight.
	ModeDispatching
	// ModeOffline sends nothing; local actions still queue.
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeDispatching:
		return "dispatching"
	case ModeOffline:
		return "offline"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// InFlight describes the dispatch awaiting a reply.
type InFlight struct {
	Seq         uint64
	RequestID   string
	BaseVersion protocol.Version
}

// Problem is the most recent failure surfaced to the user. It stays set
// until a later failure replaces it.
type Problem struct {
	Code      protocol.Code
	Reason    string
	RequestID string
}

// State is the orchestrator state for one entity.
type State struct {
	Client   client.State
	Mode     Mode
	Retries  int
	InFlight *InFlight
	NextSeq  uint64
	// Deferred holds the newest realtime snapshot received while a dispatch
	// was in flight. It is folded in once that dispatch's reply lands and
	// discarded if the dispatch is abandoned.
	Deferred *protocol.Snapshot
	Problem  *Problem
	// Stalled is set when the head ran out of conflict retries. Ticks leave
	// it alone; only a user action or going online again retries it.
	Stalled bool
}

// NewState returns an idle, online orchestrator around c.
func NewState(c client.State) State {
	return State{Client: c, Mode: ModeIdle}
}

// Online reports whether the orchestrator may talk to the server.
func (s State) Online() bool {
	return s.Mode != ModeOffline
}

// Quiet reports whether nothing is in flight and nothing would be sent
// without a new event.
func (s State) Quiet() bool {
	if s.Mode == ModeDispatching {
		return false
	}
	return !s.Client.HasPending() || s.Mode == ModeOffline || s.Stalled
}

// Machine holds the collaborators of Step. It has no mutable state.
type Machine struct {
	Domain     protocol.Transition
	MaxRetries int
}

// NewMachine returns a machine with DefaultMaxRetries.
func NewMachine(domain protocol.Transition) Machine {
	return Machine{Domain: domain, MaxRetries: DefaultMaxRetries}
}

// Step advances the orchestrator by one event.
func (m Machine) Step(s State, ev Event) (State, Command) {
	switch e := ev.(type) {
	case UserAction:
		next, err := client.LocalDispatch(m.Domain, s.Client, e.ID, e.Action)
		if err != nil {
			s.Problem = &Problem{Code: protocol.CodeOf(err), Reason: protocol.Reason(err), RequestID: e.ID}
			return s, NoOp{}
		}
		s.Client = next
		s.Stalled = false
		return m.startIfIdle(s)

	case DispatchAccepted:
		if !s.awaiting(e.Seq) {
			return s, NoOp{}
		}
		s.Client = client.Reconcile(m.Domain, s.Client, protocol.Accepted{Version: e.Version, State: e.State})
		return m.settle(s)

	case DispatchConflict:
		if !s.awaiting(e.Seq) {
			return s, NoOp{}
		}
		s.Client = client.Reconcile(m.Domain, s.Client, protocol.Conflict{Version: e.Version, State: e.State})
		if s.Retries >= m.maxRetries() {
			s.Problem = &Problem{
				Code:      protocol.CodeStaleBaseVersion,
				Reason:    fmt.Sprintf("gave up after %d conflicting retries", s.Retries),
				RequestID: s.InFlight.RequestID,
			}
			s = m.land(s)
			s.Stalled = true
			return s, NoOp{}
		}
		retries := s.Retries + 1
		s = m.land(s)
		if !s.Client.HasPending() {
			return s, NoOp{}
		}
		return m.send(s, retries)

	case DispatchRejected:
		if !s.awaiting(e.Seq) {
			return s, NoOp{}
		}
		reqID := s.InFlight.RequestID
		s.Client = client.Reconcile(m.Domain, s.Client, protocol.Rejected{
			Code: e.Code, Reason: e.Reason, Version: e.Version, State: e.State,
		})
		s.Problem = &Problem{Code: e.Code, Reason: e.Reason, RequestID: reqID}
		return m.settle(s)

	case DispatchFailed:
		if !s.awaiting(e.Seq) {
			return s, NoOp{}
		}
		s.Problem = &Problem{Code: e.Code, Reason: e.Reason, RequestID: s.InFlight.RequestID}
		s = m.abandon(s)
		return s, NoOp{}

	case NetworkError:
		if e.Seq != 0 && !s.awaiting(e.Seq) {
			return s, NoOp{}
		}
		s = m.abandon(s)
		s.Mode = ModeOffline
		return s, NoOp{}

	case NetworkRestored:
		if s.Mode != ModeOffline {
			return s, NoOp{}
		}
		s.Mode = ModeIdle
		return m.startIfIdle(s)

	case ManualGoOnline:
		if s.Mode != ModeOffline {
			return s, NoOp{}
		}
		s.Mode = ModeIdle
		s.Stalled = false
		return m.startIfIdle(s)

	case ManualGoOffline:
		s = m.abandon(s)
		s.Mode = ModeOffline
		return s, NoOp{}

	case Tick:
		return m.startIfIdle(s)

	case RealtimeUpdate:
		switch s.Mode {
		case ModeOffline:
			// Missed pushes are recovered by the conflict path on reconnect.
			return s, NoOp{}
		case ModeDispatching:
			if s.Deferred == nil || e.Version > s.Deferred.Version {
				s.Deferred = &protocol.Snapshot{Version: e.Version, State: e.State}
			}
			return s, NoOp{}
		default:
			s.Client = client.Rebase(m.Domain, s.Client, e.Version, e.State)
			return s, NoOp{}
		}

	default:
		return s, NoOp{}
	}
}

func (m Machine) maxRetries() int {
	if m.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return m.MaxRetries
}

// awaiting reports whether seq names the dispatch currently in flight.
func (s State) awaiting(seq uint64) bool {
	return s.Mode == ModeDispatching && s.InFlight != nil && s.InFlight.Seq == seq
}

// land ends the in-flight dispatch, if any, returns to idle and folds in a
// deferred realtime snapshot.
func (m Machine) land(s State) State {
	s.InFlight = nil
	s.Retries = 0
	if s.Mode == ModeDispatching {
		s.Mode = ModeIdle
	}
	if s.Deferred != nil {
		s.Client = client.Rebase(m.Domain, s.Client, s.Deferred.Version, s.Deferred.State)
		s.Deferred = nil
	}
	return s
}

// abandon ends the in-flight dispatch without knowing its outcome. A
// deferred push may be the echo of that very dispatch, so it is dropped;
// the resend's conflict or idempotent reply brings the client up to date.
func (m Machine) abandon(s State) State {
	s.Deferred = nil
	return m.land(s)
}

// settle lands the in-flight dispatch and starts the next one.
func (m Machine) settle(s State) (State, Command) {
	return m.startIfIdle(m.land(s))
}

func (m Machine) startIfIdle(s State) (State, Command) {
	if s.Mode != ModeIdle || s.Stalled || !s.Client.HasPending() {
		return s, NoOp{}
	}
	return m.send(s, 0)
}

// send puts the head of the pending queue in flight.
func (m Machine) send(s State, retries int) (State, Command) {
	head, _ := s.Client.Head()
	s.NextSeq++
	s.Mode = ModeDispatching
	s.Retries = retries
	s.InFlight = &InFlight{Seq: s.NextSeq, RequestID: head.ID, BaseVersion: s.Client.BaseVersion}
	return s, SendDispatch{
		Seq:         s.NextSeq,
		RequestID:   head.ID,
		BaseVersion: s.Client.BaseVersion,
		Action:      head.Action,
	}
}
