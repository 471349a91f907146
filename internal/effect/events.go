package effect

import (
	"github.com/roach88/lockstep/internal/protocol"
)

// Event is an input to Machine.Step. The set of implementations is closed.
type Event interface {
	event()
}

// UserAction is a new local action. ID correlates it with the server.
type UserAction struct {
	ID     string
	Action protocol.Action
}

// DispatchAccepted is an Accepted reply to the dispatch numbered Seq.
type DispatchAccepted struct {
	Seq     uint64
	Version protocol.Version
	State   protocol.State
}

// DispatchConflict is a Conflict reply to the dispatch numbered Seq.
type DispatchConflict struct {
	Seq     uint64
	Version protocol.Version
	State   protocol.State
}

// DispatchRejected is a Rejected reply to the dispatch numbered Seq.
type DispatchRejected struct {
	Seq     uint64
	Code    protocol.Code
	Reason  string
	Version protocol.Version
	State   protocol.State
}

// DispatchFailed reports a transport error that is not a network failure,
// such as a malformed response.
type DispatchFailed struct {
	Seq    uint64
	Code   protocol.Code
	Reason string
}

// NetworkError reports that the network is gone. A non-zero Seq ties it to
// one dispatch and it is ignored once that dispatch is no longer in flight;
// Seq zero applies unconditionally.
type NetworkError struct {
	Seq    uint64
	Reason string
}

// NetworkRestored reports that the network is back.
type NetworkRestored struct{}

// ManualGoOffline is a user request to stop talking to the server.
type ManualGoOffline struct{}

// ManualGoOnline is a user request to resume talking to the server.
type ManualGoOnline struct{}

// Tick is a periodic nudge that restarts an idle, non-empty queue, e.g.
// after retries were exhausted.
type Tick struct{}

// RealtimeUpdate is an authoritative snapshot pushed by the broadcaster.
type RealtimeUpdate struct {
	Version protocol.Version
	State   protocol.State
}

func (UserAction) event()       {}
func (DispatchAccepted) event() {}
func (DispatchConflict) event() {}
func (DispatchRejected) event() {}
func (DispatchFailed) event()   {}
func (NetworkError) event()     {}
func (NetworkRestored) event()  {}
func (ManualGoOffline) event()  {}
func (ManualGoOnline) event()   {}
func (Tick) event()             {}
func (RealtimeUpdate) event()   {}

// ReplyEvent converts a server reply to the event for dispatch seq.
func ReplyEvent(seq uint64, reply protocol.Reply) Event {
	switch r := reply.(type) {
	case protocol.Accepted:
		return DispatchAccepted{Seq: seq, Version: r.Version, State: r.State}
	case protocol.Conflict:
		return DispatchConflict{Seq: seq, Version: r.Version, State: r.State}
	case protocol.Rejected:
		return DispatchRejected{Seq: seq, Code: r.Code, Reason: r.Reason, Version: r.Version, State: r.State}
	default:
		return DispatchFailed{Seq: seq, Reason: "unknown reply"}
	}
}

// Command is an output of Machine.Step for the outside world to execute.
type Command interface {
	command()
}

// NoOp asks for nothing.
type NoOp struct{}

// SendDispatch asks for one dispatch request to be sent. The reply must
// come back as an event carrying Seq.
type SendDispatch struct {
	Seq         uint64
	RequestID   string
	BaseVersion protocol.Version
	Action      protocol.Action
}

func (NoOp) command()         {}
func (SendDispatch) command() {}
