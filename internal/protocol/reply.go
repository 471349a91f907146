package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is the server's answer to one dispatch: exactly one of Accepted,
// Conflict or Rejected.
type Reply interface {
	// Snapshot returns the authoritative state carried by the reply.
	Snapshot() Snapshot
	reply()
}

// Accepted means the action was applied; Version is the new version.
type Accepted struct {
	Version Version
	State   State
}

// Conflict means the client's base version was stale. The action was not
// applied; Version and State are the server's current snapshot.
type Conflict struct {
	Version Version
	State   State
}

// Rejected means the action was refused and will never be applied as sent.
// Version and State describe the server's unchanged snapshot so the client
// can reconcile without another round trip; they may be empty when the
// request never reached an entity.
type Rejected struct {
	Code    Code
	Reason  string
	Version Version
	State   State
}

func (Accepted) reply() {}
func (Conflict) reply() {}
func (Rejected) reply() {}

func (r Accepted) Snapshot() Snapshot { return Snapshot{Version: r.Version, State: r.State} }
func (r Conflict) Snapshot() Snapshot { return Snapshot{Version: r.Version, State: r.State} }
func (r Rejected) Snapshot() Snapshot { return Snapshot{Version: r.Version, State: r.State} }

// Reply status strings used on the wire.
const (
	StatusAccepted = "accepted"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// Status returns the wire status of a reply.
func Status(r Reply) string {
	switch r.(type) {
	case Accepted:
		return StatusAccepted
	case Conflict:
		return StatusConflict
	case Rejected:
		return StatusRejected
	default:
		return ""
	}
}

// DispatchRequest is the wire form of a single-entity dispatch.
// The actor is not part of the body; it is proven by the bearer token.
type DispatchRequest struct {
	EntityID    string  `json:"entityId"`
	RequestID   string  `json:"requestId,omitempty"`
	BaseVersion Version `json:"baseVersion"`
	Action      Action  `json:"action"`
}

// ReplyEnvelope is the wire form of a Reply.
type ReplyEnvelope struct {
	Status  string   `json:"status"`
	Version *Version `json:"version,omitempty"`
	State   State    `json:"state,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Code    Code     `json:"code,omitempty"`
}

// Envelope converts a reply to its wire form.
func Envelope(r Reply) ReplyEnvelope {
	snap := r.Snapshot()
	env := ReplyEnvelope{Status: Status(r)}
	if len(snap.State) > 0 {
		v := snap.Version
		env.Version = &v
		env.State = snap.State
	}
	if rej, ok := r.(Rejected); ok {
		env.Code = rej.Code
		env.Reason = rej.Reason
	}
	return env
}

// Reply converts a wire envelope back to a Reply.
// Accepted and Conflict envelopes must carry a version and a state.
func (e ReplyEnvelope) Reply() (Reply, error) {
	var v Version
	if e.Version != nil {
		v = *e.Version
	}
	switch e.Status {
	case StatusAccepted, StatusConflict:
		if e.Version == nil || len(e.State) == 0 {
			return nil, fmt.Errorf("%s reply without version and state", e.Status)
		}
		if e.Status == StatusAccepted {
			return Accepted{Version: v, State: e.State}, nil
		}
		return Conflict{Version: v, State: e.State}, nil
	case StatusRejected:
		return Rejected{Code: e.Code, Reason: e.Reason, Version: v, State: e.State}, nil
	default:
		return nil, fmt.Errorf("unknown reply status %q", e.Status)
	}
}

// MarshalReply encodes a reply as its wire JSON.
func MarshalReply(r Reply) ([]byte, error) {
	return json.Marshal(Envelope(r))
}

// UnmarshalReply decodes wire JSON into a Reply.
func UnmarshalReply(data []byte) (Reply, error) {
	var env ReplyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return env.Reply()
}

// MultiDispatchRequest is the wire form of a multi-entity dispatch.
// BaseVersions optionally pins the version each touched entity was read
// at; entities missing from the map are not checked for staleness.
type MultiDispatchRequest struct {
	RequestID    string             `json:"requestId,omitempty"`
	Action       Action             `json:"action"`
	BaseVersions map[string]Version `json:"baseVersions,omitempty"`
}

// MultiReply is the result of a multi-entity dispatch. Versions and States
// cover every touched entity; Changed lists the entities whose state
// changed, in ascending id order.
type MultiReply struct {
	Status   string             `json:"status"`
	Versions map[string]Version `json:"versions,omitempty"`
	States   map[string]State   `json:"states,omitempty"`
	Changed  []string           `json:"changed,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Code     Code               `json:"code,omitempty"`
}

// EntitySnapshot is the wire form of a sync or realtime update.
type EntitySnapshot struct {
	EntityID string  `json:"entityId"`
	Version  Version `json:"version"`
	State    State   `json:"state"`
}
