package authority

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// ServerState is the authoritative state of one entity.
type ServerState struct {
	Version  protocol.Version
	Present  protocol.State
	AuditLog []protocol.AuditEntry
}

// Request is a dispatch as the authority sees it: the wire request plus the
// authenticated actor.
type Request struct {
	EntityID    string
	RequestID   string
	Actor       string
	BaseVersion protocol.Version
	Action      protocol.Action
}

// Dispatch decides one request.
//
// Checks run in a fixed order: future base, stale base, authorization,
// domain. Only an accepted request changes the returned state; every other
// reply returns s unchanged and carries the current snapshot.
func Dispatch(s ServerState, req Request, d protocol.Domain) (ServerState, protocol.Reply) {
	if req.BaseVersion > s.Version {
		return s, reject(s, protocol.CodeFutureBaseVersion,
			"base version %d is ahead of server version %d", req.BaseVersion, s.Version)
	}
	if req.BaseVersion < s.Version {
		return s, protocol.Conflict{Version: s.Version, State: s.Present}
	}

	if err := d.Authorize(s.Present, req.Actor, req.Action); err != nil {
		return s, protocol.Rejected{
			Code:    protocol.CodeUnauthorized,
			Reason:  protocol.Reason(err),
			Version: s.Version,
			State:   s.Present,
		}
	}

	next, err := d.Apply(s.Present, req.Action)
	if err != nil {
		return s, protocol.Rejected{
			Code:    protocol.CodeDomainInvalid,
			Reason:  protocol.Reason(err),
			Version: s.Version,
			State:   s.Present,
		}
	}
	digest, err := ir.StateDigest(next)
	if err != nil {
		return s, reject(s, protocol.CodeDomainInvalid, "next state is not canonical: %v", err)
	}

	v := s.Version + 1
	log := make([]protocol.AuditEntry, len(s.AuditLog), len(s.AuditLog)+1)
	copy(log, s.AuditLog)
	log = append(log, protocol.AuditEntry{
		Version:     v,
		Actor:       req.Actor,
		RequestID:   req.RequestID,
		Action:      req.Action,
		StateDigest: digest,
	})

	return ServerState{Version: v, Present: next, AuditLog: log}, protocol.Accepted{Version: v, State: next}
}

func reject(s ServerState, code protocol.Code, format string, args ...any) protocol.Rejected {
	return protocol.Rejected{
		Code:    code,
		Reason:  fmt.Sprintf(format, args...),
		Version: s.Version,
		State:   s.Present,
	}
}
