package store

import (
	"errors"

	"github.com/roach88/lockstep/internal/protocol"
)

// ErrAlreadyExists is returned by Create for a duplicate entity id.
var ErrAlreadyExists = errors.New("entity already exists")

// Commit is one entity's share of an atomic write.
type Commit struct {
	EntityID string
	// Expected is the version the caller read. The write fails with
	// protocol.ErrStorageRace unless it still matches.
	Expected protocol.Version
	Version  protocol.Version
	State    protocol.State
	Audit    protocol.AuditEntry
}

// Record is everything stored about one entity except its audit log.
type Record struct {
	ID           string
	Version      protocol.Version
	State        protocol.State
	InitialState protocol.State
}
