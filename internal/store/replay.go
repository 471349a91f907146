package store

import (
	"context"
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// Reader is the read side of a repository.
type Reader interface {
	Load(ctx context.Context, id string) (Record, error)
	AuditLog(ctx context.Context, id string) ([]protocol.AuditEntry, error)
}

// ReplayResult is the outcome of re-deriving an entity from its log.
type ReplayResult struct {
	EntityID string
	// Versions is the number of audit entries replayed.
	Versions int
	// State is the re-derived state at the last version.
	State protocol.State
	// Digest is the digest of State.
	Digest string
}

// Replay folds the audit log of an entity over its initial state and
// checks every step against the recorded digest.
//
// Returns an error naming the first version whose state does not match,
// or if the re-derived state differs from the stored current state.
func Replay(ctx context.Context, r Reader, id string, t protocol.Transition) (ReplayResult, error) {
	rec, err := r.Load(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	entries, err := r.AuditLog(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}

	state := rec.InitialState
	for i, e := range entries {
		if want := protocol.Version(i + 1); e.Version != want {
			return ReplayResult{}, fmt.Errorf("entity %s: audit gap: want version %d, got %d", id, want, e.Version)
		}
		next, err := t.Apply(state, e.Action)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("entity %s: version %d no longer applies: %w", id, e.Version, err)
		}
		digest, err := ir.StateDigest(next)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("entity %s: digest version %d: %w", id, e.Version, err)
		}
		if digest != e.StateDigest {
			return ReplayResult{}, fmt.Errorf("entity %s: digest mismatch at version %d: recorded %s, replayed %s",
				id, e.Version, e.StateDigest, digest)
		}
		state = next
	}

	if protocol.Version(len(entries)) != rec.Version {
		return ReplayResult{}, fmt.Errorf("entity %s: log ends at version %d, entity is at %d", id, len(entries), rec.Version)
	}
	if !ir.Equal(state, rec.State) {
		return ReplayResult{}, fmt.Errorf("entity %s: replayed state differs from stored state", id)
	}

	digest, err := ir.StateDigest(state)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("entity %s: digest: %w", id, err)
	}
	return ReplayResult{EntityID: id, Versions: len(entries), State: state, Digest: digest}, nil
}
