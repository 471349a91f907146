package protocol

import (
	"encoding/json"
)

// Version is the authoritative, monotonically increasing counter of an
// entity. It is assigned only by the server authority; zero is the version
// of a freshly created entity.
type Version int64

// State is the canonical JSON encoding of a domain state.
type State = json.RawMessage

// Action is the canonical JSON encoding of a domain action: a tagged union
// whose "type" field names the variant.
type Action = json.RawMessage

// Snapshot is an authoritative (version, state) pair.
type Snapshot struct {
	Version Version `json:"version"`
	State   State   `json:"state"`
}

// AuditEntry records one accepted action. Version is the version the
// action produced; StateDigest is the digest of the state at that version.
type AuditEntry struct {
	Version     Version `json:"version"`
	Actor       string  `json:"actor"`
	RequestID   string  `json:"requestId,omitempty"`
	Action      Action  `json:"action"`
	StateDigest string  `json:"stateDigest"`
}

// Transition is the pure domain transition function.
// Apply must be deterministic and must not mutate its inputs.
type Transition interface {
	Apply(state State, action Action) (State, error)
}

// Domain is the set of collaborators the server authority consults.
// Errors from Apply are classified as DOMAIN_INVALID; errors from Authorize
// as UNAUTHORIZED.
type Domain interface {
	Transition

	// Init returns the initial state of a new entity owned by owner.
	Init(owner string) (State, error)

	// Authorize decides whether actor may dispatch action against state.
	Authorize(state State, actor string, action Action) error

	// CanObserve decides whether actor may read or subscribe to state.
	CanObserve(state State, actor string) bool

	// CanDelete decides whether actor may delete the entity.
	CanDelete(state State, actor string) bool
}

// MultiDomain is a domain whose multi-actions touch several entities at
// once. The coordinator applies them all-or-nothing.
type MultiDomain interface {
	// Touched returns the ids of every entity the multi-action reads or
	// writes, in a stable order without duplicates.
	Touched(action Action) ([]string, error)

	// AuthorizeEntity decides whether actor may take part in action as it
	// affects the named entity.
	AuthorizeEntity(state State, entityID, actor string, action Action) error

	// TryMultiStep applies action to the touched states. It returns the
	// complete next state of every touched entity or an error and no
	// states at all.
	TryMultiStep(states map[string]State, action Action) (map[string]State, error)

	// EntityAction returns the single-entity action that has the same
	// effect on entityID as action has when applied to states. It is what
	// the entity's audit log records, so replaying one log never needs the
	// other entities.
	EntityAction(states map[string]State, entityID string, action Action) (Action, error)
}
