package harness

import (
	"github.com/roach88/lockstep/internal/protocol"
)

// Trace event kinds.
const (
	KindDispatch       = "dispatch"
	KindMulti          = "multi"
	KindClientDispatch = "client_dispatch"
)

// TraceEvent records one step input or one reply.
// Client step events carry only Kind and Client; every dispatch a client
// sends as a consequence follows as a client_dispatch event.
type TraceEvent struct {
	Seq         int                         `json:"seq"`
	Step        int                         `json:"step"`
	Kind        string                      `json:"kind"`
	Actor       string                      `json:"actor,omitempty"`
	Client      string                      `json:"client,omitempty"`
	Entity      string                      `json:"entity,omitempty"`
	RequestID   string                      `json:"request_id,omitempty"`
	BaseVersion *protocol.Version           `json:"base_version,omitempty"`
	Status      string                      `json:"status,omitempty"`
	Code        protocol.Code               `json:"code,omitempty"`
	Version     *protocol.Version           `json:"version,omitempty"`
	Versions    map[string]protocol.Version `json:"versions,omitempty"`
	Changed     []string                    `json:"changed,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall success: every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains step inputs and replies in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends an event and assigns its sequence number.
func (r *Result) record(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

func versionPtr(v protocol.Version) *protocol.Version {
	return &v
}
