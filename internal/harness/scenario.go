package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// Scenario is a complete collaboration test case.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// MaxRetries bounds conflict retries of client dispatches.
	// Zero uses the effect machine default.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Entities are created before any step runs.
	Entities []Entity `yaml:"entities"`

	// Clients sync their entity once setup is done.
	Clients []Client `yaml:"clients,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Entity is a board created during setup.
type Entity struct {
	ID    string `yaml:"id"`
	Owner string `yaml:"owner"`

	// Setup actions are dispatched by the owner before the scenario starts.
	// They are not traced; each must be accepted.
	Setup []Action `yaml:"setup,omitempty"`
}

// Client is an offline-capable client of one entity.
type Client struct {
	Name   string `yaml:"name"`
	Actor  string `yaml:"actor"`
	Entity string `yaml:"entity"`
}

// Action is a wire action written as YAML.
type Action map[string]any

// Encode returns the canonical JSON of the action.
func (a Action) Encode() (protocol.Action, error) {
	raw, err := json.Marshal(map[string]any(a))
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	out, err := ir.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return out, nil
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Dispatch *DispatchStep `yaml:"dispatch,omitempty"`
	Multi    *MultiStep    `yaml:"multi,omitempty"`
	Client   *ClientStep   `yaml:"client,omitempty"`
}

// DispatchStep is a direct server dispatch.
type DispatchStep struct {
	Actor  string `yaml:"actor"`
	Entity string `yaml:"entity"`

	// Base pins the base version. When unset the current server version is
	// used, as if the actor had just synced.
	Base *protocol.Version `yaml:"base,omitempty"`

	RequestID string `yaml:"request_id,omitempty"`
	Action    Action `yaml:"action"`

	// Expect is the expected reply status: accepted, conflict or rejected.
	Expect string `yaml:"expect,omitempty"`

	// Code is the expected rejection code.
	Code protocol.Code `yaml:"code,omitempty"`
}

// MultiStep is a multi-board dispatch.
type MultiStep struct {
	Actor        string                      `yaml:"actor"`
	RequestID    string                      `yaml:"request_id,omitempty"`
	Action       Action                      `yaml:"action"`
	BaseVersions map[string]protocol.Version `yaml:"base_versions,omitempty"`
	Expect       string                      `yaml:"expect,omitempty"`
	Code         protocol.Code               `yaml:"code,omitempty"`
}

// ClientStep feeds one event to a client. Exactly one of Do, Offline,
// Online, Realtime and Tick is set.
type ClientStep struct {
	Name string `yaml:"name"`

	// Do queues a local action.
	Do Action `yaml:"do,omitempty"`

	Offline bool `yaml:"offline,omitempty"`
	Online  bool `yaml:"online,omitempty"`

	// Realtime pushes the entity's current server snapshot to the client.
	Realtime bool `yaml:"realtime,omitempty"`

	Tick bool `yaml:"tick,omitempty"`
}

// kind names the client event for the trace.
func (c ClientStep) kind() string {
	switch {
	case c.Do != nil:
		return "local"
	case c.Offline:
		return "offline"
	case c.Online:
		return "online"
	case c.Realtime:
		return "realtime"
	case c.Tick:
		return "tick"
	default:
		return ""
	}
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "entity": Check an entity's server version and state
	// - "client": Check a client's version, pending queue, problem and state
	// - "trace_count": Check how many replies in the trace have a status
	Type string `yaml:"type"`

	// Entity is the entity id (used by entity).
	Entity string `yaml:"entity,omitempty"`

	// Client is the client name (used by client).
	Client string `yaml:"client,omitempty"`

	// Version is the expected server version or client base version.
	Version *protocol.Version `yaml:"version,omitempty"`

	// State is a subset match against the server state or the client's
	// present state. Objects match when every listed key matches; arrays
	// and scalars must be equal.
	State map[string]any `yaml:"state,omitempty"`

	// Pending is the expected length of the client's pending queue.
	Pending *int `yaml:"pending,omitempty"`

	// Problem is the expected code of the client's problem. "none" expects
	// no problem.
	Problem string `yaml:"problem,omitempty"`

	// Mode is the expected client mode: idle, dispatching or offline.
	Mode string `yaml:"mode,omitempty"`

	// Status and Kind select trace events (used by trace_count).
	Status string `yaml:"status,omitempty"`
	Kind   string `yaml:"kind,omitempty"`

	// Count is the expected number of matching trace events.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity     = "entity"
	AssertClient     = "client"
	AssertTraceCount = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML held in memory.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// step and assertion refers to a declared entity or client.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Entities) == 0 {
		return fmt.Errorf("entities list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	entities := make(map[string]bool, len(s.Entities))
	for i, e := range s.Entities {
		if e.ID == "" || e.Owner == "" {
			return fmt.Errorf("entities[%d]: id and owner are required", i)
		}
		if entities[e.ID] {
			return fmt.Errorf("entities[%d]: duplicate id %q", i, e.ID)
		}
		entities[e.ID] = true
	}

	clients := make(map[string]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c.Name == "" || c.Actor == "" {
			return fmt.Errorf("clients[%d]: name and actor are required", i)
		}
		if !entities[c.Entity] {
			return fmt.Errorf("clients[%d]: unknown entity %q", i, c.Entity)
		}
		if clients[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate name %q", i, c.Name)
		}
		clients[c.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(step, entities, clients); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, entities, clients); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, entities, clients map[string]bool) error {
	set := 0
	if step.Dispatch != nil {
		set++
	}
	if step.Multi != nil {
		set++
	}
	if step.Client != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of dispatch, multi or client is required")
	}

	switch {
	case step.Dispatch != nil:
		d := step.Dispatch
		if d.Actor == "" {
			return fmt.Errorf("dispatch: actor is required")
		}
		if !entities[d.Entity] {
			return fmt.Errorf("dispatch: unknown entity %q", d.Entity)
		}
		if d.Action == nil {
			return fmt.Errorf("dispatch: action is required")
		}
		return validateExpect(d.Expect)
	case step.Multi != nil:
		m := step.Multi
		if m.Actor == "" {
			return fmt.Errorf("multi: actor is required")
		}
		if m.Action == nil {
			return fmt.Errorf("multi: action is required")
		}
		return validateExpect(m.Expect)
	default:
		c := step.Client
		if !clients[c.Name] {
			return fmt.Errorf("client: unknown client %q", c.Name)
		}
		events := 0
		for _, on := range []bool{c.Do != nil, c.Offline, c.Online, c.Realtime, c.Tick} {
			if on {
				events++
			}
		}
		if events != 1 {
			return fmt.Errorf("client: exactly one of do, offline, online, realtime or tick is required")
		}
		return nil
	}
}

func validateExpect(expect string) error {
	switch expect {
	case "", protocol.StatusAccepted, protocol.StatusConflict, protocol.StatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid expect %q", expect)
	}
}

func validateAssertion(a Assertion, entities, clients map[string]bool) error {
	switch a.Type {
	case AssertEntity:
		if !entities[a.Entity] {
			return fmt.Errorf("entity: unknown entity %q", a.Entity)
		}
	case AssertClient:
		if !clients[a.Client] {
			return fmt.Errorf("client: unknown client %q", a.Client)
		}
	case AssertTraceCount:
		if a.Status == "" && a.Kind == "" {
			return fmt.Errorf("trace_count: status or kind is required")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
