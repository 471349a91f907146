package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		return h.assertEntity(ctx, a)
	case AssertClient:
		return h.assertClient(a)
	case AssertTraceCount:
		return assertTraceCount(h.result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertEntity checks the authoritative version and state of an entity.
func (h *Harness) assertEntity(ctx context.Context, a Assertion) error {
	rec, err := h.store.Load(ctx, a.Entity)
	if err != nil {
		return &AssertionError{Type: AssertEntity, Expected: "entity " + a.Entity, Actual: err.Error()}
	}
	if a.Version != nil && rec.Version != *a.Version {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("%s at version %d", a.Entity, *a.Version),
			Actual:   fmt.Sprintf("version %d", rec.Version),
		}
	}
	return matchState(AssertEntity, a.Entity, rec.State, a.State)
}

// assertClient checks a client's mode, queue, problem and optimistic state.
func (h *Harness) assertClient(a Assertion) error {
	c := h.clients[a.Client]
	s := c.state

	if a.Version != nil && s.Client.BaseVersion != *a.Version {
		return &AssertionError{
			Type:     AssertClient,
			Expected: fmt.Sprintf("%s at base version %d", a.Client, *a.Version),
			Actual:   fmt.Sprintf("base version %d", s.Client.BaseVersion),
		}
	}
	if a.Pending != nil && len(s.Client.Pending) != *a.Pending {
		return &AssertionError{
			Type:     AssertClient,
			Expected: fmt.Sprintf("%s with %d pending", a.Client, *a.Pending),
			Actual:   fmt.Sprintf("%d pending", len(s.Client.Pending)),
		}
	}
	if a.Mode != "" && s.Mode.String() != a.Mode {
		return &AssertionError{
			Type:     AssertClient,
			Expected: fmt.Sprintf("%s %s", a.Client, a.Mode),
			Actual:   s.Mode.String(),
		}
	}
	if a.Problem != "" {
		actual := "none"
		if s.Problem != nil {
			actual = string(s.Problem.Code)
		}
		if actual != a.Problem {
			return &AssertionError{
				Type:     AssertClient,
				Expected: fmt.Sprintf("%s problem %s", a.Client, a.Problem),
				Actual:   actual,
			}
		}
	}
	return matchState(AssertClient, a.Client, s.Client.Present, a.State)
}

// assertTraceCount checks how many trace events have the given status and
// kind.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if a.Status != "" && ev.Status != a.Status {
			continue
		}
		if a.Kind != "" && ev.Kind != a.Kind {
			continue
		}
		count++
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events (status=%q kind=%q)", a.Count, a.Status, a.Kind),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

// matchState compares state against the expected subset.
func matchState(typ, subject string, state protocol.State, expected map[string]any) error {
	if len(expected) == 0 {
		return nil
	}
	var actual any
	if err := json.Unmarshal(state, &actual); err != nil {
		return fmt.Errorf("decode %s state: %w", subject, err)
	}
	want, err := normalize(expected)
	if err != nil {
		return err
	}
	if path, ok := matchSubset(actual, want, ""); !ok {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%s state at %s to be %s", subject, path, render(lookup(want, path))),
			Actual:   render(lookup(actual, path)),
		}
	}
	return nil
}

// normalize round-trips YAML values through JSON so numbers compare as
// float64 on both sides.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode expected state: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode expected state: %w", err)
	}
	return out, nil
}

// matchSubset reports whether actual contains want. Objects match when
// every key of want matches; everything else must be equal. On mismatch
// the dotted path of the first differing value is returned.
func matchSubset(actual, want any, path string) (string, bool) {
	wantMap, ok := want.(map[string]any)
	if !ok {
		return path, reflect.DeepEqual(actual, want)
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return path, false
	}
	for _, k := range ir.SortedKeys(wantMap) {
		if p, ok := matchSubset(actualMap[k], wantMap[k], join(path, k)); !ok {
			return p, false
		}
	}
	return path, true
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, k := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func render(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
