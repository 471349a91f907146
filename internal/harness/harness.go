package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/client"
	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/effect"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios against a real authority and coordinator with a
// deterministic clock and sequential request ids.
type Harness struct {
	store       *store.Store
	authority   *authority.Authority
	coordinator *coordinator.Coordinator
	machine     effect.Machine
	clients     map[string]*clientRun
	result      *Result
	logger      *slog.Logger
}

// clientRun is one synchronously driven effect machine.
type clientRun struct {
	Client
	state effect.State
	ids   *testutil.SequentialIDs
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create entities and dispatch their setup actions
// 2. Sync every client
// 3. Execute steps, checking expect clauses
// 4. Evaluate assertions
//
// The error is non-nil only when the scenario could not be executed; failed
// expectations and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with component logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	clock := testutil.NewDeterministicClock()
	st, err := store.Open(":memory:", store.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	domain := kanban.Domain{}
	machine := effect.NewMachine(domain)
	if scenario.MaxRetries > 0 {
		machine.MaxRetries = scenario.MaxRetries
	}

	h := &Harness{
		store:       st,
		authority:   authority.New(st, domain, authority.WithLogger(logger)),
		coordinator: coordinator.New(st, domain, coordinator.WithLogger(logger)),
		machine:     machine,
		clients:     make(map[string]*clientRun, len(scenario.Clients)),
		result:      NewResult(),
		logger:      logger,
	}

	ctx := context.Background()
	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d failed: %w", i+1, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}

	h.logger.Debug("scenario finished",
		"scenario", scenario.Name,
		"pass", h.result.Pass,
		"events", len(h.result.Trace),
	)
	return h.result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	for _, e := range scenario.Entities {
		snap, err := h.authority.Create(ctx, e.ID, e.Owner)
		if err != nil {
			return fmt.Errorf("create %s: %w", e.ID, err)
		}
		version := snap.Version
		for i, a := range e.Setup {
			action, err := a.Encode()
			if err != nil {
				return fmt.Errorf("%s setup[%d]: %w", e.ID, i, err)
			}
			reply, err := h.authority.Dispatch(ctx, authority.Request{
				EntityID:    e.ID,
				Actor:       e.Owner,
				BaseVersion: version,
				Action:      action,
			})
			if err != nil {
				return fmt.Errorf("%s setup[%d]: %w", e.ID, i, err)
			}
			acc, ok := reply.(protocol.Accepted)
			if !ok {
				return fmt.Errorf("%s setup[%d]: %s", e.ID, i, describe(reply))
			}
			version = acc.Version
		}
	}

	for _, c := range scenario.Clients {
		snap, err := h.authority.Sync(ctx, c.Entity, c.Actor)
		if err != nil {
			return fmt.Errorf("sync client %s: %w", c.Name, err)
		}
		h.clients[c.Name] = &clientRun{
			Client: c,
			state:  effect.NewState(client.Init(snap.Version, snap.State)),
			ids:    testutil.NewSequentialIDs(c.Name),
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step) error {
	switch {
	case step.Dispatch != nil:
		return h.dispatch(ctx, n, *step.Dispatch)
	case step.Multi != nil:
		return h.multi(ctx, n, *step.Multi)
	case step.Client != nil:
		return h.clientStep(ctx, n, *step.Client)
	default:
		return fmt.Errorf("empty step")
	}
}

func (h *Harness) dispatch(ctx context.Context, n int, step DispatchStep) error {
	action, err := step.Action.Encode()
	if err != nil {
		return err
	}
	base := step.Base
	if base == nil {
		rec, err := h.store.Load(ctx, step.Entity)
		if err != nil {
			return err
		}
		base = versionPtr(rec.Version)
	}

	reply, err := h.authority.Dispatch(ctx, authority.Request{
		EntityID:    step.Entity,
		RequestID:   step.RequestID,
		Actor:       step.Actor,
		BaseVersion: *base,
		Action:      action,
	})
	if err != nil {
		return err
	}

	ev := replyEvent(reply)
	ev.Step = n
	ev.Kind = KindDispatch
	ev.Actor = step.Actor
	ev.Entity = step.Entity
	ev.RequestID = step.RequestID
	ev.BaseVersion = base
	h.result.record(ev)

	h.checkExpect(n, step.Expect, step.Code, ev)
	return nil
}

func (h *Harness) multi(ctx context.Context, n int, step MultiStep) error {
	action, err := step.Action.Encode()
	if err != nil {
		return err
	}
	reply, err := h.coordinator.Dispatch(ctx, coordinator.Request{
		RequestID:    step.RequestID,
		Actor:        step.Actor,
		Action:       action,
		BaseVersions: step.BaseVersions,
	})
	if err != nil {
		return err
	}

	ev := TraceEvent{
		Step:      n,
		Kind:      KindMulti,
		Actor:     step.Actor,
		RequestID: step.RequestID,
		Status:    reply.Status,
		Code:      reply.Code,
		Versions:  reply.Versions,
		Changed:   reply.Changed,
	}
	h.result.record(ev)

	h.checkExpect(n, step.Expect, step.Code, ev)
	return nil
}

func (h *Harness) clientStep(ctx context.Context, n int, step ClientStep) error {
	c := h.clients[step.Name]
	h.result.record(TraceEvent{Step: n, Kind: step.kind(), Client: c.Name})

	var ev effect.Event
	switch {
	case step.Do != nil:
		action, err := step.Do.Encode()
		if err != nil {
			return err
		}
		ev = effect.UserAction{ID: c.ids.Generate(), Action: action}
	case step.Offline:
		ev = effect.ManualGoOffline{}
	case step.Online:
		ev = effect.ManualGoOnline{}
	case step.Realtime:
		snap, err := h.authority.Sync(ctx, c.Entity, c.Actor)
		if err != nil {
			return err
		}
		ev = effect.RealtimeUpdate{Version: snap.Version, State: snap.State}
	case step.Tick:
		ev = effect.Tick{}
	}
	return h.drive(ctx, n, c, ev)
}

// drive steps the client's machine, executing every dispatch it asks for
// until it settles.
func (h *Harness) drive(ctx context.Context, n int, c *clientRun, ev effect.Event) error {
	for ev != nil {
		next, cmd := h.machine.Step(c.state, ev)
		c.state = next

		send, ok := cmd.(effect.SendDispatch)
		if !ok {
			return nil
		}
		var err error
		ev, err = h.send(ctx, n, c, send)
		if err != nil {
			return err
		}
	}
	return nil
}

// send performs one client dispatch and converts the outcome to an event.
func (h *Harness) send(ctx context.Context, n int, c *clientRun, cmd effect.SendDispatch) (effect.Event, error) {
	reply, err := h.authority.Dispatch(ctx, authority.Request{
		EntityID:    c.Entity,
		RequestID:   cmd.RequestID,
		Actor:       c.Actor,
		BaseVersion: cmd.BaseVersion,
		Action:      cmd.Action,
	})
	if err != nil {
		h.result.record(TraceEvent{
			Step:        n,
			Kind:        KindClientDispatch,
			Client:      c.Name,
			Entity:      c.Entity,
			RequestID:   cmd.RequestID,
			BaseVersion: versionPtr(cmd.BaseVersion),
			Code:        protocol.CodeOf(err),
		})
		return effect.DispatchFailed{Seq: cmd.Seq, Code: protocol.CodeOf(err), Reason: err.Error()}, nil
	}

	ev := replyEvent(reply)
	ev.Step = n
	ev.Kind = KindClientDispatch
	ev.Client = c.Name
	ev.Entity = c.Entity
	ev.RequestID = cmd.RequestID
	ev.BaseVersion = versionPtr(cmd.BaseVersion)
	h.result.record(ev)

	// A rejection without a snapshot is reconciled against a fresh sync,
	// the same way the networked runner does it.
	if rej, ok := reply.(protocol.Rejected); ok && len(rej.State) == 0 {
		snap, err := h.authority.Sync(ctx, c.Entity, c.Actor)
		if err != nil {
			return nil, err
		}
		rej.Version, rej.State = snap.Version, snap.State
		reply = rej
	}
	return effect.ReplyEvent(cmd.Seq, reply), nil
}

func (h *Harness) checkExpect(n int, status string, code protocol.Code, ev TraceEvent) {
	if status != "" && ev.Status != status {
		h.result.AddError(fmt.Sprintf("step %d: expected %s, got %s (code=%s)", n, status, ev.Status, ev.Code))
	}
	if code != "" && ev.Code != code {
		h.result.AddError(fmt.Sprintf("step %d: expected code %s, got %q", n, code, ev.Code))
	}
}

func replyEvent(reply protocol.Reply) TraceEvent {
	ev := TraceEvent{Status: protocol.Status(reply)}
	snap := reply.Snapshot()
	if len(snap.State) > 0 {
		ev.Version = versionPtr(snap.Version)
	}
	if rej, ok := reply.(protocol.Rejected); ok {
		ev.Code = rej.Code
	}
	return ev
}

func describe(reply protocol.Reply) string {
	if rej, ok := reply.(protocol.Rejected); ok {
		return fmt.Sprintf("%s %s: %s", protocol.Status(reply), rej.Code, rej.Reason)
	}
	return fmt.Sprintf("%s at version %d", protocol.Status(reply), reply.Snapshot().Version)
}
