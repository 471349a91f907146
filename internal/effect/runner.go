package effect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/client"
	"github.com/roach88/lockstep/internal/protocol"
)

// Transport carries dispatches to the server authority.
// Implementations report lost requests as NETWORK_FAILURE errors.
type Transport interface {
	Dispatch(ctx context.Context, req protocol.DispatchRequest) (protocol.Reply, error)
	Sync(ctx context.Context, entityID string) (protocol.Snapshot, error)
}

// Runner drives a Machine for one entity.
//
// Thread-safety model:
//   - Enqueue, Dispatch, State: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// All state transitions happen in the Run goroutine. Transport calls run in
// their own goroutines and post their outcome back as events.
type Runner struct {
	entityID  string
	machine   Machine
	transport Transport
	ids       IDGenerator
	queue     *eventQueue
	logger    *slog.Logger
	tick      time.Duration
	onChange  func(State)

	mu    sync.RWMutex
	state State

	// waiters are Settle calls parked until the state is quiet. Only the
	// Run goroutine touches them.
	waiters []chan State

	inflight sync.WaitGroup
}

// ErrStopped is returned by Settle once the runner no longer accepts events.
var ErrStopped = errors.New("effect runner stopped")

// settleRequest parks a Settle call in the Run goroutine. It never reaches
// Machine.Step.
type settleRequest struct {
	reply chan State
}

func (settleRequest) event() {}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithIDGenerator replaces the UUIDv7 request id generator.
func WithIDGenerator(g IDGenerator) RunnerOption {
	return func(r *Runner) { r.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithTickInterval enqueues a Tick at the given interval while running.
// Zero disables ticking.
func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.tick = d }
}

// WithOnChange registers a callback invoked from the Run goroutine after
// every step. The callback must not block.
func WithOnChange(fn func(State)) RunnerOption {
	return func(r *Runner) { r.onChange = fn }
}

// NewRunner creates a runner for entityID starting from c.
func NewRunner(entityID string, m Machine, t Transport, c client.State, opts ...RunnerOption) *Runner {
	r := &Runner{
		entityID:  entityID,
		machine:   m,
		transport: t,
		ids:       UUIDv7Generator{},
		queue:     newEventQueue(),
		logger:    slog.Default(),
		state:     NewState(c),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue submits an event for processing.
// Returns false if the runner has stopped.
func (r *Runner) Enqueue(ev Event) bool {
	return r.queue.Enqueue(ev)
}

// Dispatch submits a local action and returns its request id.
func (r *Runner) Dispatch(action protocol.Action) string {
	id := r.ids.Generate()
	r.queue.Enqueue(UserAction{ID: id, Action: action})
	return id
}

// State returns the latest orchestrator state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Settle waits until every event submitted before the call has been
// processed and the state is quiet, then returns that state.
func (r *Runner) Settle(ctx context.Context) (State, error) {
	req := settleRequest{reply: make(chan State, 1)}
	if !r.queue.Enqueue(req) {
		return r.State(), ErrStopped
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// Run processes events until ctx is cancelled or Stop is called.
// In-flight transport calls are cancelled and awaited before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("effect runner starting", "entity", r.entityID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.inflight.Wait()
	}()

	if r.tick > 0 {
		go r.ticker(ctx)
	}

	for {
		for {
			ev, ok := r.queue.TryDequeue()
			if !ok {
				break
			}
			if req, ok := ev.(settleRequest); ok {
				r.waiters = append(r.waiters, req.reply)
			} else {
				r.step(ctx, ev)
			}
			r.release()
		}

		select {
		case <-ctx.Done():
			r.logger.Info("effect runner stopping: context cancelled", "entity", r.entityID)
			return ctx.Err()
		case _, ok := <-r.queue.Wait():
			if !ok && r.queue.Len() == 0 {
				r.logger.Info("effect runner stopping: queue closed", "entity", r.entityID)
				return nil
			}
		}
	}
}

// Stop closes the event queue. Run drains what is queued and returns.
func (r *Runner) Stop() {
	r.queue.Close()
}

// release answers parked Settle calls once the state is quiet.
func (r *Runner) release() {
	if len(r.waiters) == 0 {
		return
	}
	s := r.State()
	if !s.Quiet() {
		return
	}
	for _, w := range r.waiters {
		w <- s
	}
	r.waiters = nil
}

func (r *Runner) step(ctx context.Context, ev Event) {
	r.mu.Lock()
	next, cmd := r.machine.Step(r.state, ev)
	r.state = next
	r.mu.Unlock()

	r.logger.Debug("effect step",
		"entity", r.entityID,
		"event", eventName(ev),
		"mode", next.Mode.String(),
		"base_version", next.Client.BaseVersion,
		"pending", len(next.Client.Pending),
	)

	if r.onChange != nil {
		r.onChange(next)
	}

	if send, ok := cmd.(SendDispatch); ok {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.queue.Enqueue(r.execute(ctx, send))
		}()
	}
}

// execute performs one dispatch and converts the outcome to an event.
func (r *Runner) execute(ctx context.Context, cmd SendDispatch) Event {
	reply, err := r.transport.Dispatch(ctx, protocol.DispatchRequest{
		EntityID:    r.entityID,
		RequestID:   cmd.RequestID,
		BaseVersion: cmd.BaseVersion,
		Action:      cmd.Action,
	})
	if err != nil {
		if protocol.IsNetworkFailure(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("dispatch lost", "entity", r.entityID, "request_id", cmd.RequestID, "error", err)
			return NetworkError{Seq: cmd.Seq, Reason: err.Error()}
		}
		r.logger.Error("dispatch failed", "entity", r.entityID, "request_id", cmd.RequestID, "error", err)
		return DispatchFailed{Seq: cmd.Seq, Code: protocol.CodeOf(err), Reason: err.Error()}
	}

	// A rejection that never reached the entity carries no snapshot;
	// fetch one so the client can drop the head and reconcile exactly.
	if rej, ok := reply.(protocol.Rejected); ok && len(rej.State) == 0 {
		if snap, err := r.transport.Sync(ctx, r.entityID); err == nil {
			rej.Version, rej.State = snap.Version, snap.State
			reply = rej
		} else {
			r.logger.Warn("resync after rejection failed", "entity", r.entityID, "error", err)
		}
	}

	r.logger.Debug("dispatch replied", "entity", r.entityID, "request_id", cmd.RequestID, "status", protocol.Status(reply))
	return ReplyEvent(cmd.Seq, reply)
}

func (r *Runner) ticker(ctx context.Context) {
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !r.queue.Enqueue(Tick{}) {
				return
			}
		}
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case UserAction:
		return "UserAction"
	case DispatchAccepted:
		return "DispatchAccepted"
	case DispatchConflict:
		return "DispatchConflict"
	case DispatchRejected:
		return "DispatchRejected"
	case DispatchFailed:
		return "DispatchFailed"
	case NetworkError:
		return "NetworkError"
	case NetworkRestored:
		return "NetworkRestored"
	case ManualGoOffline:
		return "ManualGoOffline"
	case ManualGoOnline:
		return "ManualGoOnline"
	case Tick:
		return "Tick"
	case RealtimeUpdate:
		return "RealtimeUpdate"
	default:
		return "unknown"
	}
}
