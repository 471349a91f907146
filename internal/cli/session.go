package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/api"
	"github.com/roach88/lockstep/internal/client"
	"github.com/roach88/lockstep/internal/effect"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/realtime"
)

// SessionOptions holds flags for the session command.
type SessionOptions struct {
	ClientOptions
	Tick  time.Duration
	Drain time.Duration
}

// NewSessionCommand creates the session command.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "session <id>",
		Short: "Edit a board with optimistic local state",
		Long: `Open an editing session on a board.

The session reads one action per line from stdin, applies it locally at once
and sends it to the server in order, one at a time. Conflicts are rebased
and retried; realtime pushes from other members are folded in as they
arrive. While offline, actions keep queueing and are sent on reconnect.

Lines starting with ':' are session commands:
  :offline  stop talking to the server
  :online   reconnect and send what queued up
  :quit     end the session

At end of input the session waits up to --drain for queued actions.

Exit codes:
  0 - Every action reached the server
  1 - Actions left unsent, or the server revoked access
  2 - Command error (bad arguments, missing token, etc.)

Example:
  echo '{"type":"AddColumn","col":"Todo","limit":3}' | lockstep session team-board`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, args[0], cmd)
		},
	}
	addClientFlags(cmd, &opts.ClientOptions)
	cmd.Flags().DurationVar(&opts.Tick, "tick", 2*time.Second, "retry interval for queued actions")
	cmd.Flags().DurationVar(&opts.Drain, "drain", 10*time.Second, "how long to wait for queued actions at end of input")
	return cmd
}

func runSession(opts *SessionOptions, id string, cmd *cobra.Command) error {
	if opts.Tick <= 0 {
		return NewExitError(ExitCommandError, "--tick must be positive")
	}
	c, err := opts.apiClient()
	if err != nil {
		return err
	}
	f := newFormatter(cmd, opts.RootOptions)
	logger, err := newLogger(f.GetErrWriter(), opts.Verbose, "warn")
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	snap, err := c.Sync(ctx, id)
	if err != nil {
		return reportError(f, "sync failed", err)
	}
	stream, err := realtime.Dial(ctx, c.RealtimeURL(id), c.Token())
	if err != nil {
		return reportError(f, "subscribe failed", err)
	}
	f.VerboseLog("session on %s at version %d", id, snap.Version)

	view := &sessionView{f: f, entityID: id}
	runner := effect.NewRunner(id, effect.NewMachine(kanban.Domain{}), c, client.Init(snap.Version, snap.State),
		effect.WithLogger(logger),
		effect.WithTickInterval(opts.Tick),
		effect.WithOnChange(view.show),
	)
	view.show(runner.State())

	s := &session{
		id:     id,
		client: c,
		runner: runner,
		view:   view,
		logger: logger,
		tick:   opts.Tick,
		drain:  opts.Drain,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.follow(gctx, stream)
	})
	g.Go(func() error {
		defer cancel()
		return s.drive(gctx, cmd.InOrStdin())
	})
	runErr := g.Wait()

	final := runner.State()
	view.final(final)
	if runErr != nil {
		return reportError(f, "session ended", runErr)
	}
	if n := len(final.Client.Pending); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d actions not sent", n))
	}
	return nil
}

// session connects one Runner to the server and to its input.
type session struct {
	id     string
	client *api.Client
	runner *effect.Runner
	view   *sessionView
	logger *slog.Logger
	tick   time.Duration
	drain  time.Duration

	// manual is set while the user asked to stay offline.
	manual atomic.Bool
}

// drive turns input lines into runner events. At end of input it waits for
// the runner to settle.
func (s *session) drive(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return s.settle(ctx)
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case ":offline":
				s.manual.Store(true)
				s.runner.Enqueue(effect.ManualGoOffline{})
			case ":online":
				s.manual.Store(false)
				s.runner.Enqueue(effect.ManualGoOnline{})
			case ":quit":
				return s.settle(ctx)
			default:
				action, err := ir.Canonicalize([]byte(line))
				if err != nil {
					s.view.warn("invalid action %q: %v", line, err)
					continue
				}
				reqID := s.runner.Dispatch(action)
				s.logger.Debug("action queued", "entity", s.id, "request_id", reqID)
			}
		}
	}
}

func (s *session) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.drain)
	defer cancel()
	if _, err := s.runner.Settle(ctx); err != nil {
		s.logger.Warn("queued actions did not settle", "entity", s.id, "error", err)
	}
	return nil
}

// follow forwards realtime pushes to the runner. A lost stream takes the
// runner offline until it is redialled; a revoked one ends the session.
func (s *session) follow(ctx context.Context, stream *realtime.Stream) error {
	defer func() { stream.Close() }()

	check := time.NewTicker(s.tick)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-stream.Updates():
			if ok {
				s.runner.Enqueue(effect.RealtimeUpdate{Version: u.Version, State: u.State})
				continue
			}
			err := stream.Err()
			if protocol.IsUnauthorized(err) {
				return err
			}
			s.logger.Warn("realtime stream lost", "entity", s.id, "error", err)
			s.runner.Enqueue(effect.NetworkError{Reason: fmt.Sprint(err)})
			next, err := s.redial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			stream = next
			if !s.manual.Load() {
				s.runner.Enqueue(effect.NetworkRestored{})
			}
		case <-check.C:
			// A dispatch that hit the network takes the runner offline while
			// the stream may still be up; come back once the server answers.
			if s.manual.Load() || s.runner.State().Online() {
				continue
			}
			if _, err := s.client.Sync(ctx, s.id); err == nil {
				s.runner.Enqueue(effect.NetworkRestored{})
			}
		}
	}
}

func (s *session) redial(ctx context.Context) (*realtime.Stream, error) {
	op := func() (*realtime.Stream, error) {
		stream, err := realtime.Dial(ctx, s.client.RealtimeURL(s.id), s.client.Token())
		if err != nil && !protocol.IsNetworkFailure(err) {
			return nil, backoff.Permanent(err)
		}
		return stream, err
	}
	return backoff.RetryWithData(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

// SessionStatus is one line of session output.
type SessionStatus struct {
	EntityID string           `json:"entityId"`
	Version  protocol.Version `json:"version"`
	Pending  int              `json:"pending"`
	Mode     string           `json:"mode"`
	Problem  *SessionProblem  `json:"problem,omitempty"`
	State    protocol.State   `json:"state"`
}

// SessionProblem is the last failure surfaced by the session.
type SessionProblem struct {
	Code      protocol.Code `json:"code"`
	Reason    string        `json:"reason"`
	RequestID string        `json:"requestId,omitempty"`
}

// sessionView prints runner state changes. show runs on the runner
// goroutine, warn on the input goroutine.
type sessionView struct {
	f        *OutputFormatter
	entityID string

	mu      sync.Mutex
	last    *SessionStatus
	problem *effect.Problem
}

func (v *sessionView) status(s effect.State) SessionStatus {
	st := SessionStatus{
		EntityID: v.entityID,
		Version:  s.Client.BaseVersion,
		Pending:  len(s.Client.Pending),
		Mode:     s.Mode.String(),
		State:    s.Client.Present,
	}
	if s.Problem != nil {
		st.Problem = &SessionProblem{Code: s.Problem.Code, Reason: s.Problem.Reason, RequestID: s.Problem.RequestID}
	}
	return st
}

func (v *sessionView) show(s effect.State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := v.status(s)
	if v.last != nil && v.last.Version == st.Version && v.last.Pending == st.Pending &&
		v.last.Mode == st.Mode && ir.Equal(v.last.State, st.State) && s.Problem == v.problem {
		return
	}
	fresh := s.Problem != nil && s.Problem != v.problem
	v.last, v.problem = &st, s.Problem

	if v.f.JSON() {
		_ = v.f.Success(st)
		return
	}
	if fresh {
		v.f.Warn("%s: %s", s.Problem.Code, s.Problem.Reason)
	}
	v.f.Step("%s @ version %d, %d pending, %s", st.EntityID, st.Version, st.Pending, st.Mode)
}

func (v *sessionView) warn(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.f.JSON() {
		_ = v.f.Error("INVALID_INPUT", fmt.Sprintf(format, args...), nil)
		return
	}
	v.f.Warn(format, args...)
}

func (v *sessionView) final(s effect.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.f.JSON() {
		_ = v.f.Success(v.status(s))
		return
	}
	_ = printSnapshot(v.f, protocol.EntitySnapshot{EntityID: v.entityID, Version: s.Client.BaseVersion, State: s.Client.Present})
}
