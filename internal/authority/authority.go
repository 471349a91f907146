package authority

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
)

// DefaultMaxStorageRetries bounds how often a dispatch is retried after a
// failed version compare.
const DefaultMaxStorageRetries = 8

// Repository is the storage the authority needs.
// store.Store and store.Memory both satisfy it.
type Repository interface {
	store.Reader
	Create(ctx context.Context, id string, state protocol.State) error
	Commit(ctx context.Context, commits ...store.Commit) error
	FindRequest(ctx context.Context, id, requestID string) (protocol.AuditEntry, bool, error)
	ListEntities(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Broadcaster fans accepted snapshots out to realtime subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, entityID string, snap protocol.Snapshot) error
	// Evict disconnects every subscriber of a deleted entity.
	Evict(entityID string)
}

// Authority serves dispatches against a repository.
// It is safe for concurrent use; concurrent writers are serialized by the
// repository's version compare.
type Authority struct {
	repo        Repository
	domain      protocol.Domain
	broadcaster Broadcaster
	logger      *slog.Logger
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
}

// Option configures an Authority.
type Option func(*Authority)

// WithBroadcaster publishes accepted snapshots to b.
func WithBroadcaster(b Broadcaster) Option {
	return func(a *Authority) { a.broadcaster = b }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// WithMaxStorageRetries bounds storage-race retries.
func WithMaxStorageRetries(n uint64) Option {
	return func(a *Authority) { a.maxRetries = n }
}

// WithBackOff replaces the exponential backoff between storage-race
// retries. Tests use backoff.ZeroBackOff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(a *Authority) { a.newBackOff = fn }
}

// New creates an authority for one domain.
func New(repo Repository, d protocol.Domain, opts ...Option) *Authority {
	a := &Authority{
		repo:       repo,
		domain:     d,
		logger:     slog.Default(),
		maxRetries: DefaultMaxStorageRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Domain returns the domain the authority serves.
func (a *Authority) Domain() protocol.Domain { return a.domain }

// Repository returns the underlying repository.
func (a *Authority) Repository() Repository { return a.repo }

// Create makes a new entity owned by owner at version 0.
func (a *Authority) Create(ctx context.Context, id, owner string) (protocol.Snapshot, error) {
	if id == "" {
		return protocol.Snapshot{}, protocol.Errorf(protocol.CodeDomainInvalid, "entity id is required")
	}
	state, err := a.domain.Init(owner)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("init entity %s: %w", id, err)
	}
	if err := a.repo.Create(ctx, id, state); err != nil {
		return protocol.Snapshot{}, err
	}
	a.logger.Info("entity created", "entity", id, "owner", owner)
	return protocol.Snapshot{Version: 0, State: state}, nil
}

// Dispatch serves one request.
//
// The returned reply is the client-visible outcome. The error is non-nil
// only when no reply can be given: unknown entity, storage failure, or
// storage races beyond the retry budget.
func (a *Authority) Dispatch(ctx context.Context, req Request) (protocol.Reply, error) {
	var attempts int
	op := func() (protocol.Reply, error) {
		attempts++
		reply, err := a.attempt(ctx, req)
		if err == nil || protocol.IsStorageRace(err) {
			return reply, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), a.maxRetries), ctx)
	reply, err := backoff.RetryWithData(op, b)
	if err != nil {
		if protocol.IsStorageRace(err) {
			a.logger.Error("storage race retries exhausted",
				"entity", req.EntityID, "request", req.RequestID, "attempts", attempts)
		}
		return nil, err
	}

	a.logger.Debug("dispatch decided",
		"entity", req.EntityID,
		"request", req.RequestID,
		"actor", req.Actor,
		"status", protocol.Status(reply),
		"version", reply.Snapshot().Version,
		"attempts", attempts,
	)
	return reply, nil
}

// attempt runs one read-decide-commit cycle.
func (a *Authority) attempt(ctx context.Context, req Request) (protocol.Reply, error) {
	rec, err := a.repo.Load(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}

	// A request id already in the log means an earlier attempt landed and
	// its reply was lost.
	if _, ok, err := a.repo.FindRequest(ctx, req.EntityID, req.RequestID); err != nil {
		return nil, err
	} else if ok {
		return protocol.Accepted{Version: rec.Version, State: rec.State}, nil
	}

	current := ServerState{Version: rec.Version, Present: rec.State}
	next, reply := Dispatch(current, req, a.domain)
	if _, ok := reply.(protocol.Accepted); !ok {
		return reply, nil
	}

	entry := next.AuditLog[len(next.AuditLog)-1]
	err = a.repo.Commit(ctx, store.Commit{
		EntityID: req.EntityID,
		Expected: current.Version,
		Version:  next.Version,
		State:    next.Present,
		Audit:    entry,
	})
	if err != nil {
		if protocol.IsStorageRace(err) {
			a.logger.Debug("storage race, retrying", "entity", req.EntityID, "request", req.RequestID)
		}
		return nil, err
	}

	a.logger.Info("action accepted",
		"entity", req.EntityID, "version", next.Version, "actor", req.Actor)
	a.publish(ctx, req.EntityID, protocol.Snapshot{Version: next.Version, State: next.Present})
	return reply, nil
}

func (a *Authority) publish(ctx context.Context, id string, snap protocol.Snapshot) {
	if a.broadcaster == nil {
		return
	}
	if err := a.broadcaster.Publish(ctx, id, snap); err != nil {
		a.logger.Warn("realtime publish failed", "entity", id, "version", snap.Version, "error", err)
	}
}

// Sync returns the current snapshot if actor may observe the entity.
func (a *Authority) Sync(ctx context.Context, id, actor string) (protocol.Snapshot, error) {
	rec, err := a.observe(ctx, id, actor)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return protocol.Snapshot{Version: rec.Version, State: rec.State}, nil
}

// Audit returns the audit log if actor may observe the entity.
func (a *Authority) Audit(ctx context.Context, id, actor string) ([]protocol.AuditEntry, error) {
	if _, err := a.observe(ctx, id, actor); err != nil {
		return nil, err
	}
	return a.repo.AuditLog(ctx, id)
}

// CanObserve reports whether actor may read or subscribe to the entity.
func (a *Authority) CanObserve(ctx context.Context, id, actor string) (bool, error) {
	_, err := a.observe(ctx, id, actor)
	if protocol.IsUnauthorized(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the entity if the domain allows actor to.
func (a *Authority) Delete(ctx context.Context, id, actor string) error {
	rec, err := a.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	if !a.domain.CanDelete(rec.State, actor) {
		return protocol.Errorf(protocol.CodeUnauthorized, "%s may not delete this entity", actor).ForEntity(id)
	}
	if err := a.repo.Delete(ctx, id); err != nil {
		return err
	}
	if a.broadcaster != nil {
		a.broadcaster.Evict(id)
	}
	a.logger.Info("entity deleted", "entity", id, "actor", actor)
	return nil
}

// Replay re-derives the entity from its audit log and verifies every
// recorded digest.
func (a *Authority) Replay(ctx context.Context, id string) (store.ReplayResult, error) {
	return store.Replay(ctx, a.repo, id, a.domain)
}

func (a *Authority) observe(ctx context.Context, id, actor string) (store.Record, error) {
	rec, err := a.repo.Load(ctx, id)
	if err != nil {
		return store.Record{}, err
	}
	if !a.domain.CanObserve(rec.State, actor) {
		return store.Record{}, protocol.Errorf(protocol.CodeUnauthorized, "%s may not observe this entity", actor).ForEntity(id)
	}
	return rec, nil
}
