package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
)

// Request is a multi-entity dispatch with its authenticated actor.
type Request struct {
	RequestID    string
	Actor        string
	Action       protocol.Action
	BaseVersions map[string]protocol.Version
}

// Coordinator serves multi-entity dispatches against the same repository
// the single-entity authority uses.
type Coordinator struct {
	repo        authority.Repository
	domain      protocol.MultiDomain
	broadcaster authority.Broadcaster
	logger      *slog.Logger
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBroadcaster publishes one update per changed entity.
func WithBroadcaster(b authority.Broadcaster) Option {
	return func(c *Coordinator) { c.broadcaster = b }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMaxStorageRetries bounds storage-race retries.
func WithMaxStorageRetries(n uint64) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithBackOff replaces the backoff between storage-race retries.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Coordinator) { c.newBackOff = fn }
}

// New creates a coordinator.
func New(repo authority.Repository, d protocol.MultiDomain, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:       repo,
		domain:     d,
		logger:     slog.Default(),
		maxRetries: authority.DefaultMaxStorageRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch serves one multi-entity request.
//
// The reply status follows the single-entity rules: a base version ahead
// of the server is rejected, a stale one conflicts, an authorization or
// domain failure is rejected. The error is non-nil only when no reply can
// be given.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (protocol.MultiReply, error) {
	touched, err := TouchedEntities(c.domain, req.Action)
	if err != nil {
		return rejected(nil, err), nil
	}

	op := func() (protocol.MultiReply, error) {
		reply, err := c.attempt(ctx, req, touched)
		if err == nil || protocol.IsStorageRace(err) {
			return reply, err
		}
		return protocol.MultiReply{}, backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	reply, err := backoff.RetryWithData(op, b)
	if err != nil {
		return protocol.MultiReply{}, err
	}

	c.logger.Debug("multi-dispatch decided",
		"request", req.RequestID,
		"actor", req.Actor,
		"status", reply.Status,
		"touched", touched,
		"changed", reply.Changed,
	)
	return reply, nil
}

type loaded struct {
	versions map[string]protocol.Version
	states   map[string]protocol.State
}

func (c *Coordinator) load(ctx context.Context, ids []string) (loaded, error) {
	l := loaded{
		versions: make(map[string]protocol.Version, len(ids)),
		states:   make(map[string]protocol.State, len(ids)),
	}
	for _, id := range ids {
		rec, err := c.repo.Load(ctx, id)
		if err != nil {
			return loaded{}, err
		}
		l.versions[id] = rec.Version
		l.states[id] = rec.State
	}
	return l, nil
}

func (c *Coordinator) attempt(ctx context.Context, req Request, touched []string) (protocol.MultiReply, error) {
	cur, err := c.load(ctx, touched)
	if err != nil {
		return protocol.MultiReply{}, err
	}

	if req.RequestID != "" {
		for _, id := range touched {
			_, ok, err := c.repo.FindRequest(ctx, id, req.RequestID)
			if err != nil {
				return protocol.MultiReply{}, err
			}
			if ok {
				return protocol.MultiReply{Status: protocol.StatusAccepted, Versions: cur.versions, States: cur.states}, nil
			}
		}
	}

	for _, id := range touched {
		base, pinned := req.BaseVersions[id]
		if !pinned {
			continue
		}
		if base > cur.versions[id] {
			return rejected(&cur, protocol.Errorf(protocol.CodeFutureBaseVersion,
				"base version %d is ahead of server version %d", base, cur.versions[id]).ForEntity(id)), nil
		}
		if base < cur.versions[id] {
			return protocol.MultiReply{Status: protocol.StatusConflict, Versions: cur.versions, States: cur.states}, nil
		}
	}

	if err := CheckAuthorization(c.domain, cur.states, req.Actor, req.Action); err != nil {
		return rejected(&cur, err), nil
	}
	next, err := TryMultiStep(c.domain, cur.states, req.Action)
	if err != nil {
		return rejected(&cur, err), nil
	}

	changed := ChangedEntities(cur.states, next)
	commits := make([]store.Commit, 0, len(changed))
	versions := make(map[string]protocol.Version, len(touched))
	for _, id := range touched {
		versions[id] = cur.versions[id]
	}
	for _, id := range changed {
		digest, err := ir.StateDigest(next[id])
		if err != nil {
			return rejected(&cur, protocol.Wrap(protocol.CodeDomainInvalid, err).ForEntity(id)), nil
		}
		entityAction, err := c.domain.EntityAction(cur.states, id, req.Action)
		if err != nil {
			return rejected(&cur, err), nil
		}
		v := cur.versions[id] + 1
		versions[id] = v
		commits = append(commits, store.Commit{
			EntityID: id,
			Expected: cur.versions[id],
			Version:  v,
			State:    next[id],
			Audit: protocol.AuditEntry{
				Version:     v,
				Actor:       req.Actor,
				RequestID:   req.RequestID,
				Action:      entityAction,
				StateDigest: digest,
			},
		})
	}

	if err := c.repo.Commit(ctx, commits...); err != nil {
		if protocol.IsStorageRace(err) {
			c.logger.Debug("storage race, retrying multi-dispatch", "request", req.RequestID)
		}
		return protocol.MultiReply{}, err
	}

	for _, id := range changed {
		c.publish(ctx, id, protocol.Snapshot{Version: versions[id], State: next[id]})
	}
	if len(changed) > 0 {
		c.logger.Info("multi-action accepted", "actor", req.Actor, "changed", changed)
	}
	return protocol.MultiReply{
		Status:   protocol.StatusAccepted,
		Versions: versions,
		States:   next,
		Changed:  changed,
	}, nil
}

func (c *Coordinator) publish(ctx context.Context, id string, snap protocol.Snapshot) {
	if c.broadcaster == nil {
		return
	}
	if err := c.broadcaster.Publish(ctx, id, snap); err != nil {
		c.logger.Warn("realtime publish failed", "entity", id, "version", snap.Version, "error", err)
	}
}

func rejected(cur *loaded, err error) protocol.MultiReply {
	code := protocol.CodeOf(err)
	if code == "" {
		code = protocol.CodeDomainInvalid
	}
	r := protocol.MultiReply{Status: protocol.StatusRejected, Code: code, Reason: err.Error()}
	if cur != nil {
		r.Versions = cur.versions
		r.States = cur.states
	}
	return r
}
