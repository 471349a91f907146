package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/store"
)

type recorder struct {
	mu      sync.Mutex
	updates map[string][]protocol.Version
}

func (r *recorder) Publish(_ context.Context, id string, snap protocol.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updates == nil {
		r.updates = make(map[string][]protocol.Version)
	}
	r.updates[id] = append(r.updates[id], snap.Version)
	return nil
}

func (r *recorder) Evict(string) {}

type fixture struct {
	repo *store.Memory
	auth *authority.Authority
	coor *Coordinator
	rec  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: store.NewMemory(), rec: &recorder{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	zero := func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	f.auth = authority.New(f.repo, kanban.Domain{}, authority.WithLogger(logger), authority.WithBackOff(zero))
	f.coor = New(f.repo, kanban.Domain{}, WithBroadcaster(f.rec), WithLogger(logger), WithBackOff(zero))
	return f
}

// seed creates a board owned by alice and applies actions to it.
func (f *fixture) seed(t *testing.T, id string, actions ...kanban.Action) {
	t.Helper()
	ctx := context.Background()
	_, err := f.auth.Create(ctx, id, "alice")
	require.NoError(t, err)
	for i, a := range actions {
		reply, err := f.auth.Dispatch(ctx, authority.Request{
			EntityID:    id,
			Actor:       "alice",
			BaseVersion: protocol.Version(i),
			Action:      kanban.MustEncodeAction(a),
		})
		require.NoError(t, err)
		require.IsType(t, protocol.Accepted{}, reply)
	}
}

func (f *fixture) version(t *testing.T, id string) protocol.Version {
	t.Helper()
	rec, err := f.repo.Load(context.Background(), id)
	require.NoError(t, err)
	return rec.Version
}

func moveAction() protocol.Action {
	return kanban.MustEncodeMultiAction(kanban.MoveCardTo{Src: "src", Dst: "dst", Card: 1, ToCol: "done"})
}

func TestDispatch_MoveAcrossBoards(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5}, kanban.AddCard{Col: "todo", Title: "ship"})
	f.seed(t, "dst", kanban.AddColumn{Col: "done", Limit: 5})

	reply, err := f.coor.Dispatch(context.Background(), Request{
		RequestID:    "m1",
		Actor:        "alice",
		Action:       moveAction(),
		BaseVersions: map[string]protocol.Version{"src": 2, "dst": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, reply.Status)
	assert.Equal(t, []string{"dst", "src"}, reply.Changed)
	assert.Equal(t, map[string]protocol.Version{"src": 3, "dst": 2}, reply.Versions)

	assert.Equal(t, protocol.Version(3), f.version(t, "src"))
	assert.Equal(t, protocol.Version(2), f.version(t, "dst"))
	assert.Equal(t, []protocol.Version{3}, f.rec.updates["src"])
	assert.Equal(t, []protocol.Version{2}, f.rec.updates["dst"])

	log, err := f.repo.AuditLog(context.Background(), "dst")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "m1", log[1].RequestID)
	assert.JSONEq(t, `{"type":"AddCard","col":"done","title":"ship","place":{"type":"AtEnd"}}`, string(log[1].Action))

	for _, id := range []string{"src", "dst"} {
		_, err := f.auth.Replay(context.Background(), id)
		assert.NoError(t, err, "replay %s", id)
	}

	dst, err := kanban.Decode(reply.States["dst"])
	require.NoError(t, err)
	assert.Equal(t, "ship", dst.Cards[1].Title)
}

func TestDispatch_UnauthorizedOnOneBoardChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5}, kanban.AddCard{Col: "todo", Title: "ship"}, kanban.InviteMember{User: "bob"})
	f.seed(t, "dst", kanban.AddColumn{Col: "done", Limit: 5})

	reply, err := f.coor.Dispatch(context.Background(), Request{Actor: "bob", Action: moveAction()})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRejected, reply.Status)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Code)

	assert.Equal(t, protocol.Version(3), f.version(t, "src"))
	assert.Equal(t, protocol.Version(1), f.version(t, "dst"))
	assert.Empty(t, f.rec.updates)
}

func TestDispatch_DomainFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5}, kanban.AddCard{Col: "todo", Title: "ship"})
	f.seed(t, "dst", kanban.AddColumn{Col: "done", Limit: 0})

	reply, err := f.coor.Dispatch(context.Background(), Request{Actor: "alice", Action: moveAction()})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRejected, reply.Status)
	assert.Equal(t, protocol.CodeDomainInvalid, reply.Code)
	assert.Equal(t, protocol.Version(2), f.version(t, "src"))
}

func TestDispatch_BaseVersions(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5}, kanban.AddCard{Col: "todo", Title: "ship"})
	f.seed(t, "dst", kanban.AddColumn{Col: "done", Limit: 5})
	ctx := context.Background()

	reply, err := f.coor.Dispatch(ctx, Request{Actor: "alice", Action: moveAction(),
		BaseVersions: map[string]protocol.Version{"src": 1}})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusConflict, reply.Status)
	assert.Equal(t, protocol.Version(2), reply.Versions["src"])

	reply, err = f.coor.Dispatch(ctx, Request{Actor: "alice", Action: moveAction(),
		BaseVersions: map[string]protocol.Version{"dst": 9}})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRejected, reply.Status)
	assert.Equal(t, protocol.CodeFutureBaseVersion, reply.Code)

	assert.Equal(t, protocol.Version(2), f.version(t, "src"))
}

func TestDispatch_RequestIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5}, kanban.AddCard{Col: "todo", Title: "ship"})
	f.seed(t, "dst", kanban.AddColumn{Col: "done", Limit: 5})
	ctx := context.Background()

	req := Request{RequestID: "m1", Actor: "alice", Action: moveAction()}
	_, err := f.coor.Dispatch(ctx, req)
	require.NoError(t, err)
	again, err := f.coor.Dispatch(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusAccepted, again.Status)
	assert.Empty(t, again.Changed)
	assert.Equal(t, protocol.Version(3), f.version(t, "src"))
}

func TestDispatch_UnknownEntity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src", kanban.AddColumn{Col: "todo", Limit: 5})

	_, err := f.coor.Dispatch(context.Background(), Request{Actor: "alice", Action: moveAction()})
	assert.True(t, protocol.IsNotFound(err))
}

func TestDispatch_SingleNoOpCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "src")

	reply, err := f.coor.Dispatch(context.Background(), Request{Actor: "alice",
		Action: kanban.MustEncodeMultiAction(kanban.Single{Entity: "src", Action: kanban.MustEncodeAction(kanban.NoOp{})})})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, reply.Status)
	assert.Empty(t, reply.Changed)
	assert.Equal(t, protocol.Version(0), f.version(t, "src"))
}
