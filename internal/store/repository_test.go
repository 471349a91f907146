package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/testutil"
)

func TestRepository_CreateAndLoad(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))

		rec, err := r.Load(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "b1", rec.ID)
		assert.Equal(t, protocol.Version(0), rec.Version)
		assert.JSONEq(t, `{"n":0}`, string(rec.State))
		assert.JSONEq(t, `{"n":0}`, string(rec.InitialState))

		err = r.Create(ctx, "b1", testutil.CounterState(0))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})
}

func TestRepository_LoadUnknown(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		_, err := r.Load(context.Background(), "missing")
		assert.True(t, protocol.IsNotFound(err))

		_, err = r.AuditLog(context.Background(), "missing")
		assert.True(t, protocol.IsNotFound(err))
	})
}

func TestRepository_CommitAdvancesVersion(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b1", 0, 0, 2, "r1")))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b1", 1, 2, 3, "")))

		rec, err := r.Load(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, protocol.Version(2), rec.Version)
		assert.Equal(t, int64(5), testutil.CounterValue(rec.State))
		assert.JSONEq(t, `{"n":0}`, string(rec.InitialState))

		log, err := r.AuditLog(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, protocol.Version(1), log[0].Version)
		assert.Equal(t, "r1", log[0].RequestID)
		assert.Equal(t, "alice", log[0].Actor)
		assert.Equal(t, protocol.Version(2), log[1].Version)
		assert.Empty(t, log[1].RequestID)
	})
}

func TestRepository_StaleCommitIsRace(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b1", 0, 0, 1, "")))

		err := r.Commit(ctx, incCommit(t, "b1", 0, 0, 5, ""))
		assert.True(t, protocol.IsStorageRace(err))

		rec, err := r.Load(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), testutil.CounterValue(rec.State))
	})
}

func TestRepository_CommitUnknownEntity(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		err := r.Commit(context.Background(), incCommit(t, "ghost", 0, 0, 1, ""))
		assert.True(t, protocol.IsNotFound(err))
	})
}

func TestRepository_MultiCommitIsAtomic(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "a", testutil.CounterState(0)))
		require.NoError(t, r.Create(ctx, "b", testutil.CounterState(0)))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b", 0, 0, 1, "")))

		// a is current, b is stale: neither may change.
		err := r.Commit(ctx,
			incCommit(t, "a", 0, 0, 10, ""),
			incCommit(t, "b", 0, 0, 10, ""),
		)
		assert.True(t, protocol.IsStorageRace(err))

		recA, err := r.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, protocol.Version(0), recA.Version)
		logA, err := r.AuditLog(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, logA)

		require.NoError(t, r.Commit(ctx,
			incCommit(t, "a", 0, 0, 10, "m1"),
			incCommit(t, "b", 1, 1, 10, "m1"),
		))
		recB, err := r.Load(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(11), testutil.CounterValue(recB.State))
	})
}

func TestRepository_DuplicateRequestIsRace(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b1", 0, 0, 1, "r1")))

		err := r.Commit(ctx, incCommit(t, "b1", 1, 1, 1, "r1"))
		assert.True(t, protocol.IsStorageRace(err))
	})
}

func TestRepository_FindRequest(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))
		require.NoError(t, r.Commit(ctx, incCommit(t, "b1", 0, 0, 4, "r1")))

		e, ok, err := r.FindRequest(ctx, "b1", "r1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, protocol.Version(1), e.Version)
		assert.JSONEq(t, string(testutil.Inc(4)), string(e.Action))

		_, ok, err = r.FindRequest(ctx, "b1", "r2")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = r.FindRequest(ctx, "b1", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRepository_ListAndDelete(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, r.Create(ctx, id, testutil.CounterState(0)))
		}

		ids, err := r.ListEntities(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		require.NoError(t, r.Delete(ctx, "b"))
		assert.True(t, protocol.IsNotFound(r.Delete(ctx, "b")))

		_, err = r.Load(ctx, "b")
		assert.True(t, protocol.IsNotFound(err))
	})
}

// Concurrent writers reading the same version: exactly one compare wins.
func TestRepository_ConcurrentCommitsOneWins(t *testing.T) {
	forEachRepository(t, func(t *testing.T, r repository) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, "b1", testutil.CounterState(0)))

		var (
			wg     sync.WaitGroup
			wins   atomic.Int32
			races  atomic.Int32
			others atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := r.Commit(ctx, incCommit(t, "b1", 0, 0, 1, ""))
				switch {
				case err == nil:
					wins.Add(1)
				case protocol.IsStorageRace(err):
					races.Add(1)
				default:
					others.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), races.Load())
		assert.Zero(t, others.Load())
	})
}
