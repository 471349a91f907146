package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/testutil"
)

// repository is the contract shared by Store and Memory.
type repository interface {
	Reader
	Create(ctx context.Context, id string, state protocol.State) error
	Commit(ctx context.Context, commits ...Commit) error
	FindRequest(ctx context.Context, id, requestID string) (protocol.AuditEntry, bool, error)
	ListEntities(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

var (
	_ repository = (*Store)(nil)
	_ repository = (*Memory)(nil)
)

// createTestStore creates a temporary SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(dbPath, WithNow(func() time.Time { return fixed }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachRepository runs fn against both implementations.
func forEachRepository(t *testing.T, fn func(t *testing.T, r repository)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, createTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

// incCommit builds the commit that applies Inc(by) to a counter at version
// from with value n.
func incCommit(t *testing.T, id string, from protocol.Version, n, by int64, requestID string) Commit {
	t.Helper()

	next := testutil.CounterState(n + by)
	return Commit{
		EntityID: id,
		Expected: from,
		Version:  from + 1,
		State:    next,
		Audit: protocol.AuditEntry{
			Version:     from + 1,
			Actor:       "alice",
			RequestID:   requestID,
			Action:      testutil.Inc(by),
			StateDigest: ir.MustStateDigest(next),
		},
	}
}
