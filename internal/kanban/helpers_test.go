package kanban

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/protocol"
)

// board builds a state by applying actions to an empty board owned by alice.
func board(t *testing.T, actions ...Action) protocol.State {
	t.Helper()
	state, err := Domain{}.Init("alice")
	require.NoError(t, err)
	for _, a := range actions {
		state, err = Apply(state, MustEncodeAction(a))
		require.NoError(t, err, "setup action %s", a.Type())
	}
	return state
}

func decodeBoard(t *testing.T, state protocol.State) Model {
	t.Helper()
	m, err := Decode(state)
	require.NoError(t, err)
	return m
}
