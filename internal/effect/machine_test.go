package effect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/client"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/testutil"
)

func newMachine() Machine {
	return NewMachine(testutil.Counter{})
}

func idle(version protocol.Version, n int64) State {
	return NewState(client.Init(version, testutil.CounterState(n)))
}

// run feeds events through Step and returns the final state and every
// command emitted along the way.
func run(m Machine, s State, events ...Event) (State, []Command) {
	var cmds []Command
	for _, ev := range events {
		var cmd Command
		s, cmd = m.Step(s, ev)
		cmds = append(cmds, cmd)
	}
	return s, cmds
}

func TestStep_UserActionWhenIdleSends(t *testing.T) {
	s, cmd := newMachine().Step(idle(5, 0), UserAction{ID: "a", Action: testutil.Inc(1)})

	assert.Equal(t, ModeDispatching, s.Mode)
	assert.Equal(t, int64(1), testutil.CounterValue(s.Client.Present))
	send, ok := cmd.(SendDispatch)
	require.True(t, ok)
	assert.Equal(t, uint64(1), send.Seq)
	assert.Equal(t, "a", send.RequestID)
	assert.Equal(t, protocol.Version(5), send.BaseVersion)
}

func TestStep_UserActionWhileDispatchingOnlyQueues(t *testing.T) {
	s, cmds := run(newMachine(), idle(0, 0),
		UserAction{ID: "a", Action: testutil.Inc(1)},
		UserAction{ID: "b", Action: testutil.Inc(2)},
	)

	assert.IsType(t, SendDispatch{}, cmds[0])
	assert.Equal(t, NoOp{}, cmds[1], "at most one dispatch in flight")
	assert.Len(t, s.Client.Pending, 2)
	assert.Equal(t, int64(3), testutil.CounterValue(s.Client.Present))
}

func TestStep_UserActionOfflineOnlyQueues(t *testing.T) {
	s := idle(0, 0)
	s.Mode = ModeOffline

	s, cmd := newMachine().Step(s, UserAction{ID: "a", Action: testutil.Inc(1)})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, ModeOffline, s.Mode)
	assert.Len(t, s.Client.Pending, 1)
}

func TestStep_UserActionDomainFailureSurfacesProblem(t *testing.T) {
	s, cmd := newMachine().Step(idle(0, 0), UserAction{ID: "bad", Action: testutil.Fail()})

	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, ModeIdle, s.Mode)
	assert.False(t, s.Client.HasPending())
	require.NotNil(t, s.Problem)
	assert.Equal(t, protocol.CodeDomainInvalid, s.Problem.Code)
}

func TestStep_FIFODrain(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(0, 0),
		UserAction{ID: "a1", Action: testutil.Inc(1)},
		UserAction{ID: "a2", Action: testutil.Inc(2)},
		UserAction{ID: "a3", Action: testutil.Inc(3)},
	)
	require.IsType(t, SendDispatch{}, cmds[0])

	var sent []string
	server := testutil.CounterState(0)
	version := protocol.Version(0)
	cmd := cmds[0]
	for {
		send, ok := cmd.(SendDispatch)
		if !ok {
			break
		}
		sent = append(sent, send.RequestID)
		require.Equal(t, version, send.BaseVersion, "each send is based on the last accepted version")

		var err error
		server, err = testutil.Counter{}.Apply(server, send.Action)
		require.NoError(t, err)
		version++
		s, cmd = m.Step(s, DispatchAccepted{Seq: send.Seq, Version: version, State: server})
	}

	assert.Equal(t, []string{"a1", "a2", "a3"}, sent)
	assert.Equal(t, ModeIdle, s.Mode)
	assert.False(t, s.Client.HasPending())
	assert.Equal(t, string(server), string(s.Client.Present))
	assert.Equal(t, protocol.Version(3), s.Client.BaseVersion)
}

func TestStep_ConflictRebasesAndRetries(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(5, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	first := cmds[0].(SendDispatch)

	s, cmd := m.Step(s, DispatchConflict{Seq: first.Seq, Version: 6, State: testutil.CounterState(10)})

	retry, ok := cmd.(SendDispatch)
	require.True(t, ok)
	assert.Equal(t, "a", retry.RequestID, "the same action is retried")
	assert.Equal(t, protocol.Version(6), retry.BaseVersion)
	assert.Greater(t, retry.Seq, first.Seq)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, int64(11), testutil.CounterValue(s.Client.Present))
}

func TestStep_ConflictRetriesAreBounded(t *testing.T) {
	m := Machine{Domain: testutil.Counter{}, MaxRetries: 2}
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	cmd := cmds[0]

	for v := protocol.Version(1); ; v++ {
		send, ok := cmd.(SendDispatch)
		if !ok {
			break
		}
		s, cmd = m.Step(s, DispatchConflict{Seq: send.Seq, Version: v, State: testutil.CounterState(int64(v))})
		require.LessOrEqual(t, int(v), 3, "retries must stop")
	}

	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Problem)
	assert.Equal(t, protocol.CodeStaleBaseVersion, s.Problem.Code)
	assert.Len(t, s.Client.Pending, 1, "the action is kept for a later attempt")

	assert.True(t, s.Stalled)

	// Ticks do not retry a head that ran out of conflict retries.
	after, cmd := m.Step(s, Tick{})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, s, after)

	// A new user action retries the head with a fresh budget.
	s, cmd = m.Step(s, UserAction{ID: "b", Action: testutil.Inc(1)})
	resend, ok := cmd.(SendDispatch)
	require.True(t, ok)
	assert.Equal(t, "a", resend.RequestID)
	assert.Equal(t, 0, s.Retries)
	assert.False(t, s.Stalled)
}

func TestStep_StalledHeadRetriesAfterManualOnline(t *testing.T) {
	m := Machine{Domain: testutil.Counter{}, MaxRetries: 1}
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	first := cmds[0].(SendDispatch)
	s, cmd := m.Step(s, DispatchConflict{Seq: first.Seq, Version: 1, State: testutil.CounterState(1)})
	retry := cmd.(SendDispatch)
	s, cmd = m.Step(s, DispatchConflict{Seq: retry.Seq, Version: 2, State: testutil.CounterState(2)})
	require.Equal(t, NoOp{}, cmd)
	require.True(t, s.Stalled)

	s, cmd = m.Step(s, NetworkError{})
	assert.Equal(t, NoOp{}, cmd)
	s, cmd = m.Step(s, NetworkRestored{})
	assert.Equal(t, NoOp{}, cmd, "reconnecting alone does not retry a stalled head")

	s, _ = m.Step(s, ManualGoOffline{})
	s, cmd = m.Step(s, ManualGoOnline{})
	assert.IsType(t, SendDispatch{}, cmd)
	assert.False(t, s.Stalled)
}

func TestStep_RejectedDropsHeadAndContinues(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(3, 0),
		UserAction{ID: "a", Action: testutil.Inc(1)},
		UserAction{ID: "b", Action: testutil.Inc(2)},
	)
	first := cmds[0].(SendDispatch)

	s, cmd := m.Step(s, DispatchRejected{
		Seq: first.Seq, Code: protocol.CodeDomainInvalid, Reason: "nope",
		Version: 3, State: testutil.CounterState(0),
	})

	next, ok := cmd.(SendDispatch)
	require.True(t, ok)
	assert.Equal(t, "b", next.RequestID)
	require.NotNil(t, s.Problem)
	assert.Equal(t, "a", s.Problem.RequestID)
	assert.Equal(t, "nope", s.Problem.Reason)
	assert.Equal(t, int64(2), testutil.CounterValue(s.Client.Present))
}

func TestStep_NetworkErrorGoesOfflineKeepingPending(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	send := cmds[0].(SendDispatch)

	s, cmd := m.Step(s, NetworkError{Seq: send.Seq})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, ModeOffline, s.Mode)
	assert.Nil(t, s.InFlight)
	assert.Len(t, s.Client.Pending, 1)

	// The abandoned dispatch's late reply is ignored.
	late, cmd := m.Step(s, DispatchAccepted{Seq: send.Seq, Version: 1, State: testutil.CounterState(1)})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, s, late)

	// Reconnecting resends the same request id.
	s, cmd = m.Step(s, NetworkRestored{})
	resend, ok := cmd.(SendDispatch)
	require.True(t, ok)
	assert.Equal(t, "a", resend.RequestID)
	assert.NotEqual(t, send.Seq, resend.Seq)
	assert.Equal(t, ModeDispatching, s.Mode)
}

func TestStep_StaleNetworkErrorIgnored(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	send := cmds[0].(SendDispatch)
	s, _ = m.Step(s, DispatchAccepted{Seq: send.Seq, Version: 1, State: testutil.CounterState(1)})

	after, _ := m.Step(s, NetworkError{Seq: send.Seq})
	assert.Equal(t, ModeIdle, after.Mode)

	after, _ = m.Step(s, NetworkError{})
	assert.Equal(t, ModeOffline, after.Mode, "an untied network error always applies")
}

func TestStep_ManualOfflineAndOnline(t *testing.T) {
	m := newMachine()
	s, _ := run(m, idle(0, 0), ManualGoOffline{}, UserAction{ID: "a", Action: testutil.Inc(1)})
	assert.Equal(t, ModeOffline, s.Mode)

	s, cmd := m.Step(s, ManualGoOnline{})
	assert.IsType(t, SendDispatch{}, cmd)

	// Going online while online is a no-op.
	same, cmd := m.Step(s, ManualGoOnline{})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, s, same)
}

func TestStep_DispatchFailedReturnsIdle(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	send := cmds[0].(SendDispatch)

	s, cmd := m.Step(s, DispatchFailed{Seq: send.Seq, Reason: "bad gateway"})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, ModeIdle, s.Mode)
	require.NotNil(t, s.Problem)
	assert.Equal(t, "bad gateway", s.Problem.Reason)
	assert.Len(t, s.Client.Pending, 1)
}

func TestStep_RealtimeWhenIdleRebases(t *testing.T) {
	s, cmd := newMachine().Step(idle(2, 0), RealtimeUpdate{Version: 3, State: testutil.CounterState(7)})
	assert.Equal(t, NoOp{}, cmd)
	assert.Equal(t, protocol.Version(3), s.Client.BaseVersion)
	assert.Equal(t, int64(7), testutil.CounterValue(s.Client.Present))

	same, _ := newMachine().Step(s, RealtimeUpdate{Version: 3, State: testutil.CounterState(99)})
	assert.Equal(t, s, same, "an update at the same version is a no-op")
}

func TestStep_RealtimeWhileDispatchingIsDeferred(t *testing.T) {
	m := newMachine()
	s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
	send := cmds[0].(SendDispatch)

	s, _ = run(m, s,
		RealtimeUpdate{Version: 2, State: testutil.CounterState(20)},
		RealtimeUpdate{Version: 1, State: testutil.CounterState(10)},
	)
	require.NotNil(t, s.Deferred)
	assert.Equal(t, protocol.Version(2), s.Deferred.Version, "only the newest push is kept")
	assert.Equal(t, protocol.Version(0), s.Client.BaseVersion, "nothing is applied mid-dispatch")

	// Our action landed at version 1; the deferred version 2 push is newer.
	s, _ = m.Step(s, DispatchAccepted{Seq: send.Seq, Version: 1, State: testutil.CounterState(1)})
	assert.Nil(t, s.Deferred)
	assert.Equal(t, protocol.Version(2), s.Client.BaseVersion)
	assert.Equal(t, int64(20), testutil.CounterValue(s.Client.Present))
}

func TestStep_AbandonedDispatchDropsDeferredPush(t *testing.T) {
	for _, abandon := range []Event{ManualGoOffline{}, NetworkError{Seq: 1}, DispatchFailed{Seq: 1, Reason: "bad gateway"}} {
		m := newMachine()
		s, cmds := run(m, idle(0, 0), UserAction{ID: "a", Action: testutil.Inc(1)})
		require.Equal(t, uint64(1), cmds[0].(SendDispatch).Seq)

		// The push may be the echo of the dispatch whose reply never came.
		s, _ = m.Step(s, RealtimeUpdate{Version: 1, State: testutil.CounterState(1)})
		require.NotNil(t, s.Deferred)

		s, _ = m.Step(s, abandon)
		assert.Nil(t, s.Deferred, "%T", abandon)
		assert.Equal(t, protocol.Version(0), s.Client.BaseVersion, "%T", abandon)
		assert.Equal(t, int64(1), testutil.CounterValue(s.Client.Present), "%T", abandon)
		assert.Len(t, s.Client.Pending, 1, "%T", abandon)
	}
}

func TestStep_RealtimeOfflineIgnored(t *testing.T) {
	s := idle(0, 0)
	s.Mode = ModeOffline
	after, _ := newMachine().Step(s, RealtimeUpdate{Version: 4, State: testutil.CounterState(4)})
	assert.Equal(t, s, after)
}

func TestStep_AtMostOneInFlight(t *testing.T) {
	m := newMachine()
	events := []Event{
		UserAction{ID: "a", Action: testutil.Inc(1)},
		UserAction{ID: "b", Action: testutil.Inc(1)},
		Tick{},
		NetworkRestored{},
		ManualGoOnline{},
		RealtimeUpdate{Version: 1, State: testutil.CounterState(5)},
		Tick{},
	}
	_, cmds := run(m, idle(0, 0), events...)

	sends := 0
	for _, c := range cmds {
		if _, ok := c.(SendDispatch); ok {
			sends++
		}
	}
	assert.Equal(t, 1, sends)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "idle", ModeIdle.String())
	assert.Equal(t, "dispatching", ModeDispatching.String())
	assert.Equal(t, "offline", ModeOffline.String())
}
