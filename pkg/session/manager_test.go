package session

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

func newTestManager(t *testing.T, clock clockwork.Clock, mode Mode) *Manager {
	t.Helper()
	return NewManager(Config{
		Mode:            mode,
		IdleTimeout:     30 * time.Minute,
		InitTimeout:     30 * time.Second,
		ClosedRetention: 5 * time.Minute,
		Clock:           clock,
	}, protocol.Capabilities{"streams": {}}, protocol.Info{Name: "test"}, nil)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), ModeStateful)

	s, err := m.Create()
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.SessionNotFound))
}

func TestStatelessModeRejectsCreation(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), ModeStateless)

	_, err := m.Create()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.StatelessUnsupported))
	assert.True(t, m.Stateless())
}

func TestNegotiateStateless(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), ModeStateless)

	result := m.NegotiateStateless(&protocol.InitializeParams{ProtocolVersion: "1999-01-01"})
	assert.Equal(t, protocol.LatestVersion(), result.ProtocolVersion)
	assert.True(t, result.Capabilities.Has("streams"))
}

func TestSweepReclaimsStuckNegotiation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, ModeStateful)

	s, err := m.Create()
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	m.Sweep()

	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestSweepReclaimsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, ModeStateful)

	s, err := m.Create()
	require.NoError(t, err)
	_, err = m.Initialize(s, &protocol.InitializeParams{ProtocolVersion: protocol.LatestVersion()})
	require.NoError(t, err)
	require.NoError(t, s.CompleteNegotiation())

	// Busy sessions survive the idle timeout.
	busy := true
	m.SetIdleCheck(func(string) bool { return !busy })
	clock.Advance(31 * time.Minute)
	m.Sweep()
	assert.Equal(t, PhaseOperating, s.Phase())

	busy = false
	m.Sweep()
	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestClosedSessionsRetainedThenForgotten(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, ModeStateful)

	s, err := m.Create()
	require.NoError(t, err)
	require.NoError(t, m.Terminate(s.ID))

	// Within the retention window the session is still resolvable, so late
	// messages get "session closed" rather than "session not found".
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, got.Phase())

	clock.Advance(6 * time.Minute)
	m.Sweep()
	_, err = m.Get(s.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.SessionNotFound))
}

func TestOnCloseHooksRunExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, ModeStateful)

	var closed []string
	m.OnClose(func(id string) { closed = append(closed, id) })

	s, err := m.Create()
	require.NoError(t, err)
	require.NoError(t, m.Terminate(s.ID))
	require.NoError(t, m.Terminate(s.ID))

	assert.Equal(t, []string{s.ID}, closed)
}

func TestTouchDefersIdleReclamation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, ModeStateful)

	s, err := m.Create()
	require.NoError(t, err)
	_, err = m.Initialize(s, &protocol.InitializeParams{ProtocolVersion: protocol.LatestVersion()})
	require.NoError(t, err)
	require.NoError(t, s.CompleteNegotiation())

	clock.Advance(20 * time.Minute)
	m.Touch(s)
	clock.Advance(20 * time.Minute)
	m.Sweep()

	assert.Equal(t, PhaseOperating, s.Phase())
}
