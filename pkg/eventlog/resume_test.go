package eventlog

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

func TestResumeReplaysMissedEventsAcrossStreams(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	co := NewCoordinator(l, nil)

	// Session history: five events the client saw, one it missed on a
	// different stream than the one it last read from.
	for i := 0; i < 4; i++ {
		_, err := l.Append("s1", GeneralStream, note(t, "seen"))
		require.NoError(t, err)
	}
	_, err := l.Append("s1", "op", note(t, "seen-op"))
	require.NoError(t, err)
	_, err = l.Append("s1", GeneralStream, note(t, "missed"))
	require.NoError(t, err)

	c := &collector{}
	replayed, err := co.Resume("s1", "op#1", c)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, []string{"_GET_#5"}, c.ids())

	// After the atomic switch the consumer is live on the general stream.
	_, err = l.Append("s1", GeneralStream, note(t, "live"))
	require.NoError(t, err)
	assert.Equal(t, []string{"_GET_#5", "_GET_#6"}, c.ids())
}

func TestResumeIsIdempotent(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	co := NewCoordinator(l, nil)

	for i := 0; i < 3; i++ {
		_, err := l.Append("s1", GeneralStream, note(t, "e"))
		require.NoError(t, err)
	}

	first := &collector{}
	replayed, err := co.Resume("s1", "_GET_#1", first)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)
	co.Detach("s1", first)

	// Resuming from the same point again replays the same events, without
	// duplicating or re-executing anything.
	second := &collector{}
	replayed, err = co.Resume("s1", "_GET_#1", second)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)
	assert.Equal(t, first.ids(), second.ids())
}

func TestResumeFromEvictedEventFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLog(clock)
	co := NewCoordinator(l, nil)

	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	_, err = l.Append("s1", GeneralStream, note(t, "b"))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	l.Sweep()

	_, err = co.Resume("s1", "_GET_#1", &collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.ResumptionExpired))

	_, err = co.Resume("s1", "_GET_#99", &collector{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.InvalidRequest))
}

func TestResumeDoesNotAttachOnReplayFailure(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	co := NewCoordinator(l, nil)

	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	_, err = l.Append("s1", GeneralStream, note(t, "b"))
	require.NoError(t, err)

	_, err = co.Resume("s1", "_GET_#1", &collector{fail: true})
	require.Error(t, err)
	assert.Equal(t, 0, l.AttachedConsumers("s1"))
}

func TestAttachWithoutResumptionPoint(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	co := NewCoordinator(l, nil)

	c := &collector{}
	co.Attach("s1", c)
	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"_GET_#1"}, c.ids())

	co.Detach("s1", c)
	assert.Equal(t, 0, l.AttachedConsumers("s1"))
}
