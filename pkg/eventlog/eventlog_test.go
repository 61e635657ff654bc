package eventlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// collector buffers delivered events and can be made to fail
type collector struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (c *collector) Deliver(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("consumer gone")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.ID
	}
	return out
}

func note(t *testing.T, method string) *protocol.Notification {
	t.Helper()
	n, err := protocol.NewNotification(method, nil)
	require.NoError(t, err)
	return n
}

func newTestLog(clock clockwork.Clock) *Log {
	return New(Config{
		MaxEventsPerStream: 4,
		RetentionTTL:       5 * time.Minute,
		EvictionGrace:      30 * time.Second,
		Clock:              clock,
	}, nil)
}

func TestAppendAssignsOrderedIDs(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())

	ev1, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	ev2, err := l.Append("s1", GeneralStream, note(t, "b"))
	require.NoError(t, err)
	ev3, err := l.Append("s1", "1", note(t, "c"))
	require.NoError(t, err)

	assert.Equal(t, "_GET_#1", ev1.ID)
	assert.Equal(t, "_GET_#2", ev2.ID)
	assert.Equal(t, "1#1", ev3.ID)
	// The session-wide sequence is monotonic across streams.
	assert.Less(t, ev1.Seq, ev2.Seq)
	assert.Less(t, ev2.Seq, ev3.Seq)
}

func TestAppendDeliversToAttachedConsumer(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	c := &collector{}
	l.AttachConsumer("s1", GeneralStream, c)

	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"_GET_#1"}, c.ids())
	assert.Equal(t, 1, l.AttachedConsumers("s1"))
}

func TestFailingConsumerDetachedEventsRetained(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	c := &collector{fail: true}
	l.AttachConsumer("s1", GeneralStream, c)

	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.AttachedConsumers("s1"))

	// The event survives detachment and stays queryable.
	_, err = l.Append("s1", GeneralStream, note(t, "b"))
	require.NoError(t, err)
	events, err := l.QueryAfter("s1", "_GET_#1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "_GET_#2", events[0].ID)
}

func TestRoutePrefersOpenCallStream(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	l.OpenStream("s1", "7")

	ev, err := l.Route("s1", "7", note(t, "progress"))
	require.NoError(t, err)
	assert.Equal(t, "7#1", ev.ID)

	l.CloseStream("s1", "7")
	ev, err = l.Route("s1", "7", note(t, "late"))
	require.NoError(t, err)
	assert.Equal(t, "_GET_#1", ev.ID)

	// No preferred stream at all also lands on the general stream.
	ev, err = l.Route("s1", "", note(t, "plain"))
	require.NoError(t, err)
	assert.Equal(t, "_GET_#2", ev.ID)
}

func TestQueryAfterSpansStreams(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())

	// Interleave two streams; replay must come back in session-wide order.
	_, err := l.Append("s1", GeneralStream, note(t, "e1"))
	require.NoError(t, err)
	_, err = l.Append("s1", "1", note(t, "e2"))
	require.NoError(t, err)
	_, err = l.Append("s1", GeneralStream, note(t, "e3"))
	require.NoError(t, err)
	_, err = l.Append("s1", "1", note(t, "e4"))
	require.NoError(t, err)

	events, err := l.QueryAfter("s1", "1#1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "_GET_#2", events[0].ID)
	assert.Equal(t, "1#2", events[1].ID)

	// Querying from the newest event yields nothing.
	events, err = l.QueryAfter("s1", "1#2")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueryAfterUnknownEvent(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)

	for _, id := range []string{"_GET_#99", "nostream#1", "garbage", "_GET_#0"} {
		_, err := l.QueryAfter("s1", id)
		require.Error(t, err, id)
		assert.True(t, errors.IsCode(err, protocol.InvalidRequest), id)
	}
}

func TestSizeCapEvictsOldEventsPastGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLog(clock)

	for i := 0; i < 4; i++ {
		_, err := l.Append("s1", GeneralStream, note(t, "old"))
		require.NoError(t, err)
	}
	// Within the grace window the cap is allowed to overflow.
	_, err := l.Append("s1", GeneralStream, note(t, "young"))
	require.NoError(t, err)
	_, evErr := l.QueryAfter("s1", "_GET_#1")
	require.NoError(t, evErr)

	clock.Advance(time.Minute)
	_, err = l.Append("s1", GeneralStream, note(t, "trigger"))
	require.NoError(t, err)

	// The oldest events are gone; resuming from them reports an expired
	// window, not an unknown event.
	_, err = l.QueryAfter("s1", "_GET_#1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.ResumptionExpired))
}

func TestSweepEvictsByTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLog(clock)

	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = l.Append("s1", GeneralStream, note(t, "b"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	l.Sweep()

	// The first event is past the TTL, the second is not.
	_, err = l.QueryAfter("s1", "_GET_#1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, protocol.ResumptionExpired))

	events, err := l.QueryAfter("s1", "_GET_#2")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDropSessionReleasesEverything(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	_, err := l.Append("s1", GeneralStream, note(t, "a"))
	require.NoError(t, err)

	l.DropSession("s1")

	_, err = l.QueryAfter("s1", "_GET_#1")
	require.Error(t, err)
	assert.Equal(t, 0, l.AttachedConsumers("s1"))
}

func TestDetachConsumerOnlyRemovesMatching(t *testing.T) {
	l := newTestLog(clockwork.NewFakeClock())
	old := &collector{}
	l.AttachConsumer("s1", GeneralStream, old)
	replacement := &collector{}
	l.AttachConsumer("s1", GeneralStream, replacement)

	// Detaching the stale consumer must not disturb its replacement.
	l.DetachConsumer("s1", GeneralStream, old)
	assert.Equal(t, 1, l.AttachedConsumers("s1"))

	l.DetachConsumer("s1", GeneralStream, replacement)
	assert.Equal(t, 0, l.AttachedConsumers("s1"))
}
