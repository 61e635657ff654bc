// Package eventlog implements the per-session outbound event buffer: an
// append-only log per logical stream, a multiplexer routing messages to
// streams and attached live consumers, and the resumption coordinator that
// replays missed events across every stream of a session in causal order.
package eventlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// GeneralStream is the long-lived stream carrying server-initiated messages
// and responses with no dedicated call stream.
const GeneralStream = "_GET_"

// Event is one outbound message as stored for replay. Events are appended
// exactly once and never mutated.
type Event struct {
	// StreamID names the logical stream the event belongs to
	StreamID string
	// ID is opaque to the client but totally ordered within a stream
	ID string
	// Seq is the session-wide monotonic sequence used for cross-stream
	// ordering during replay
	Seq uint64
	// Payload is the encoded message
	Payload []byte
	// InsertedAt is the append timestamp
	InsertedAt time.Time
}

// Consumer receives events from a stream it is attached to. Deliver is
// called in strict append order for a given stream; an error detaches the
// consumer without discarding buffered events.
type Consumer interface {
	Deliver(event Event) error
}

// Config bounds event retention. The retention TTL is the replay window: it
// must exceed the longest reconnect gap the deployment wants to support,
// because events older than it are evicted and resumption past them fails
// with a "resumption window expired" error. The size cap never evicts
// events younger than EvictionGrace, so a burst can transiently exceed it.
type Config struct {
	// MaxEventsPerStream caps each stream's buffer
	MaxEventsPerStream int
	// RetentionTTL is how long events stay replayable
	RetentionTTL time.Duration
	// EvictionGrace protects recent events from the size cap
	EvictionGrace time.Duration
	// SweepInterval is how often TTL eviction runs
	SweepInterval time.Duration
	// Clock is the time source, real time when nil
	Clock clockwork.Clock
}

// DefaultConfig returns the documented retention defaults
func DefaultConfig() Config {
	return Config{
		MaxEventsPerStream: 1024,
		RetentionTTL:       5 * time.Minute,
		EvictionGrace:      30 * time.Second,
		SweepInterval:      30 * time.Second,
	}
}

// Log owns every session's streams. Synchronization is per session: one
// session's consumers and appends never contend with another session's.
type Log struct {
	cfg    Config
	clock  clockwork.Clock
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionLog

	stopOnce sync.Once
	stop     chan struct{}
}

// sessionLog serializes all appends, attaches and replays of one session.
// Delivery to attached consumers happens under this lock, which is what
// guarantees a resuming consumer never sees an append interleave with its
// replay; a slow consumer therefore stalls only its own session.
type sessionLog struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*stream
}

type stream struct {
	id         string
	nextIndex  uint64
	firstIndex uint64
	events     []Event
	consumer   Consumer
	closed     bool
}

// New creates an event log
func New(cfg Config, logger logging.Logger) *Log {
	def := DefaultConfig()
	if cfg.MaxEventsPerStream <= 0 {
		cfg.MaxEventsPerStream = def.MaxEventsPerStream
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = def.RetentionTTL
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = def.EvictionGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.WithFields(logging.String("component", "eventlog")),
		sessions: make(map[string]*sessionLog),
		stop:     make(chan struct{}),
	}
}

// EventID formats the identifier of the event at index within a stream
func EventID(streamID string, index uint64) string {
	return streamID + "#" + strconv.FormatUint(index, 10)
}

// ParseEventID splits an event id into its stream and per-stream index
func ParseEventID(id string) (streamID string, index uint64, err error) {
	i := strings.LastIndexByte(id, '#')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}
	index, err = strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed event id %q: %w", id, err)
	}
	return id[:i], index, nil
}

func (l *Log) session(sessionID string) *sessionLog {
	l.mu.RLock()
	sl, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return sl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok = l.sessions[sessionID]; ok {
		return sl
	}
	sl = &sessionLog{streams: make(map[string]*stream)}
	l.sessions[sessionID] = sl
	return sl
}

func (sl *sessionLog) stream(id string) *stream {
	st, ok := sl.streams[id]
	if !ok {
		st = &stream{id: id, nextIndex: 1, firstIndex: 1}
		sl.streams[id] = st
	}
	return st
}

// Append encodes msg, appends it to the named stream and pushes it to the
// stream's attached consumer, if any. It returns the stored event.
func (l *Log) Append(sessionID, streamID string, msg protocol.Message) (Event, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return Event{}, err
	}
	return l.AppendRaw(sessionID, streamID, payload), nil
}

// AppendRaw appends an already encoded payload
func (l *Log) AppendRaw(sessionID, streamID string, payload []byte) Event {
	sl := l.session(sessionID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	st := sl.stream(streamID)
	sl.seq++
	ev := Event{
		StreamID:   streamID,
		ID:         EventID(streamID, st.nextIndex),
		Seq:        sl.seq,
		Payload:    payload,
		InsertedAt: l.clock.Now(),
	}
	st.nextIndex++
	st.events = append(st.events, ev)
	l.enforceCap(st)

	if st.consumer != nil {
		if err := st.consumer.Deliver(ev); err != nil {
			l.logger.Warn("consumer delivery failed, detaching",
				logging.String("session_id", sessionID),
				logging.String("stream_id", streamID),
				logging.ErrorField(err))
			st.consumer = nil
		}
	}
	return ev
}

// Route implements the multiplexer routing rule: messages correlated to an
// open per-call stream go there, everything else to the general stream.
func (l *Log) Route(sessionID, preferredStreamID string, msg protocol.Message) (Event, error) {
	target := GeneralStream
	if preferredStreamID != "" && preferredStreamID != GeneralStream {
		sl := l.session(sessionID)
		sl.mu.Lock()
		if st, ok := sl.streams[preferredStreamID]; ok && !st.closed {
			target = preferredStreamID
		}
		sl.mu.Unlock()
	}
	return l.Append(sessionID, target, msg)
}

// OpenStream creates a stream so that Route can target it
func (l *Log) OpenStream(sessionID, streamID string) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.stream(streamID)
}

// CloseStream marks a stream non-routable. Its buffered events stay
// replayable until eviction reclaims them.
func (l *Log) CloseStream(sessionID, streamID string) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if st, ok := sl.streams[streamID]; ok {
		st.closed = true
		st.consumer = nil
	}
}

// AttachConsumer attaches a live consumer to a stream, creating the stream
// if needed. Any previously attached consumer is replaced; detachment never
// discards buffered events.
func (l *Log) AttachConsumer(sessionID, streamID string, c Consumer) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	st := sl.stream(streamID)
	st.consumer = c
}

// DetachConsumer removes c from the stream if it is the one attached
func (l *Log) DetachConsumer(sessionID, streamID string, c Consumer) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if st, ok := sl.streams[streamID]; ok && st.consumer == c {
		st.consumer = nil
	}
}

// DetachAll removes c from every stream of the session
func (l *Log) DetachAll(sessionID string, c Consumer) {
	sl := l.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, st := range sl.streams {
		if st.consumer == c {
			st.consumer = nil
		}
	}
}

// AttachedConsumers counts streams of the session with a live consumer
func (l *Log) AttachedConsumers(sessionID string) int {
	l.mu.RLock()
	sl, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	n := 0
	for _, st := range sl.streams {
		if st.consumer != nil {
			n++
		}
	}
	return n
}

// QueryAfter returns every event of the session whose session-wide sequence
// is greater than the one identified by lastEventID, ordered by that
// sequence, scanning all streams. It distinguishes an evicted reference
// (resumption window expired) from one that never existed.
func (l *Log) QueryAfter(sessionID, lastEventID string) ([]Event, error) {
	l.mu.RLock()
	sl, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.UnknownEvent(lastEventID)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	afterSeq, err := sl.seqOf(lastEventID)
	if err != nil {
		return nil, err
	}
	return sl.eventsAfter(afterSeq), nil
}

// seqOf resolves an event id to its session-wide sequence. Caller holds the
// session lock.
func (sl *sessionLog) seqOf(lastEventID string) (uint64, error) {
	streamID, index, err := ParseEventID(lastEventID)
	if err != nil {
		return 0, errors.UnknownEvent(lastEventID)
	}
	st, ok := sl.streams[streamID]
	if !ok || index >= st.nextIndex || index == 0 {
		return 0, errors.UnknownEvent(lastEventID)
	}
	if index < st.firstIndex {
		// The referenced event existed but eviction reclaimed it; the
		// client waited longer than the replay window.
		return 0, errors.ResumptionExpired(lastEventID)
	}
	return st.events[index-st.firstIndex].Seq, nil
}

// eventsAfter collects events with Seq > afterSeq across all streams in
// session-wide order. Caller holds the session lock.
func (sl *sessionLog) eventsAfter(afterSeq uint64) []Event {
	var out []Event
	for _, st := range sl.streams {
		for i := len(st.events) - 1; i >= 0; i-- {
			if st.events[i].Seq <= afterSeq {
				break
			}
			out = append(out, st.events[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// DropSession releases all streams and events of a session
func (l *Log) DropSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// enforceCap evicts oldest events beyond the size cap, sparing events
// younger than the grace window. Caller holds the session lock.
func (l *Log) enforceCap(st *stream) {
	excess := len(st.events) - l.cfg.MaxEventsPerStream
	if excess <= 0 {
		return
	}
	cutoff := l.clock.Now().Add(-l.cfg.EvictionGrace)
	evicted := 0
	for evicted < excess && st.events[evicted].InsertedAt.Before(cutoff) {
		evicted++
	}
	if evicted > 0 {
		st.events = st.events[evicted:]
		st.firstIndex += uint64(evicted)
	}
}

// Sweep evicts events older than the retention TTL in every session
func (l *Log) Sweep() {
	cutoff := l.clock.Now().Add(-l.cfg.RetentionTTL)

	l.mu.RLock()
	sessions := make([]*sessionLog, 0, len(l.sessions))
	for _, sl := range l.sessions {
		sessions = append(sessions, sl)
	}
	l.mu.RUnlock()

	for _, sl := range sessions {
		sl.mu.Lock()
		for _, st := range sl.streams {
			evicted := 0
			for evicted < len(st.events) && st.events[evicted].InsertedAt.Before(cutoff) {
				evicted++
			}
			if evicted > 0 {
				st.events = st.events[evicted:]
				st.firstIndex += uint64(evicted)
			}
		}
		sl.mu.Unlock()
	}
}

// Start runs TTL eviction until ctx is done or Stop is called
func (l *Log) Start(ctx context.Context) {
	go func() {
		ticker := l.clock.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.Chan():
				l.Sweep()
			}
		}
	}()
}

// Stop halts TTL eviction
func (l *Log) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
