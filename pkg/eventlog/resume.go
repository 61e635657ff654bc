package eventlog

import (
	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
)

// Coordinator replays missed events to a reconnecting consumer and switches
// it to live delivery without a gap. Replay and attach happen under the
// session lock, so no concurrent append can interleave, duplicate or reorder
// events around the switch. It never re-executes the work that produced the
// events; replay reads the buffer only.
type Coordinator struct {
	log    *Log
	logger logging.Logger
}

// NewCoordinator creates a resumption coordinator over the event log
func NewCoordinator(log *Log, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		log:    log,
		logger: logger.WithFields(logging.String("component", "resume")),
	}
}

// Resume delivers to c every retained event of the session after
// lastEventID, in session-wide order, then attaches c to every open stream
// that has no live consumer. It returns the number of events replayed.
// Resuming from an evicted event fails with a resumption window error; from
// an id that never existed, with an invalid request error. Resuming twice
// from the same position is harmless: the second replay starts where the
// first left off plus whatever arrived in between.
func (co *Coordinator) Resume(sessionID, lastEventID string, c Consumer) (int, error) {
	co.log.mu.RLock()
	sl, ok := co.log.sessions[sessionID]
	co.log.mu.RUnlock()
	if !ok {
		return 0, errors.UnknownEvent(lastEventID)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	afterSeq, err := sl.seqOf(lastEventID)
	if err != nil {
		return 0, err
	}

	events := sl.eventsAfter(afterSeq)
	for i, ev := range events {
		if err := c.Deliver(ev); err != nil {
			co.logger.Warn("replay delivery failed",
				logging.String("session_id", sessionID),
				logging.String("event_id", ev.ID),
				logging.Int("delivered", i),
				logging.ErrorField(err))
			return i, err
		}
	}

	// Switch to live: from here every append on these streams goes to c.
	sl.stream(GeneralStream)
	for _, st := range sl.streams {
		if !st.closed && st.consumer == nil {
			st.consumer = c
		}
	}

	co.logger.Info("session resumed",
		logging.String("session_id", sessionID),
		logging.String("last_event_id", lastEventID),
		logging.Int("replayed", len(events)))
	return len(events), nil
}

// Attach connects a fresh consumer with no resumption point to the general
// stream. Per-call streams keep their own consumers.
func (co *Coordinator) Attach(sessionID string, c Consumer) {
	co.log.AttachConsumer(sessionID, GeneralStream, c)
}

// Detach disconnects c from every stream of the session
func (co *Coordinator) Detach(sessionID string, c Consumer) {
	co.log.DetachAll(sessionID, c)
}
