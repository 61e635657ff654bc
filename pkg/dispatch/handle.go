// Package dispatch routes decoded messages to domain handlers, tracks
// in-flight operations per session and implements cooperative cancellation.
// A handler receives a cancellation handle; honoring it is optional, and an
// operation that completes before noticing a cancel simply wins.
package dispatch

import (
	"context"
	"sync"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
)

// Handle is the cancellation signal for one in-flight operation. The
// handler observes it through its context or the Cancelled method; the
// handle never produces a response by itself.
type Handle struct {
	sessionID string
	requestID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	reason    string
}

func newHandle(ctx context.Context, sessionID, requestID string) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	return &Handle{
		sessionID: sessionID,
		requestID: requestID,
		ctx:       hctx,
		cancel:    cancel,
	}
}

// Context is done when the operation is cancelled or its parent expires
func (h *Handle) Context() context.Context { return h.ctx }

// Done mirrors Context().Done() for select loops
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cancelled reports whether a cancel was requested for this operation
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Reason returns the client-supplied cancel reason, empty if none
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Err returns the error a cooperating handler should give up with
func (h *Handle) Err() error {
	return errors.OperationCancelled(h.requestID)
}

// signal marks the handle cancelled. The reason is recorded before the
// context fires so a handler woken by Done sees it.
func (h *Handle) signal(reason string) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.reason = reason
	h.mu.Unlock()
	h.cancel()
}

// release detaches the handle from its parent context
func (h *Handle) release() { h.cancel() }

type pendingKey struct {
	sessionID string
	requestID string
}

// Registry tracks every in-flight operation keyed by session and request
// id. Cancelling an id that is unknown, already completed or never existed
// is a silent no-op.
type Registry struct {
	logger logging.Logger

	mu      sync.Mutex
	pending map[pendingKey]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		logger:  logger.WithFields(logging.String("component", "dispatch")),
		pending: make(map[pendingKey]*Handle),
	}
}

// Register records a new in-flight operation and returns its handle. A
// request id already in flight for the same session is rejected.
func (r *Registry) Register(ctx context.Context, sessionID, requestID string) (*Handle, error) {
	key := pendingKey{sessionID, requestID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[key]; exists {
		return nil, errors.DuplicateRequest(requestID)
	}
	h := newHandle(ctx, sessionID, requestID)
	r.pending[key] = h
	return h, nil
}

// Cancel signals the operation, if it is still in flight. It only flips
// the cooperative signal; the operation's own return produces the response.
func (r *Registry) Cancel(sessionID, requestID, reason string) {
	r.mu.Lock()
	h, ok := r.pending[pendingKey{sessionID, requestID}]
	r.mu.Unlock()
	if !ok {
		// Already completed, unknown, or raced with completion. Nothing to
		// do either way.
		r.logger.Debug("cancel for unknown operation",
			logging.String("session_id", sessionID),
			logging.String("request_id", requestID))
		return
	}
	h.signal(reason)
	r.logger.Info("operation cancel requested",
		logging.String("session_id", sessionID),
		logging.String("request_id", requestID),
		logging.String("reason", reason))
}

// Complete removes a finished operation from the table
func (r *Registry) Complete(sessionID, requestID string) {
	key := pendingKey{sessionID, requestID}
	r.mu.Lock()
	h, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if ok {
		h.release()
	}
}

// CancelSession signals every in-flight operation of a session, used when
// the session closes
func (r *Registry) CancelSession(sessionID, reason string) {
	r.mu.Lock()
	var handles []*Handle
	for key, h := range r.pending {
		if key.sessionID == sessionID {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.signal(reason)
	}
}

// PendingCount returns the number of in-flight operations for a session
func (r *Registry) PendingCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.pending {
		if key.sessionID == sessionID {
			n++
		}
	}
	return n
}

// Len returns the total number of in-flight operations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
