package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// Handler executes one domain request. It must honor ctx and may watch the
// cancellation handle; returning is the only way a response gets produced,
// so a handler that keeps running after a cancel simply completes normally.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
	return f(ctx, method, params, cancel)
}

// NotificationSink is optionally implemented by a Handler that wants domain
// notifications. Without it, unrecognized notifications are dropped.
type NotificationSink interface {
	Notify(ctx context.Context, method string, params json.RawMessage) error
}

// Config bounds dispatcher concurrency
type Config struct {
	// MaxConcurrency caps handlers running at once across all sessions
	MaxConcurrency int64
	// CallTimeout bounds server-initiated calls awaiting a client response
	CallTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 64,
		CallTimeout:    30 * time.Second,
	}
}

// Dispatcher runs handlers for decoded messages. Request execution is
// bounded by a weighted semaphore; every accepted request produces exactly
// one response, success or error, from this package and nowhere else.
type Dispatcher struct {
	cfg      Config
	handler  Handler
	registry *Registry
	sem      *semaphore.Weighted
	logger   logging.Logger

	// outbound correlation for server-initiated requests
	callSeq atomic.Uint64
	callMu  sync.Mutex
	calls   map[string]chan *protocol.Response
}

// NewDispatcher creates a dispatcher delivering to handler
func NewDispatcher(cfg Config, handler Handler, registry *Registry, logger logging.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		handler:  handler,
		registry: registry,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:   logger.WithFields(logging.String("component", "dispatch")),
		calls:    make(map[string]chan *protocol.Response),
	}
}

// Registry exposes the pending-operation table, for idle checks and
// session-close cancellation
func (d *Dispatcher) Registry() *Registry { return d.registry }

// HandleRequest executes one request to completion and returns its single
// response. Phase gating has already happened at the session layer; this
// handles the built-in ping, duplicate suppression, concurrency admission
// and error mapping.
func (d *Dispatcher) HandleRequest(ctx context.Context, sessionID string, req *protocol.Request) *protocol.Response {
	if req.Method == protocol.MethodPing {
		return d.mustResponse(req.ID, protocol.PingResult{})
	}

	requestID := protocol.IDKey(req.ID)
	var handle *Handle
	if sessionID == "" {
		// Without a session each request is self-contained: there is no
		// shared id space to police and no session-scoped cancel can reach
		// it, so it never enters the registry.
		handle = newHandle(ctx, sessionID, requestID)
		defer handle.release()
	} else {
		var err error
		handle, err = d.registry.Register(ctx, sessionID, requestID)
		if err != nil {
			return d.errorResponse(req.ID, err)
		}
		defer d.registry.Complete(sessionID, requestID)
	}

	if err := d.sem.Acquire(handle.Context(), 1); err != nil {
		// Cancelled or disconnected while queued; the handler never ran.
		return d.finishResponse(req, handle, nil, err)
	}
	defer d.sem.Release(1)

	result, err := d.handler.Handle(handle.Context(), req.Method, req.Params, handle)
	return d.finishResponse(req, handle, result, err)
}

// finishResponse maps a handler outcome to the operation's one response.
// Completion wins over cancellation: a cancel surfaces as the cancelled
// error code only when the handler actually gave up.
func (d *Dispatcher) finishResponse(req *protocol.Request, handle *Handle, result interface{}, err error) *protocol.Response {
	if err == nil {
		return d.mustResponse(req.ID, result)
	}
	if handle.Cancelled() && (errors.Is(err, context.Canceled) || errors.IsCode(err, protocol.OperationCancelled)) {
		cancelled := errors.OperationCancelled(handle.requestID)
		if reason := handle.Reason(); reason != "" {
			cancelled = cancelled.WithData(map[string]interface{}{"reason": reason}).(errors.StructuredError)
		}
		return d.errorResponse(req.ID, cancelled)
	}
	if _, ok := errors.AsStructured(err); !ok {
		// Unstructured handler failures are logged in full and collapse to a
		// generic internal error on the wire.
		d.logger.Error("handler failed",
			logging.String("session_id", handle.sessionID),
			logging.String("method", req.Method),
			logging.ErrorField(err))
	}
	return d.errorResponse(req.ID, err)
}

// HandleNotification processes a notification. Cancel is built in; other
// methods go to the handler's NotificationSink when it has one. A
// notification never produces a response, so failures are only logged.
func (d *Dispatcher) HandleNotification(ctx context.Context, sessionID string, note *protocol.Notification) {
	switch note.Method {
	case protocol.MethodCancel:
		params, err := decodeCancelParams(note.Params)
		if err != nil {
			d.logger.Warn("malformed cancel notification",
				logging.String("session_id", sessionID),
				logging.ErrorField(err))
			return
		}
		d.registry.Cancel(sessionID, protocol.IDKey(params.ID), params.Reason)

	default:
		sink, ok := d.handler.(NotificationSink)
		if !ok {
			d.logger.Debug("notification dropped",
				logging.String("session_id", sessionID),
				logging.String("method", note.Method))
			return
		}
		if err := sink.Notify(ctx, note.Method, note.Params); err != nil {
			d.logger.Warn("notification handler failed",
				logging.String("session_id", sessionID),
				logging.String("method", note.Method),
				logging.ErrorField(err))
		}
	}
}

// HandleResponse correlates a client response to a pending server-initiated
// call. Responses with no pending call are dropped and logged.
func (d *Dispatcher) HandleResponse(sessionID string, resp *protocol.Response) {
	key := protocol.IDKey(resp.ID)
	d.callMu.Lock()
	ch, ok := d.calls[key]
	if ok {
		delete(d.calls, key)
	}
	d.callMu.Unlock()
	if !ok {
		d.logger.Warn("response for unknown call dropped",
			logging.String("session_id", sessionID),
			logging.String("request_id", key))
		return
	}
	ch <- resp
}

// Call issues a server-initiated request through send and waits for the
// client's response. send typically appends the request to the session's
// general stream.
func (d *Dispatcher) Call(ctx context.Context, method string, params interface{}, send func(*protocol.Request) error) (*protocol.Response, error) {
	id := "srv-" + strconv.FormatUint(d.callSeq.Add(1), 10)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, errors.Internal(err)
	}

	ch := make(chan *protocol.Response, 1)
	key := protocol.IDKey(id)
	d.callMu.Lock()
	d.calls[key] = ch
	d.callMu.Unlock()

	cleanup := func() {
		d.callMu.Lock()
		delete(d.calls, key)
		d.callMu.Unlock()
	}

	if err := send(req); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(d.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, errors.Newf(protocol.InternalError, errors.CategoryTransport, errors.SeverityWarning,
			"call %s timed out awaiting client response", id)
	}
}

// mustResponse builds a success response; a result that cannot be encoded
// collapses to an internal error response
func (d *Dispatcher) mustResponse(id, result interface{}) *protocol.Response {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		d.logger.Error("result encoding failed", logging.ErrorField(err))
		return d.errorResponse(id, errors.Internal(err))
	}
	return resp
}

// errorResponse maps any error to a wire error response
func (d *Dispatcher) errorResponse(id interface{}, err error) *protocol.Response {
	pe := errors.ToProtocolError(err)
	resp, buildErr := protocol.NewErrorResponse(id, pe.Code, pe.Message, pe.Data)
	if buildErr != nil {
		resp, _ = protocol.NewErrorResponse(id, protocol.InternalError, "internal error", nil)
	}
	return resp
}

// decodeCancelParams parses cancel params preserving numeric id text
func decodeCancelParams(raw json.RawMessage) (*protocol.CancelParams, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var params protocol.CancelParams
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return &params, nil
}
