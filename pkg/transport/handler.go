package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/streamrpc/streamrpc-go/pkg/dispatch"
	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/eventlog"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/observability"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
	"github.com/streamrpc/streamrpc-go/pkg/session"
)

const (
	// SessionHeader carries the session id on every request after initialize
	SessionHeader = "StreamRPC-Session-ID"
	// LastEventIDHeader carries the resumption point on a reconnecting GET
	LastEventIDHeader = "Last-Event-ID"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Config tunes the HTTP endpoint
type Config struct {
	// AllowedOrigins restricts the Origin header; empty allows any
	AllowedOrigins []string
	// HeartbeatInterval paces SSE keep-alive comments
	HeartbeatInterval time.Duration
	// MaxBodyBytes caps POST body size
	MaxBodyBytes int64
}

// DefaultConfig returns the endpoint defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MaxBodyBytes:      4 << 20,
	}
}

// Deps are the collaborators the endpoint drives
type Deps struct {
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Events     *eventlog.Log
	Resumer    *eventlog.Coordinator
	Logger     logging.Logger
	Metrics    *observability.Metrics
	Tracing    *observability.TracingProvider
}

// Handler is the streamable HTTP endpoint: POST carries client messages in,
// GET opens the server-to-client event stream with optional resumption, and
// DELETE terminates the session.
type Handler struct {
	cfg        Config
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	events     *eventlog.Log
	resumer    *eventlog.Coordinator
	logger     logging.Logger
	metrics    *observability.Metrics
	tracing    *observability.TracingProvider

	watchers *sessionWatchers
}

// NewHandler creates the endpoint and hooks session-close notification so
// open event streams terminate promptly when their session goes away.
func NewHandler(cfg Config, deps Deps) *Handler {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handler{
		cfg:        cfg,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		resumer:    deps.Resumer,
		logger:     logger.WithFields(logging.String("component", "transport")),
		metrics:    deps.Metrics,
		tracing:    deps.Tracing,
		watchers:   newSessionWatchers(),
	}
	deps.Sessions.OnClose(h.watchers.closeAll)
	return h
}

// ServeHTTP dispatches on the HTTP method
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handlePost decodes one message and routes it by kind. Requests produce
// exactly one response, delivered directly as JSON or over a per-call event
// stream when the client accepts SSE. Notifications and responses are
// acknowledged with 202.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, errors.Internal(err))
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Request:
		if m.Method == protocol.MethodInitialize {
			h.handleInitialize(w, r, m)
			return
		}
		h.handleRequest(w, r, m)
	case *protocol.Notification:
		h.handleNotification(w, r, m)
	case *protocol.Response:
		h.handleClientResponse(w, r, m)
	}
}

// handleInitialize creates a session and runs version negotiation. In
// stateless mode it negotiates without creating anything.
func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req *protocol.Request) {
	var params protocol.InitializeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		h.writeResponse(w, h.errorResponse(req.ID, errors.InvalidParams(req.Method, err)))
		return
	}

	if h.sessions.Stateless() {
		result := h.sessions.NegotiateStateless(&params)
		resp, _ := protocol.NewResponse(req.ID, result)
		h.writeResponse(w, resp)
		return
	}

	if id := r.Header.Get(SessionHeader); id != "" {
		// Initialize on an existing session is a duplicate attempt.
		sess, err := h.sessions.Get(id)
		if err != nil {
			h.writeRPCError(w, http.StatusNotFound, req.ID, err)
			return
		}
		if sess.Phase() == session.PhaseClosed {
			h.writeResponse(w, h.errorResponse(req.ID, errors.SessionClosed(id)))
			return
		}
		h.writeResponse(w, h.errorResponse(req.ID, errors.AlreadyInitialized()))
		return
	}

	sess, err := h.sessions.Create()
	if err != nil {
		h.writeResponse(w, h.errorResponse(req.ID, err))
		return
	}
	result, err := h.sessions.Initialize(sess, &params)
	if err != nil {
		h.writeResponse(w, h.errorResponse(req.ID, err))
		return
	}
	h.metrics.SessionCreated()

	resp, _ := protocol.NewResponse(req.ID, result)
	w.Header().Set(SessionHeader, sess.ID)
	h.writeResponse(w, resp)
}

// handleRequest runs one domain request through phase gating and dispatch
func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request, req *protocol.Request) {
	start := time.Now()

	sessionID := ""
	if !h.sessions.Stateless() {
		sess, ok := h.resolveSession(w, r, req.ID)
		if !ok {
			return
		}
		if err := sess.CheckRequest(req.Method); err != nil {
			h.writeResponse(w, h.errorResponse(req.ID, err))
			return
		}
		h.sessions.Touch(sess)
		sessionID = sess.ID
	}

	ctx, endSpan := h.requestContext(r, sessionID, req.Method)
	defer endSpan()

	wantsSSE := strings.Contains(r.Header.Get("Accept"), contentTypeSSE)
	if wantsSSE && sessionID != "" {
		h.serveRequestStream(ctx, w, sessionID, req, start)
		return
	}

	resp := h.runRequest(ctx, sessionID, req)
	h.observeRequest(ctx, req.Method, resp, start)
	h.writeResponse(w, resp)
}

// runRequest dispatches one request, bracketed by the in-flight gauge
func (h *Handler) runRequest(ctx context.Context, sessionID string, req *protocol.Request) *protocol.Response {
	h.metrics.OperationStarted()
	defer h.metrics.OperationFinished()
	return h.dispatcher.HandleRequest(ctx, sessionID, req)
}

// serveRequestStream answers a request over its own SSE stream: progress
// notifications emitted by the handler flow live, the response arrives as
// the final event, and everything is buffered for resumption.
func (h *Handler) serveRequestStream(ctx context.Context, w http.ResponseWriter, sessionID string, req *protocol.Request, start time.Time) {
	streamID := fmt.Sprintf("%v", req.ID)
	consumer, err := newSSEWriter(w)
	if err != nil {
		resp := h.runRequest(ctx, sessionID, req)
		h.observeRequest(ctx, req.Method, resp, start)
		h.writeResponse(w, resp)
		return
	}

	h.events.OpenStream(sessionID, streamID)
	h.events.AttachConsumer(sessionID, streamID, consumer)
	h.metrics.ConsumerAttached()
	defer h.metrics.ConsumerDetached()

	ctx = ContextWithStreamID(ctx, streamID)
	resp := h.runRequest(ctx, sessionID, req)
	h.observeRequest(ctx, req.Method, resp, start)

	if _, err := h.events.Append(sessionID, streamID, resp); err != nil {
		h.logger.Error("failed to append response",
			logging.String("session_id", sessionID),
			logging.String("stream_id", streamID),
			logging.ErrorField(err))
	}
	h.metrics.EventAppended()
	h.events.CloseStream(sessionID, streamID)
}

// handleNotification processes a notification; there is never a response
// body, only an acknowledgment
func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request, note *protocol.Notification) {
	sessionID := ""
	if !h.sessions.Stateless() {
		sess, ok := h.resolveSession(w, r, nil)
		if !ok {
			return
		}
		h.sessions.Touch(sess)
		sessionID = sess.ID

		if note.Method == protocol.MethodInitialized {
			if err := sess.CompleteNegotiation(); err != nil {
				h.writeRPCError(w, http.StatusBadRequest, nil, err)
				return
			}
			h.logger.Info("session operating", logging.String("session_id", sess.ID))
			h.metrics.NotificationHandled(note.Method)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err := sess.CheckRequest(note.Method); err != nil {
			h.writeRPCError(w, http.StatusBadRequest, nil, err)
			return
		}
	} else if note.Method == protocol.MethodInitialized {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	h.dispatcher.HandleNotification(ctx, sessionID, note)
	h.metrics.NotificationHandled(note.Method)
	w.WriteHeader(http.StatusAccepted)
}

// handleClientResponse correlates a client reply to a server-initiated call
func (h *Handler) handleClientResponse(w http.ResponseWriter, r *http.Request, resp *protocol.Response) {
	sessionID := ""
	if !h.sessions.Stateless() {
		sess, ok := h.resolveSession(w, r, nil)
		if !ok {
			return
		}
		h.sessions.Touch(sess)
		sessionID = sess.ID
	}
	h.dispatcher.HandleResponse(sessionID, resp)
	w.WriteHeader(http.StatusAccepted)
}

// handleGet opens the server-to-client event stream. With a Last-Event-ID
// header it replays everything after that event across all streams of the
// session before going live; without one it attaches to the general stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Stateless() {
		h.writeRPCError(w, http.StatusMethodNotAllowed, nil, errors.StatelessUnsupported("event stream"))
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), contentTypeSSE) {
		http.Error(w, "accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	sess, ok := h.resolveSession(w, r, nil)
	if !ok {
		return
	}
	if sess.Phase() == session.PhaseClosed {
		h.writeRPCError(w, http.StatusBadRequest, nil, errors.SessionClosed(sess.ID))
		return
	}

	consumer, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if lastEventID := r.Header.Get(LastEventIDHeader); lastEventID != "" {
		replayed, err := h.resumer.Resume(sess.ID, lastEventID, consumer)
		if err != nil {
			h.metrics.Resumption("failed", replayed)
			h.writeRPCError(w, http.StatusBadRequest, nil, err)
			return
		}
		h.metrics.Resumption("ok", replayed)
	} else {
		h.resumer.Attach(sess.ID, consumer)
	}
	h.metrics.ConsumerAttached()
	defer h.metrics.ConsumerDetached()
	defer h.resumer.Detach(sess.ID, consumer)

	h.sessions.Touch(sess)
	consumer.start()

	closed := h.watchers.watch(sess.ID)
	defer h.watchers.unwatch(sess.ID, closed)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if sess.Phase() == session.PhaseClosed {
				return
			}
			if err := consumer.comment("keep-alive"); err != nil {
				return
			}
			h.sessions.Touch(sess)
		}
	}
}

// handleDelete terminates the session explicitly
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Stateless() {
		h.writeRPCError(w, http.StatusMethodNotAllowed, nil, errors.StatelessUnsupported("session termination"))
		return
	}
	id := r.Header.Get(SessionHeader)
	if id == "" {
		h.writeRPCError(w, http.StatusBadRequest, nil,
			errors.Newf(protocol.InvalidRequest, errors.CategoryTransport, errors.SeverityWarning,
				"missing %s header", SessionHeader))
		return
	}
	if err := h.sessions.Terminate(id); err != nil {
		h.writeRPCError(w, http.StatusNotFound, nil, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Notify appends a server-initiated notification to the session's streams,
// preferring the per-call stream named by ctx when it is still open
func (h *Handler) Notify(ctx context.Context, sessionID, method string, params interface{}) error {
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return errors.Internal(err)
	}
	if _, err := h.events.Route(sessionID, StreamIDFromContext(ctx), note); err != nil {
		return err
	}
	h.metrics.EventAppended()
	return nil
}

// Call issues a server-initiated request over the general stream and waits
// for the client's response on a subsequent POST
func (h *Handler) Call(ctx context.Context, sessionID, method string, params interface{}) (*protocol.Response, error) {
	if h.sessions.Stateless() {
		return nil, errors.StatelessUnsupported("server-initiated requests")
	}
	return h.dispatcher.Call(ctx, method, params, func(req *protocol.Request) error {
		if _, err := h.events.Append(sessionID, eventlog.GeneralStream, req); err != nil {
			return err
		}
		h.metrics.EventAppended()
		return nil
	})
}

// resolveSession extracts and validates the session header
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, reqID interface{}) (*session.Session, bool) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		h.writeRPCError(w, http.StatusBadRequest, reqID,
			errors.Newf(protocol.InvalidRequest, errors.CategoryTransport, errors.SeverityWarning,
				"missing %s header", SessionHeader))
		return nil, false
	}
	sess, err := h.sessions.Get(id)
	if err != nil {
		h.writeRPCError(w, http.StatusNotFound, reqID, err)
		return nil, false
	}
	return sess, true
}

// requestContext tags the context for logging and tracing
func (h *Handler) requestContext(r *http.Request, sessionID, method string) (context.Context, func()) {
	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	if h.tracing == nil {
		return ctx, func() {}
	}
	ctx = h.tracing.Extract(ctx, propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracing.StartMethodSpan(ctx, method, sessionID)
	return ctx, func() { span.End() }
}

func (h *Handler) observeRequest(ctx context.Context, method string, resp *protocol.Response, start time.Time) {
	status := "ok"
	if resp.Error != nil {
		status = strconv.Itoa(int(resp.Error.Code))
		if h.tracing != nil {
			h.tracing.RecordError(ctx, resp.Error)
		}
	}
	h.metrics.RequestHandled(method, status, time.Since(start))
}

func (h *Handler) errorResponse(id interface{}, err error) *protocol.Response {
	pe := errors.ToProtocolError(err)
	resp, buildErr := protocol.NewErrorResponse(id, pe.Code, pe.Message, pe.Data)
	if buildErr != nil {
		resp, _ = protocol.NewErrorResponse(id, protocol.InternalError, "internal error", nil)
	}
	return resp
}

// writeRPCError writes a JSON-RPC error body with an HTTP status carrying
// the transport-level signal
func (h *Handler) writeRPCError(w http.ResponseWriter, status int, id interface{}, err error) {
	resp := h.errorResponse(id, err)
	data, encErr := protocol.Encode(resp)
	if encErr != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *protocol.Response) {
	data, err := protocol.Encode(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
