// Package streamrpc implements a stateful session layer for a JSON-RPC
// request/response/notification protocol carried over streamable HTTP.
//
// A server built with this module gives each client a negotiated session,
// delivers server-to-client messages over Server-Sent Events, records every
// delivered event in a replayable log so a dropped stream can be resumed
// with Last-Event-ID, and lets clients cancel in-flight operations
// cooperatively.
//
// # Sub-packages
//
//   - pkg/protocol: wire types, message classification and version negotiation
//   - pkg/session: session lifecycle, negotiation and reclamation
//   - pkg/eventlog: per-session event log, streams and resumption
//   - pkg/dispatch: request dispatch, pending-operation registry, cancellation
//   - pkg/transport: the streamable HTTP endpoint (POST/GET/DELETE + SSE)
//   - pkg/auth: optional bearer-token and API-key authentication
//   - pkg/errors: structured errors mapped onto protocol error codes
//   - pkg/logging: structured logging used throughout the module
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Running a Server
//
// The typical wiring mirrors cmd/streamrpcd:
//
//	sessions := session.NewManager(session.DefaultConfig(), caps, info, logger)
//	events := eventlog.New(eventlog.DefaultConfig(), logger)
//	registry := dispatch.NewRegistry(logger)
//	dispatcher := dispatch.NewDispatcher(dispatch.DefaultConfig(), handler, registry, logger)
//
//	h := transport.NewHandler(transport.DefaultConfig(), transport.Deps{
//	    Sessions:   sessions,
//	    Dispatcher: dispatcher,
//	    Events:     events,
//	    Resumer:    eventlog.NewCoordinator(events, logger),
//	    Logger:     logger,
//	})
//	http.ListenAndServe(":8080", h)
//
// The handler given to the dispatcher implements the application's methods;
// everything else (sessions, ordering, resumption, cancellation) is handled
// by this module.
package streamrpc
