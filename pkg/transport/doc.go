// Package transport implements the streamable HTTP endpoint.
//
// A single handler serves three verbs on one path. POST carries client
// messages: an initialize request creates a session and every later message
// must present the session id in the StreamRPC-Session-ID header. A POST
// that accepts text/event-stream gets its own short-lived SSE stream that
// carries notifications emitted while the request runs, then the response
// as the final event. GET opens the session's general SSE stream for
// server-initiated messages; a reconnecting client sends Last-Event-ID and
// missed events are replayed before live delivery resumes. DELETE
// terminates the session.
//
// Every SSE event carries an id recorded in the event log, so any delivered
// event is a valid resumption point until it expires.
package transport
