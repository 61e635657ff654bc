// Package pkg groups the components of the streamrpc session layer.
//
// Each sub-package owns one concern:
//
//   - protocol: wire-level message types, decoding and version negotiation
//   - session: session lifecycle from creation through negotiation to close
//   - eventlog: replayable per-session event streams and resumption
//   - dispatch: handler invocation, pending-operation tracking, cancellation
//   - transport: the streamable HTTP endpoint binding the above together
//   - auth: request authentication for the HTTP endpoint
//   - errors: structured error values with protocol code mapping
//   - logging: leveled structured logging
//   - observability: metrics and tracing instrumentation
//
// Packages lower in the list depend on those above; protocol and errors are
// leaf packages everything else builds on.
package pkg
