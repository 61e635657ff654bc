package errors

import (
	stderrors "errors"

	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// Re-exports so callers importing this package don't also need the stdlib one.

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain matching target
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Domain error constructors. These cover the sequencing, resumption and
// cancellation failures the session layer surfaces on the wire.

// SessionNotFound reports an unknown session id
func SessionNotFound(sessionID string) StructuredError {
	return Newf(protocol.SessionNotFound, CategorySession, SeverityWarning,
		"session %s not found", sessionID).
		WithContext(&Context{SessionID: sessionID})
}

// SessionClosed reports a message sent to a terminally closed session
func SessionClosed(sessionID string) StructuredError {
	return Newf(protocol.SessionClosed, CategorySession, SeverityWarning,
		"session %s is closed", sessionID).
		WithContext(&Context{SessionID: sessionID})
}

// NotInitialized reports a request received before negotiation completed
func NotInitialized(method string) StructuredError {
	return Newf(protocol.NotInitialized, CategorySession, SeverityWarning,
		"invalid request: session not yet initialized (method %s)", method)
}

// AlreadyInitialized reports a duplicate initialize attempt
func AlreadyInitialized() StructuredError {
	return New(protocol.InvalidRequest, "session already initialized",
		CategorySession, SeverityWarning)
}

// VersionUnsupported reports a protocol version the server does not speak
func VersionUnsupported(requested string) StructuredError {
	return Newf(protocol.VersionUnsupported, CategoryProtocol, SeverityError,
		"unsupported protocol version %q", requested).
		WithData(map[string]interface{}{"supported": protocol.SupportedVersions})
}

// MethodNotFound reports an unknown method
func MethodNotFound(method string) StructuredError {
	return Newf(protocol.MethodNotFound, CategoryProtocol, SeverityWarning,
		"method not found: %s", method)
}

// InvalidParams reports malformed request parameters
func InvalidParams(method string, cause error) StructuredError {
	return Wrap(cause, protocol.InvalidParams,
		"invalid params for "+method, CategoryProtocol, SeverityWarning)
}

// DuplicateRequest reports a request id that is already in flight
func DuplicateRequest(requestID string) StructuredError {
	return Newf(protocol.InvalidRequest, CategoryProtocol, SeverityWarning,
		"request id %s is already in flight", requestID)
}

// OperationCancelled reports a cooperatively cancelled operation
func OperationCancelled(requestID string) StructuredError {
	return Newf(protocol.OperationCancelled, CategoryCancelled, SeverityInfo,
		"operation cancelled").
		WithContext(&Context{RequestID: requestID})
}

// ResumptionExpired reports a last-event-id that fell out of the replay window
func ResumptionExpired(lastEventID string) StructuredError {
	return Newf(protocol.ResumptionExpired, CategoryResumption, SeverityWarning,
		"resumption window expired for event %s", lastEventID)
}

// UnknownEvent reports a last-event-id that never existed
func UnknownEvent(lastEventID string) StructuredError {
	return Newf(protocol.InvalidRequest, CategoryResumption, SeverityWarning,
		"unknown event id %s", lastEventID)
}

// StatelessUnsupported reports a stateful-only feature used in stateless mode
func StatelessUnsupported(feature string) StructuredError {
	return Newf(protocol.StatelessUnsupported, CategorySession, SeverityWarning,
		"%s is unsupported in stateless mode", feature)
}

// Internal wraps an unexpected failure
func Internal(cause error) StructuredError {
	return Wrap(cause, protocol.InternalError, "internal error",
		CategoryInternal, SeverityError)
}
