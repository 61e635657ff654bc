// Package errors provides structured error handling for the session layer.
// It defines error types that map to JSON-RPC error codes and carry enough
// context for logging and programmatic handling at the transport boundary.
package errors

import (
	"fmt"
	"time"

	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// Category classifies an error for handling and reporting
type Category string

const (
	CategoryProtocol   Category = "protocol"
	CategorySession    Category = "session"
	CategoryResumption Category = "resumption"
	CategoryCancelled  Category = "cancelled"
	CategoryHandler    Category = "handler"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred
type Context struct {
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	Component string    `json:"component,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StructuredError is the interface implemented by all session-layer errors
type StructuredError interface {
	error

	// Code returns the JSON-RPC error code
	Code() protocol.ErrorCode

	// Message returns a human-readable error message
	Message() string

	// Data returns structured error data for the wire, may be nil
	Data() interface{}

	// Category returns the error category
	Category() Category

	// Severity returns the error severity
	Severity() Severity

	// Context returns the error context, may be nil
	Context() *Context

	// WithContext returns a copy with the provided context
	WithContext(ctx *Context) StructuredError

	// WithData returns a copy with structured wire data
	WithData(data interface{}) StructuredError

	// Unwrap returns the underlying cause
	Unwrap() error
}

type baseError struct {
	code     protocol.ErrorCode
	message  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Code() protocol.ErrorCode { return e.code }
func (e *baseError) Message() string          { return e.message }
func (e *baseError) Data() interface{}        { return e.data }
func (e *baseError) Category() Category       { return e.category }
func (e *baseError) Severity() Severity       { return e.severity }
func (e *baseError) Context() *Context        { return e.context }
func (e *baseError) Unwrap() error            { return e.cause }

func (e *baseError) WithContext(ctx *Context) StructuredError {
	cp := *e
	cp.context = ctx
	return &cp
}

func (e *baseError) WithData(data interface{}) StructuredError {
	cp := *e
	cp.data = data
	return &cp
}

// New creates a new StructuredError
func New(code protocol.ErrorCode, message string, category Category, severity Severity) StructuredError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// Newf creates a new StructuredError with a formatted message
func Newf(code protocol.ErrorCode, category Category, severity Severity, format string, args ...interface{}) StructuredError {
	return New(code, fmt.Sprintf(format, args...), category, severity)
}

// Wrap wraps an existing error as a StructuredError
func Wrap(err error, code protocol.ErrorCode, message string, category Category, severity Severity) StructuredError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsStructured extracts a StructuredError from anywhere in an error chain,
// so a handler wrapping a domain error with fmt.Errorf("%w") keeps its code
func AsStructured(err error) (StructuredError, bool) {
	if err == nil {
		return nil, false
	}
	var se StructuredError
	if As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether an error carries a specific protocol code
func IsCode(err error, code protocol.ErrorCode) bool {
	if se, ok := AsStructured(err); ok {
		return se.Code() == code
	}
	return false
}

// ToProtocolError converts any error into a wire-level error payload. Codec
// and structured errors keep their code; everything else collapses into a
// generic internal error so handler failures never leak internals verbatim.
func ToProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	if se, ok := AsStructured(err); ok {
		return &protocol.Error{Code: se.Code(), Message: se.Message(), Data: se.Data()}
	}
	var de *protocol.DecodeError
	if As(err, &de) {
		return &protocol.Error{Code: de.Code, Message: de.Reason}
	}
	var pe *protocol.Error
	if As(err, &pe) {
		return pe
	}
	return &protocol.Error{Code: protocol.InternalError, Message: "internal error"}
}
