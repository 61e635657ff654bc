package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// Version is the supported JSON-RPC version
	Version = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Application-reserved error codes
const (
	// SessionNotFound indicates the referenced session id is unknown
	SessionNotFound ErrorCode = -32000
	// SessionClosed indicates the session has been closed and cannot be resurrected
	SessionClosed ErrorCode = -32001
	// NotInitialized indicates a request arrived before negotiation completed
	NotInitialized ErrorCode = -32002
	// OperationCancelled indicates an operation was cancelled
	OperationCancelled ErrorCode = -32003
	// VersionUnsupported indicates the requested protocol version is not supported
	VersionUnsupported ErrorCode = -32004
	// ResumptionExpired indicates the referenced event has been evicted from the replay window
	ResumptionExpired ErrorCode = -32005
	// StatelessUnsupported indicates a stateful-only feature was used in stateless mode
	StatelessUnsupported ErrorCode = -32006
)

// Message is the closed set of JSON-RPC message kinds: *Request, *Response
// and *Notification. Decoding classifies raw bytes into exactly one of them.
type Message interface {
	isMessage()
}

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// envelope carries the version tag shared by all message kinds
type envelope struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	envelope
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Request{
		envelope: envelope{JSONRPC: Version},
		ID:       id,
		Method:   method,
		Params:   paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	envelope
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	resultJSON, err := marshalField(result, "result")
	if err != nil {
		return nil, err
	}
	if resultJSON == nil {
		// A success response must carry a result member, even an empty one.
		resultJSON = json.RawMessage(`{}`)
	}
	return &Response{
		envelope: envelope{JSONRPC: Version},
		ID:       id,
		Result:   resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) (*Response, error) {
	var dataJSON interface{}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		dataJSON = json.RawMessage(dataBytes)
	}
	return &Response{
		envelope: envelope{JSONRPC: Version},
		ID:       id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// Notification represents a JSON-RPC 2.0 notification. A notification has no
// id by construction; the absence of the id member is the discriminator.
type Notification struct {
	envelope
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Notification, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}
	return &Notification{
		envelope: envelope{JSONRPC: Version},
		Method:   method,
		Params:   paramsJSON,
	}, nil
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func marshalField(v interface{}, name string) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return data, nil
}
