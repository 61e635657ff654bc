package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError describes why a raw payload could not be decoded into a
// Message. The Code distinguishes syntactically invalid payloads
// (ParseError), structurally invalid ones (InvalidRequest: parseable but
// missing the discriminator members) and semantically invalid ones
// (InvalidRequest: e.g. a response carrying both result and error).
type DecodeError struct {
	Code   ErrorCode
	Reason string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// wireMessage mirrors the union of all message members for classification.
// ID stays raw so that an absent member can be told apart from a null one.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (w *wireMessage) hasID() bool {
	return len(w.ID) > 0 && !bytes.Equal(w.ID, []byte("null"))
}

// Decode classifies raw bytes into exactly one Message kind. It is a pure
// function: no side effects, no partial state.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DecodeError{Code: ParseError, Reason: "payload is not valid JSON", cause: err}
	}

	if wire.JSONRPC != Version {
		return nil, &DecodeError{Code: InvalidRequest, Reason: fmt.Sprintf("unsupported jsonrpc version %q", wire.JSONRPC)}
	}

	switch {
	case wire.Method != "" && wire.hasID():
		if wire.Result != nil || wire.Error != nil {
			return nil, &DecodeError{Code: InvalidRequest, Reason: "request must not carry result or error members"}
		}
		id, err := decodeID(wire.ID)
		if err != nil {
			return nil, &DecodeError{Code: InvalidRequest, Reason: "request id is not a valid JSON value", cause: err}
		}
		return &Request{
			envelope: envelope{JSONRPC: wire.JSONRPC},
			ID:       id,
			Method:   wire.Method,
			Params:   wire.Params,
		}, nil

	case wire.Method != "":
		return &Notification{
			envelope: envelope{JSONRPC: wire.JSONRPC},
			Method:   wire.Method,
			Params:   wire.Params,
		}, nil

	case wire.hasID():
		if wire.Result != nil && wire.Error != nil {
			return nil, &DecodeError{Code: InvalidRequest, Reason: "response must carry exactly one of result and error"}
		}
		if wire.Result == nil && wire.Error == nil {
			return nil, &DecodeError{Code: InvalidRequest, Reason: "response carries neither result nor error"}
		}
		id, err := decodeID(wire.ID)
		if err != nil {
			return nil, &DecodeError{Code: InvalidRequest, Reason: "response id is not a valid JSON value", cause: err}
		}
		return &Response{
			envelope: envelope{JSONRPC: wire.JSONRPC},
			ID:       id,
			Result:   wire.Result,
			Error:    wire.Error,
		}, nil

	default:
		return nil, &DecodeError{Code: InvalidRequest, Reason: "message carries neither method nor id"}
	}
}

// decodeID unmarshals an id member preserving the exact decimal text of
// numeric ids, so correlation keys never suffer float formatting drift
func decodeID(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var id interface{}
	if err := dec.Decode(&id); err != nil {
		return nil, err
	}
	return id, nil
}

// IDKey renders a request id as a stable map key, tagged by kind so the
// string id "1" and the numeric id 1 never collide
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("n:%v", v)
	}
}

// Encode serializes a Message to bytes. The version tag is filled in if the
// message was constructed literally without one.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		if m.JSONRPC == "" {
			m.JSONRPC = Version
		}
	case *Response:
		if m.JSONRPC == "" {
			m.JSONRPC = Version
		}
	case *Notification:
		if m.JSONRPC == "" {
			m.JSONRPC = Version
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
