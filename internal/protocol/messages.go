// Package protocol defines the GraphQL wire types shared by the backend and
// the client: HTTP request/response bodies and graphql-transport-ws frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is negotiated in the Sec-WebSocket-Protocol header.
const Subprotocol = "graphql-transport-ws"

// Message types from client to server
const (
	TypeConnectionInit = "connection_init"
	TypeSubscribe      = "subscribe"
)

// Message types from server to client
const (
	TypeConnectionAck = "connection_ack"
	TypeNext          = "next"
	TypeError         = "error"
)

// Message types sent in either direction
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeComplete = "complete"
)

// Close codes
const (
	CloseInvalidMessage        = 4400
	CloseUnauthorized          = 4401
	CloseInitTimeout           = 4408
	CloseSubscriberExists      = 4409
	CloseTooManyInitRequests   = 4429
	CloseInternalServerFailure = 4500
)

// Message is a single graphql-transport-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionInitPayload carries the credentials of a websocket connection.
type ConnectionInitPayload struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// Request is a GraphQL operation, sent as an HTTP body or a subscribe payload.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL result, returned as an HTTP body or a next payload.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// Error is a single GraphQL error.
type Error struct {
	Message    string         `json:"message"`
	Path       []string       `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	if code, ok := e.Extensions["code"].(string); ok && code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, code)
	}
	return e.Message
}

// Err returns the first error of the response, or nil.
func (r *Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewMessage builds a frame, marshaling payload when it is non-nil.
func NewMessage(id, typ string, payload any) (Message, error) {
	msg := Message{ID: id, Type: typ}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// DecodePayload unmarshals the payload of msg into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Validate checks the frame shape: subscription frames need an id.
func (m Message) Validate() error {
	switch m.Type {
	case TypeConnectionInit, TypeConnectionAck, TypePing, TypePong:
		return nil
	case TypeSubscribe, TypeNext, TypeError, TypeComplete:
		if m.ID == "" {
			return fmt.Errorf("%s frame requires an id", m.Type)
		}
		return nil
	case "":
		return fmt.Errorf("frame has no type")
	default:
		return fmt.Errorf("unknown frame type %q", m.Type)
	}
}
