// Package protocol defines the signaling wire format: a JSON envelope per
// WebSocket text frame carrying requests, responses and notifications.
package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

// Message is the envelope shared by all three message types. ID is set on
// requests and responses only; Method on requests and notifications only.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func NewRequest(id uint64, method string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeRequest, ID: id, Method: method, Payload: raw}, nil
}

func NewNotification(method string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeNotification, Method: method, Payload: raw}, nil
}

func NewResponse(id uint64, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeResponse, ID: id, Payload: raw}, nil
}

// NewErrorResponse builds a failed response. payload may be nil; some steps
// echo the error inside their payload for clients that only read payloads.
func NewErrorResponse(id uint64, e *Error, payload interface{}) *Message {
	msg := &Message{Type: TypeResponse, ID: id, Error: e}
	if payload != nil {
		if raw, err := marshalPayload(payload); err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// Decode parses and checks one envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeRequest:
		if msg.ID == 0 {
			return nil, fmt.Errorf("%w: request without id", ErrMalformed)
		}
		if msg.Method == "" {
			return nil, fmt.Errorf("%w: request without method", ErrMalformed)
		}
	case TypeNotification:
		if msg.Method == "" {
			return nil, fmt.Errorf("%w: notification without method", ErrMalformed)
		}
	case TypeResponse:
		if msg.ID == 0 {
			return nil, fmt.Errorf("%w: response without id", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msg.Type)
	}
	return &msg, nil
}

// DecodePayload unmarshals the message payload into v. An absent payload
// leaves v untouched.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", ErrMalformed, m.Method, err)
	}
	return nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
