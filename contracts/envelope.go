package contracts

import (
	"encoding/json"
	"fmt"
)

// ArgumentsField is the name of the arguments field on the queue wire format.
// The spelling is part of the deployed protocol; changing it requires a new protocol version.
const ArgumentsField = "agruments"

// Payload is the message published by the queue-routed bus
type Payload struct {
	App       string `json:"app,omitempty"`
	Command   string `json:"command"`
	Arguments any    `json:"agruments"`
}

// QueueMessage is the inbound form of Payload with undecoded arguments
type QueueMessage struct {
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"agruments"`
}

// UnmarshalJSON accepts the canonical field and the corrected "arguments" spelling
func (m *QueueMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Command   string          `json:"command"`
		Arguments json.RawMessage `json:"agruments"`
		Alt       json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Command = raw.Command
	m.Arguments = raw.Arguments
	if len(m.Arguments) == 0 {
		m.Arguments = raw.Alt
	}
	return nil
}

// Direction tags a cloud bus message with its role in a call
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionFallback Direction = "fallback"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	switch d {
	case DirectionRequest, DirectionResponse, DirectionFallback:
		return true
	}
	return false
}

// CloudPayload is the message exchanged by cloud buses
type CloudPayload struct {
	SessionID string          `json:"sessionId"`
	Sender    string          `json:"sender"`
	Direction Direction       `json:"direction"`
	Handler   string          `json:"handler"`
	Message   json.RawMessage `json:"message"`
}

// DecodeCloudPayload parses and checks a cloud bus message
func DecodeCloudPayload(body []byte) (*CloudPayload, error) {
	var p CloudPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid cloud payload: %w", err)
	}
	if p.Direction == "" {
		p.Direction = DirectionRequest
	}
	if !p.Direction.Valid() {
		return nil, fmt.Errorf("invalid cloud payload: unknown direction %q", p.Direction)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("invalid cloud payload: missing session id")
	}
	return &p, nil
}

// FallbackBody is the message of a fallback reply
type FallbackBody struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}
