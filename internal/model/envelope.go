// Package model holds the types shared between the session core, the relay
// server and the workout store.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the uniform wrapper for every message exchanged over the transport.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Message type names observed on the wire.
const (
	TypeStartWorkout = "start_workout"
	TypeStopWorkout  = "stop_workout"
	TypeGetStatus    = "get_status"

	TypeStatus         = "status"
	TypeWorkoutStats   = "workout_stats"
	TypeWorkoutState   = "workout_state"
	TypeError          = "error"
	TypeSuccess        = "success"
	TypeWorkoutStarted = "workout_started"
	TypeWorkoutEnded   = "workout_ended"
)

// NewEnvelope builds an envelope with data marshaled to JSON and no timestamp.
// A nil data value produces an envelope without a data field.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
	}
	env.Data = raw
	return env, nil
}

// Stamped returns a copy of the envelope carrying t as an RFC 3339 timestamp.
func (e Envelope) Stamped(t time.Time) Envelope {
	e.Timestamp = t.UTC().Format(time.RFC3339Nano)
	return e
}

// DecodeEnvelope parses a wire payload. Payloads that are not a JSON object
// with a non-empty type are rejected with ErrDecodeFailed.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrDecodeFailed)
	}
	return env, nil
}

// ConnectionState is the lifecycle state of the shared session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the observable view of the shared session at one point in time.
type Snapshot struct {
	State       ConnectionState
	Error       string
	LastMessage *Envelope
	Consumers   int
}

// Connected reports whether the session transport is open.
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// Connecting reports whether an open attempt is in progress.
func (s Snapshot) Connecting() bool {
	return s.State == StateConnecting || s.State == StateReconnecting
}
