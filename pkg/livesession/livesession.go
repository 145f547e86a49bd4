// Package livesession exposes the shared, reconnecting live session to code
// outside this module.
package livesession

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/endpoint"
	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/session"
	"github.com/ergometer-live/backend/internal/transport"
)

// Re-export types from the internal packages for external use
type (
	Registry        = session.Registry
	Subscription    = session.Subscription
	Options         = session.Options
	Envelope        = model.Envelope
	Snapshot        = model.Snapshot
	ConnectionState = model.ConnectionState
	Provider        = endpoint.Provider
)

const (
	StateDisconnected = model.StateDisconnected
	StateConnecting   = model.StateConnecting
	StateConnected    = model.StateConnected
	StateReconnecting = model.StateReconnecting
)

var (
	ErrNotConnected   = model.ErrNotConnected
	ErrConnectFailed  = model.ErrConnectFailed
	ErrRegistryClosed = model.ErrRegistryClosed
	ErrReleased       = model.ErrReleased
)

// New creates a Registry with the given options.
func New(opts Options) *Registry {
	return session.NewRegistry(opts)
}

// NewWebSocket creates a Registry that dials gorilla/websocket connections.
// provider may be nil; delay <= 0 selects the default reconnect delay.
func NewWebSocket(provider Provider, delay time.Duration, log zerolog.Logger) *Registry {
	return session.NewRegistry(Options{
		Dialer:         transport.NewWebSocketDialer(log),
		Endpoint:       provider,
		ReconnectDelay: delay,
		Logger:         log,
	})
}

// NewEnvelope builds an envelope with data marshaled to JSON.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	return model.NewEnvelope(msgType, data)
}

// EndpointFromOrigin derives the WebSocket URL for a page origin.
func EndpointFromOrigin(origin, path string) (string, error) {
	return endpoint.FromOrigin(origin, path)
}
