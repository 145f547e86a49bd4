// Package transport wraps one physical WebSocket connection attempt.
//
// A Handle is opened asynchronously: Open validates the URL and returns at
// once, and the outcome is reported through the Handler callbacks. Every
// handle that Open returns eventually reports exactly one OnClose, and all
// callbacks of a handle are delivered from a single goroutine in the order
// open, messages/errors, close.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned by Open when the target is not a ws:// or wss:// URL.
	ErrInvalidURL = errors.New("transport: invalid url")

	// ErrSendFailed is returned by Send when the handle is not open.
	ErrSendFailed = errors.New("transport: connection not open")
)

// Close codes used when the peer did not send one.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// ReadyState mirrors the lifecycle of a handle.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ready_state(%d)", int(s))
	}
}

// CloseEvent describes how a connection ended.
type CloseEvent struct {
	Code   int
	Reason string
	// WasClean is true when the closing handshake completed.
	WasClean bool
}

// Handler receives the events of one handle.
type Handler interface {
	OnOpen()
	OnMessage(payload []byte)
	OnError(err error)
	OnClose(ev CloseEvent)
}

// Handle is one connection attempt.
type Handle interface {
	// Send writes payload as a single text frame. It fails with ErrSendFailed
	// unless the handle is open at call time; nothing is queued.
	Send(payload []byte) error
	// Close starts the closing handshake. Closing twice is a no-op.
	Close()
	ReadyState() ReadyState
	URL() string
}

// Dialer opens handles.
type Dialer interface {
	Open(rawURL string, h Handler) (Handle, error)
}
