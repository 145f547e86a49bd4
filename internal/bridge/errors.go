package bridge

import "errors"

var (
	// ErrNotConnected is returned when a sink's server is unreachable.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrPublishFailed is returned when a broker rejects or times out a publish.
	ErrPublishFailed = errors.New("bridge: publish failed")

	// ErrConnectionFailed is returned when a sink cannot reach its server at startup.
	ErrConnectionFailed = errors.New("bridge: connection failed")
)
