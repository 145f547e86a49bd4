package model

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted while the session is not connected.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectFailed is returned when a transport could not be constructed or opened.
	ErrConnectFailed = errors.New("session: connect failed")

	// ErrDecodeFailed is returned when a received payload is not a valid envelope.
	ErrDecodeFailed = errors.New("session: payload is not an envelope")

	// ErrRegistryClosed is returned by operations on a registry that has been shut down.
	ErrRegistryClosed = errors.New("session: registry closed")

	// ErrReleased is returned by operations on a released subscription.
	ErrReleased = errors.New("session: subscription released")

	// ErrWorkoutNotFound is returned when a workout record is not found.
	ErrWorkoutNotFound = errors.New("workout not found")

	// ErrWorkoutActive is returned when a workout is started while another is running.
	ErrWorkoutActive = errors.New("workout already in progress")

	// ErrNoActiveWorkout is returned when stopping while no workout is running.
	ErrNoActiveWorkout = errors.New("no workout in progress")

	// ErrInvalidWorkout is returned when workout parameters fail validation.
	ErrInvalidWorkout = errors.New("invalid workout parameters")
)
