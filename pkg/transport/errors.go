package transport

import "errors"

var (
	// ErrReadyTimeout is returned when the listener does not accept connections before the deadline
	ErrReadyTimeout = errors.New("listener not ready before deadline")

	// ErrStoppedUnexpectedly is returned when the listener task exits without an error while waiting for readiness
	ErrStoppedUnexpectedly = errors.New("listener stopped unexpectedly")

	// ErrInvalidPort is returned when the requested port cannot be bound
	ErrInvalidPort = errors.New("invalid port")

	// ErrNoRunner is returned when the supervisor has no listener runner
	ErrNoRunner = errors.New("transport runner is required")
)
