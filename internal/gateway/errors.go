package gateway

import "errors"

var (
	// ErrSuperseded terminates a session displaced by a newer login with the
	// same identity.
	ErrSuperseded = errors.New("superseded by newer connection")

	// ErrShutdown terminates sessions during graceful shutdown.
	ErrShutdown = errors.New("server shutting down")

	// ErrNotConnected is returned by the dispatcher when no live connection
	// holds the requested identity.
	ErrNotConnected = errors.New("device not connected")

	// ErrConnClosed fails command sends on a session that already terminated.
	ErrConnClosed = errors.New("connection closed")
)
