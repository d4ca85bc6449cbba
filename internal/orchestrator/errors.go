package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection
	// and is not eligible for queuing (room creation and joining).
	ErrNotConnected = errors.New("not connected to server")

	// ErrTimeout is returned when the server does not confirm a request
	// within the request timeout. The caller may retry; the orchestrator
	// never retries requests on its own.
	ErrTimeout = errors.New("request timed out")

	// ErrCreateInFlight is returned when a room creation is attempted while
	// an earlier one is still awaiting confirmation.
	ErrCreateInFlight = errors.New("room creation already in flight")

	// ErrNoRoom is returned by state updates attempted outside a room.
	ErrNoRoom = errors.New("no active room")

	// ErrQueueOverflow is returned when the pending-update queue is full
	// and nothing in it may be dropped.
	ErrQueueOverflow = errors.New("pending update queue full")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// ValidationError reports malformed local input. It never reaches the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ServerError carries an explicit server rejection, message verbatim.
type ServerError struct {
	Op      string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
}
