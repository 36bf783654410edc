package rtctrack

import "errors"

// Errors returned synchronously by track and graph operations. Callers match
// them with errors.Is; the returned error usually wraps one of these with
// detail about the failing call.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	ErrNotSupported    = errors.New("operation not supported")
	ErrFailed          = errors.New("operation failed")
	ErrNotReady        = errors.New("not ready")

	// ErrNotAttached is returned when detaching a network that is not
	// attached. Teardown paths treat it as a benign no-op.
	ErrNotAttached = errors.New("network not attached")

	ErrWorkerClosed = errors.New("worker closed")
	ErrDeadlock     = errors.New("sync call would deadlock")
)
