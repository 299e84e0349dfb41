package retry

import "errors"

var (
	ErrNilQueue       = errors.New("retry: nil queue")
	ErrNilHandler     = errors.New("retry: nil handler")
	ErrInvalidConfig  = errors.New("retry: invalid config")
	ErrAlreadyRunning = errors.New("retry: buffer already running")

	// ErrHandlerPanic wraps a value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("retry: handler panicked")
)
