package sandboxloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("sandboxloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("sandboxloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("sandboxloop: cannot call Run() from within the loop")

	// ErrNotSupported is returned for capabilities the backend fundamentally
	// cannot provide, e.g. process duplication on a sandboxed host. It is
	// never transient: retrying will not help.
	ErrNotSupported = errors.New("sandboxloop: operation not supported on this platform")

	// ErrBackendClosed is returned when a backend is used after Close.
	ErrBackendClosed = errors.New("sandboxloop: backend closed")

	// ErrFDOutOfRange is returned when registering an invalid file descriptor.
	ErrFDOutOfRange = errors.New("sandboxloop: fd out of range")

	// ErrFDAlreadyRegistered is returned when registering an already-registered FD.
	ErrFDAlreadyRegistered = errors.New("sandboxloop: fd already registered")

	// ErrFDNotRegistered is returned when modifying or unregistering an unknown FD.
	ErrFDNotRegistered = errors.New("sandboxloop: fd not registered")

	// ErrTimerNotFound is returned by CancelTimer for unknown, fired or
	// already cancelled timers.
	ErrTimerNotFound = errors.New("sandboxloop: timer not found")

	// ErrNilCallback is returned when a nil callback is supplied.
	ErrNilCallback = errors.New("sandboxloop: nil callback")

	// ErrInvalidOption is wrapped by option validation failures.
	ErrInvalidOption = errors.New("sandboxloop: invalid option")
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("sandboxloop: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As].
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
