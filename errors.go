package aio

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrBackendUnavailable indicates that the requested API type cannot be
	// used on this system. It is matched by [BackendInitError] via errors.Is.
	ErrBackendUnavailable = errors.New("aio: backend unavailable")

	// ErrLoopClosed is returned when operating on a closed loop.
	ErrLoopClosed = errors.New("aio: loop closed")

	// ErrLoopHasActiveRequests is returned by [Loop.Close] while requests are
	// still submitting, active or cancelling.
	ErrLoopHasActiveRequests = errors.New("aio: loop has active requests")

	// ErrReentrantRun is returned when Run, RunOnce or RunNoWait is called
	// from within a callback.
	ErrReentrantRun = errors.New("aio: cannot run loop from within a callback")

	// ErrRequestNotFree is returned when starting a request that is already
	// submitting, active or cancelling.
	ErrRequestNotFree = errors.New("aio: request is not free")

	// ErrRequestNotActive is returned when stopping a request that is free.
	ErrRequestNotActive = errors.New("aio: request is not active")

	// ErrWrongLoop is returned when a request is used with a loop other than
	// the one it was started on.
	ErrWrongLoop = errors.New("aio: request belongs to a different loop")

	// ErrInvalidDescriptor is returned when a request is started with an
	// invalid file, socket or process handle.
	ErrInvalidDescriptor = errors.New("aio: invalid descriptor")

	// ErrInvalidBuffer is returned when a request is started with a buffer
	// that cannot be used for the operation (e.g. empty receive buffer).
	ErrInvalidBuffer = errors.New("aio: invalid buffer")

	// ErrNegativeTimeout is returned when a [Timeout] is started with a
	// negative duration.
	ErrNegativeTimeout = errors.New("aio: negative timeout")

	// ErrCancelled is the completion error reported to the callback of a
	// request that was stopped.
	ErrCancelled = errors.New("aio: request cancelled")

	// ErrThreadPoolClosed is returned when queueing to a closed thread pool.
	ErrThreadPoolClosed = errors.New("aio: thread pool closed")

	// ErrTaskInUse is returned when a [ThreadPoolTask] is queued while it is
	// already queued or executing.
	ErrTaskInUse = errors.New("aio: thread pool task in use")

	// ErrUnsupported is returned (through the completion) for operations the
	// selected backend cannot perform on the given descriptor.
	ErrUnsupported = errors.New("aio: operation not supported by backend")

	// ErrNilLoop is returned when a request is started with a nil loop.
	ErrNilLoop = errors.New("aio: nil loop")
)

// BackendInitError is returned by [New] when the backend could not be
// created.
type BackendInitError struct {
	// Cause is the underlying OS error, if any.
	Cause error
	// Backend is the name of the backend that failed, e.g. "io_uring".
	Backend string
	// API is the requested API type.
	API APIType
}

// Error implements the error interface.
func (e *BackendInitError) Error() string {
	msg := "aio: " + e.Backend + " backend unavailable (api " + e.API.String() + ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *BackendInitError) Unwrap() error {
	return e.Cause
}

// Is reports true for [ErrBackendUnavailable].
func (e *BackendInitError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Kind  RequestKind
}

// Error implements the error interface.
func (e PanicError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("aio: task panicked: %v", e.Value)
	}
	return fmt.Sprintf("aio: %s callback panicked: %v", e.Kind, e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
