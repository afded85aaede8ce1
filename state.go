package aio

import (
	"sync/atomic"
)

// RequestState is the lifecycle state of a request.
//
// State Machine:
//
//	StateFree → StateSubmitting          [Start()]
//	StateSubmitting → StateActive        [next loop iteration]
//	StateActive → StateFree              [completion, not reactivated]
//	StateActive → StateSubmitting        [completion, reactivated]
//	StateSubmitting → StateCancelling    [Stop()]
//	StateActive → StateCancelling        [Stop()]
//	StateCancelling → StateFree          [cancellation confirmed]
type RequestState uint8

const (
	// StateFree indicates the request is not known to any loop. Only free
	// requests may be started, modified or discarded.
	StateFree RequestState = iota
	// StateSubmitting indicates the request is queued for activation.
	StateSubmitting
	// StateActive indicates the request is in flight.
	StateActive
	// StateCancelling indicates Stop was called, and the loop is waiting for
	// the backend to confirm the cancellation.
	StateCancelling
)

// String returns a human-readable representation of the state.
func (s RequestState) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateSubmitting:
		return "Submitting"
	case StateActive:
		return "Active"
	case StateCancelling:
		return "Cancelling"
	default:
		return "Unknown"
	}
}

// RequestKind identifies the concrete type of a request.
type RequestKind uint8

const (
	KindTimeout RequestKind = iota + 1
	KindLoopWakeUp
	KindProcessExit
	KindSocketAccept
	KindSocketConnect
	KindSocketSend
	KindSocketReceive
	KindSocketClose
	KindFileRead
	KindFileWrite
	KindFileClose
)

// String returns a human-readable representation of the kind.
func (k RequestKind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindLoopWakeUp:
		return "LoopWakeUp"
	case KindProcessExit:
		return "ProcessExit"
	case KindSocketAccept:
		return "SocketAccept"
	case KindSocketConnect:
		return "SocketConnect"
	case KindSocketSend:
		return "SocketSend"
	case KindSocketReceive:
		return "SocketReceive"
	case KindSocketClose:
		return "SocketClose"
	case KindFileRead:
		return "FileRead"
	case KindFileWrite:
		return "FileWrite"
	case KindFileClose:
		return "FileClose"
	default:
		return "Unknown"
	}
}

// isFileKind reports kinds that may be delegated to a thread pool.
func (k RequestKind) isFileKind() bool {
	return k == KindFileRead || k == KindFileWrite || k == KindFileClose
}

// loopState is the run state of a Loop.
//
//	loopIdle → loopRunning     [Run(), RunOnce(), RunNoWait()]
//	loopRunning → loopIdle     [return from run]
//	loopIdle → loopClosed      [Close()]
type loopState uint32

const (
	loopIdle loopState = iota
	loopRunning
	loopClosed
)

func (s loopState) String() string {
	switch s {
	case loopIdle:
		return "Idle"
	case loopRunning:
		return "Running"
	case loopClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// fastState is an atomic state machine, readable from any goroutine.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() loopState {
	return loopState(s.v.Load())
}

func (s *fastState) Store(state loopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to loopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
