package aio

// Request is implemented by every request kind in this package.
type Request interface {
	// State returns the lifecycle state of the request.
	State() RequestState
	// Kind identifies the concrete request type.
	Kind() RequestKind
	// DebugName returns the name set by SetDebugName.
	DebugName() string
	// Stop cancels the request. See [Loop] for the cancellation semantics.
	Stop() error

	base() *requestBase
}

// completer is implemented by the concrete request kinds. It builds the kind
// specific result, invokes the user callback, and reports whether the
// request was reactivated.
type completer interface {
	complete(l *Loop, err error) bool
}

// requestLocation tracks which loop structure currently references an
// active request.
type requestLocation uint8

const (
	locNone requestLocation = iota
	locSubmission
	locTimers
	locWakeUps
	locBackend
	locThreadPool
	locManual
)

// requestBase is embedded in every request kind.
type requestBase struct {
	_ [0]func() // non-comparable

	loop       *Loop
	impl       completer
	pendingErr error
	pool       *ThreadPool
	task       *ThreadPoolTask

	// intrusive links for Loop.active
	next, prev *requestBase

	debugName string
	sys       sysRequestData
	heapIndex int
	timerSeq  uint64

	kind           RequestKind
	state          RequestState
	loc            requestLocation
	inActive       bool
	excluded       bool
	dispatching    bool
	stopInCallback bool
}

func (r *requestBase) base() *requestBase { return r }

// State returns the lifecycle state of the request.
func (r *requestBase) State() RequestState { return r.state }

// Kind identifies the concrete request type. It is zero until the request
// has been started for the first time.
func (r *requestBase) Kind() RequestKind { return r.kind }

// DebugName returns the name set by SetDebugName.
func (r *requestBase) DebugName() string { return r.debugName }

// SetDebugName attaches a name to the request, used in log output.
func (r *requestBase) SetDebugName(name string) { r.debugName = name }

// Loop returns the loop the request was last started on, or nil.
func (r *requestBase) Loop() *Loop { return r.loop }

// Stop cancels the request.
//
// A submitting request completes with [ErrCancelled] during the next loop
// iteration without ever reaching the backend. An active request moves to
// [StateCancelling], and is freed once the backend confirms the cancellation.
// Calling Stop from within the request's own callback prevents a pending
// reactivation. Stopping a cancelling request is a no-op.
func (r *requestBase) Stop() error {
	if r.state == StateFree || r.loop == nil {
		return ErrRequestNotActive
	}
	return r.loop.stopRequest(r)
}

// start validates the common preconditions, then queues the request.
func (r *requestBase) start(l *Loop, kind RequestKind, impl completer) error {
	if l == nil {
		return ErrNilLoop
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	if l.state.Load() == loopClosed {
		return ErrLoopClosed
	}
	r.kind = kind
	r.impl = impl
	l.submit(r)
	return nil
}

// CompletionResult is passed (embedded in a kind specific result) to every
// callback. It is only valid for the duration of the callback.
type CompletionResult struct {
	loop       *Loop
	err        error
	reactivate bool
}

func newCompletionResult(l *Loop, err error) CompletionResult {
	return CompletionResult{loop: l, err: err}
}

// Loop returns the loop running the callback.
func (r *CompletionResult) Loop() *Loop { return r.loop }

// Err returns nil on success, [ErrCancelled] if the request was stopped, or
// the operational error that failed the request.
func (r *CompletionResult) Err() error { return r.err }

// Cancelled reports whether the request completed because it was stopped.
func (r *CompletionResult) Cancelled() bool { return r.err == ErrCancelled }

// ReactivateRequest re-arms the request with its existing parameters once the
// callback returns, instead of freeing it. Ignored for cancelled requests.
func (r *CompletionResult) ReactivateRequest(reactivate bool) { r.reactivate = reactivate }

// Reactivated reports the value last passed to ReactivateRequest.
func (r *CompletionResult) Reactivated() bool { return r.reactivate }
