package aio

import (
	"context"
	"sync"
	"sync/atomic"
)

// LoopWakeUp lets any goroutine signal the loop goroutine. Each WakeUp
// results in (at least) one callback invocation; wake ups issued before the
// callback runs are coalesced.
//
// A LoopWakeUp stays active until its callback returns without reactivating,
// so a permanently armed wake up is usually started with
// ReactivateRequest(true) in its callback, and excluded from the active
// count (see [Loop.ExcludeFromActiveCount]).
type LoopWakeUp struct {
	requestBase

	// Callback is invoked on the loop goroutine after WakeUp.
	Callback func(result *LoopWakeUpResult)

	event   *EventObject
	target  atomic.Pointer[Loop]
	pending atomic.Bool
}

// LoopWakeUpResult is passed to [LoopWakeUp.Callback].
type LoopWakeUpResult struct {
	CompletionResult
	Request *LoopWakeUp
}

// Start arms the wake up. If event is non-nil, it is signalled after every
// callback invocation, which allows the goroutine calling WakeUp to block
// until the loop has processed it (see [EventObject.Wait]).
func (r *LoopWakeUp) Start(l *Loop, event *EventObject) error {
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.event = event
	if err := r.start(l, KindLoopWakeUp, r); err != nil {
		return err
	}
	r.target.Store(l)
	return nil
}

// WakeUp signals the loop. Safe for concurrent use from any goroutine.
// Returns [ErrRequestNotActive] if the request is not started.
func (r *LoopWakeUp) WakeUp() error {
	l := r.target.Load()
	if l == nil {
		return ErrRequestNotActive
	}
	r.pending.Store(true)
	l.wakeUpPending.Store(true)
	return l.wake()
}

func (r *LoopWakeUp) complete(l *Loop, err error) bool {
	res := LoopWakeUpResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// signalEvent releases a goroutine blocked on the event object, if any.
func (r *LoopWakeUp) signalEvent() {
	if r.event != nil {
		r.event.Signal()
	}
}

// EventObject is an auto-reset event: Signal releases at most one Wait,
// and signals do not accumulate. The zero value is ready to use.
type EventObject struct {
	ch   chan struct{}
	once sync.Once
}

// NewEventObject returns a new, unsignalled event object.
func NewEventObject() *EventObject {
	e := &EventObject{}
	e.init()
	return e
}

func (e *EventObject) init() {
	e.once.Do(func() { e.ch = make(chan struct{}, 1) })
}

// Signal sets the event. Does not block.
func (e *EventObject) Signal() {
	e.init()
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the event is set, then resets it.
func (e *EventObject) Wait() {
	e.init()
	<-e.ch
}

// WaitContext is like Wait, but returns ctx.Err() if ctx is done first.
func (e *EventObject) WaitContext(ctx context.Context) error {
	e.init()
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
