package aio

import (
	"time"
)

// Timeout completes after a relative duration, measured from the loop time
// at activation. Timeouts fire in deadline order, ties resolved in the order
// they were started.
type Timeout struct {
	requestBase

	// Callback is invoked on the loop goroutine when the timeout expires.
	Callback func(result *TimeoutResult)

	expiration time.Time
	relative   time.Duration
}

// TimeoutResult is passed to [Timeout.Callback].
type TimeoutResult struct {
	CompletionResult
	Request *Timeout
}

// Start arms the timeout. A zero duration fires on the next iteration.
func (r *Timeout) Start(l *Loop, relative time.Duration) error {
	if relative < 0 {
		return ErrNegativeTimeout
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.relative = relative
	r.heapIndex = -1
	return r.start(l, KindTimeout, r)
}

// RelativeTimeout returns the duration passed to Start.
func (r *Timeout) RelativeTimeout() time.Duration { return r.relative }

// ExpirationTime returns the absolute deadline of the last activation.
func (r *Timeout) ExpirationTime() time.Time { return r.expiration }

func (r *Timeout) complete(l *Loop, err error) bool {
	res := TimeoutResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}
