package aio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Loop is a single-threaded asynchronous I/O event loop.
//
// Requests are started against a loop, and completed by running it. All
// callbacks run synchronously on the goroutine calling Run, RunOnce or
// RunNoWait, one at a time, in the order their completions are drained.
//
// A Loop must not be copied.
type Loop struct {
	_ [0]func() // non-comparable

	backend         kernelQueue
	logger          *logiface.Logger[logiface.Event]
	limiter         *catrate.Limiter
	metrics         *Metrics
	poolCompletions *completionIngress
	associated      map[uintptr]struct{}

	// requests started or reactivated, not yet handed to the backend
	submissions deque.Deque[*requestBase]
	// completions to deliver without waiting on the backend
	manual deque.Deque[*requestBase]
	// active LoopWakeUp requests
	wakeUps deque.Deque[*LoopWakeUp]
	// every request past submission, in activation order
	active requestList
	timers timerHeap

	now      time.Time
	timerSeq uint64
	id       uint64

	// non-free requests, and those of them excluded from the active count
	numBusy     int
	numExcluded int

	wakeMu        sync.RWMutex
	state         fastState
	stopRequested atomic.Bool
	wakeUpPending atomic.Bool
}

var loopIDCounter atomic.Uint64

type runMode uint8

const (
	runDefault runMode = iota
	runOnce
	runNoWait
)

// New creates a loop, allocating the backend resources.
//
// Fails with a [BackendInitError] (matching [ErrBackendUnavailable]) if the
// backend selected by [WithAPIType] is not available.
func New(opts ...LoopOption) (*Loop, error) {
	options, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:              loopIDCounter.Add(1),
		logger:          options.logger,
		limiter:         newLogLimiter(),
		poolCompletions: newCompletionIngress(),
		associated:      make(map[uintptr]struct{}),
		now:             time.Now(),
	}
	if options.metricsEnabled {
		l.metrics = &Metrics{}
	}

	backend, err := newKernelQueue(l, options)
	if err != nil {
		l.logger.Debug().
			Uint64("loop", l.id).
			Str("api", options.apiType.String()).
			Err(err).
			Log("aio: backend initialization failed")
		return nil, err
	}
	l.backend = backend

	l.logger.Debug().
		Uint64("loop", l.id).
		Str("api", options.apiType.String()).
		Str("backend", backend.name()).
		Log("aio: loop created")

	return l, nil
}

// Run runs the loop until no (non-excluded) requests remain, or until Stop is
// called. Errors from the backend wait abort the run.
func (l *Loop) Run() error {
	return l.run(runDefault)
}

// RunOnce performs a single iteration, blocking until at least one
// completion, wake up or timer is ready (unless nothing is outstanding).
func (l *Loop) RunOnce() error {
	return l.run(runOnce)
}

// RunNoWait performs a single iteration without blocking, dispatching only
// completions that are already available.
func (l *Loop) RunNoWait() error {
	return l.run(runNoWait)
}

func (l *Loop) run(mode runMode) error {
	if !l.state.TryTransition(loopIdle, loopRunning) {
		if l.state.Load() == loopClosed {
			return ErrLoopClosed
		}
		return ErrReentrantRun
	}
	defer l.state.Store(loopIdle)

	for {
		more, err := l.step(mode)
		if err != nil {
			return err
		}
		if !more || mode != runDefault {
			return nil
		}
		if l.stopRequested.Swap(false) {
			return nil
		}
	}
}

// step performs one iteration: stage submissions, wait, then dispatch
// expired timers, backend completions, thread pool completions, wake ups and
// manual completions, in that order.
// Returns false if there was nothing to wait for.
func (l *Loop) step(mode runMode) (bool, error) {
	l.UpdateTime()
	l.stageSubmissions()

	if l.numBusy-l.numExcluded <= 0 &&
		l.manual.Len() == 0 &&
		!l.wakeUpPending.Load() &&
		l.poolCompletions.length() == 0 {
		return false, nil
	}

	timeout := time.Duration(-1)
	if mode == runNoWait ||
		l.manual.Len() != 0 ||
		l.wakeUpPending.Load() ||
		l.stopRequested.Load() {
		timeout = 0
	} else if delay, ok := l.nextTimerDelay(); ok {
		timeout = delay
	}

	if err := l.backend.wait(timeout); err != nil {
		l.logger.Err().
			Uint64("loop", l.id).
			Str("backend", l.backend.name()).
			Err(err).
			Log("aio: backend wait failed")
		return false, err
	}

	l.UpdateTime()
	l.runTimers()
	l.backend.dispatch()
	l.poolCompletions.drain(l.finishPooled)
	l.runWakeUps()
	l.runManualCompletions()
	return true, nil
}

// Stop requests that Run return after the current iteration. Safe for
// concurrent use. The flag persists until observed by Run.
func (l *Loop) Stop() error {
	if l.state.Load() == loopClosed {
		return ErrLoopClosed
	}
	l.stopRequested.Store(true)
	if l.state.Load() == loopRunning {
		return l.wake()
	}
	return nil
}

// Close releases the backend. It fails with [ErrLoopHasActiveRequests] if
// any request is submitting, active or cancelling; such requests must be
// stopped and drained (by running the loop) first.
func (l *Loop) Close() error {
	switch l.state.Load() {
	case loopClosed:
		return ErrLoopClosed
	case loopRunning:
		return ErrReentrantRun
	}
	if l.numBusy > 0 {
		if b := l.logger.Debug(); b.Enabled() {
			l.active.each(func(r *requestBase) {
				l.logger.Debug().
					Uint64("loop", l.id).
					Str("kind", r.kind.String()).
					Str("state", r.state.String()).
					Str("name", r.debugName).
					Log("aio: close blocked by request")
			})
			b.Release()
		}
		return fmt.Errorf("%w: %d outstanding", ErrLoopHasActiveRequests, l.numBusy)
	}

	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if !l.state.TryTransition(loopIdle, loopClosed) {
		return ErrLoopClosed
	}
	err := l.backend.close()
	clear(l.associated)

	l.logger.Debug().
		Uint64("loop", l.id).
		Str("backend", l.backend.name()).
		Log("aio: loop closed")

	return err
}

// WakeUpFromExternalThread interrupts a blocking wait, without invoking any
// callback. Safe for concurrent use.
func (l *Loop) WakeUpFromExternalThread() error {
	return l.wake()
}

func (l *Loop) wake() error {
	l.wakeMu.RLock()
	defer l.wakeMu.RUnlock()
	if l.state.Load() == loopClosed {
		return ErrLoopClosed
	}
	return l.backend.wake()
}

// Now returns the cached loop time, updated at the start of every iteration
// and after every backend wait. Timeout deadlines are relative to it.
func (l *Loop) Now() time.Time { return l.now }

// UpdateTime refreshes the cached loop time.
func (l *Loop) UpdateTime() { l.now = time.Now() }

// API returns the kind of backend in use, either [APIForceReadiness] or
// [APIForceCompletion].
func (l *Loop) API() APIType { return l.backend.api() }

// BackendName returns the name of the backend in use, e.g. "epoll".
func (l *Loop) BackendName() string { return l.backend.name() }

// NeedsThreadPoolForFileOperations reports whether file reads and writes on
// regular files block the loop unless a thread pool is provided via
// SetThreadPoolAndTask.
func (l *Loop) NeedsThreadPoolForFileOperations() bool {
	return l.backend.needsThreadPoolForFiles()
}

// Metrics returns a snapshot of the loop metrics, or nil if metrics are not
// enabled (see [WithMetrics]).
func (l *Loop) Metrics() *Metrics {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.snapshot()
}

// NumActiveRequests returns the number of requests that are not free,
// including those excluded from the active count.
func (l *Loop) NumActiveRequests() int { return l.numBusy }

// ExcludeFromActiveCount marks a started request as not keeping Run alive.
// The mark is cleared when the request is freed.
func (l *Loop) ExcludeFromActiveCount(req Request) error {
	r := req.base()
	if r.state == StateFree {
		return ErrRequestNotActive
	}
	if r.loop != l {
		return ErrWrongLoop
	}
	if !r.excluded {
		r.excluded = true
		l.numExcluded++
	}
	return nil
}

// IncludeInActiveCount reverts ExcludeFromActiveCount.
func (l *Loop) IncludeInActiveCount(req Request) error {
	r := req.base()
	if r.state == StateFree {
		return ErrRequestNotActive
	}
	if r.loop != l {
		return ErrWrongLoop
	}
	if r.excluded {
		r.excluded = false
		l.numExcluded--
	}
	return nil
}

// AssociateExternallyCreatedFileDescriptor prepares a descriptor created
// outside the loop (a [FileDescriptor] or [SocketDescriptor]) for use with
// the backend: non-blocking mode on readiness backends, completion port
// association on Windows. Requests associate their descriptors implicitly;
// calling this surfaces errors early. Associating twice is a no-op.
func (l *Loop) AssociateExternallyCreatedFileDescriptor(d Descriptor) error {
	if l.state.Load() == loopClosed {
		return ErrLoopClosed
	}
	if d == nil || !d.valid() {
		return ErrInvalidDescriptor
	}
	return l.associate(d.handle())
}

// RemoveAllAssociationsFor forgets the association of a descriptor, which
// must be done before it is closed outside the loop (the handle value may be
// reused by the OS).
func (l *Loop) RemoveAllAssociationsFor(d Descriptor) error {
	if l.state.Load() == loopClosed {
		return ErrLoopClosed
	}
	if d == nil || !d.valid() {
		return ErrInvalidDescriptor
	}
	h := d.handle()
	if _, ok := l.associated[h]; !ok {
		return nil
	}
	delete(l.associated, h)
	return l.backend.disassociate(h)
}

func (l *Loop) associate(h uintptr) error {
	if _, ok := l.associated[h]; ok {
		return nil
	}
	if err := l.backend.associate(h); err != nil {
		return err
	}
	l.associated[h] = struct{}{}
	return nil
}

// forget drops the association of a handle closed by the loop.
func (l *Loop) forget(h uintptr) {
	if _, ok := l.associated[h]; ok {
		delete(l.associated, h)
		_ = l.backend.disassociate(h)
	}
}

// submit moves a free request to the submission queue.
func (l *Loop) submit(r *requestBase) {
	r.loop = l
	r.state = StateSubmitting
	r.loc = locSubmission
	r.pendingErr = nil
	l.numBusy++
	l.submissions.PushBack(r)
	if l.metrics != nil {
		l.metrics.submitted.Add(1)
	}
}

// stageSubmissions hands every submitted request to its executor.
func (l *Loop) stageSubmissions() {
	for l.submissions.Len() != 0 {
		l.activate(l.submissions.PopFront())
	}
}

func (l *Loop) activate(r *requestBase) {
	r.state = StateActive
	l.active.pushBack(r)

	switch impl := r.impl.(type) {
	case *Timeout:
		l.addTimer(impl)
		return
	case *LoopWakeUp:
		r.loc = locWakeUps
		l.wakeUps.PushBack(impl)
		if impl.pending.Load() {
			l.wakeUpPending.Store(true)
		}
		return
	case *SocketClose:
		// the handle value may be reused as soon as it is closed
		l.forget(impl.socket.handle())
	case *FileClose:
		l.forget(impl.fd.handle())
	}

	if r.pool != nil && r.kind.isFileKind() && l.backend.usesThreadPool() {
		l.submitToThreadPool(r)
		return
	}

	r.loc = locBackend
	if err := l.backend.activate(r); err != nil {
		l.completeLater(r, err)
	}
}

// completeLater queues a completion to be delivered during the current (or
// next) iteration, without waiting on the backend.
func (l *Loop) completeLater(r *requestBase, err error) {
	r.pendingErr = err
	r.loc = locManual
	l.manual.PushBack(r)
}

func (l *Loop) runManualCompletions() {
	for n := l.manual.Len(); n > 0; n-- {
		r := l.manual.PopFront()
		l.finish(r, r.pendingErr)
	}
}

func (l *Loop) runWakeUps() {
	if !l.wakeUpPending.Swap(false) {
		return
	}
	var fired []*LoopWakeUp
	for i := 0; i < l.wakeUps.Len(); {
		w := l.wakeUps.At(i)
		if w.pending.Swap(false) {
			// detached: a Stop from an earlier callback in this batch only
			// marks it cancelling, and finish reports the cancellation
			l.wakeUps.Remove(i)
			w.loc = locNone
			fired = append(fired, w)
			continue
		}
		i++
	}
	for _, w := range fired {
		l.finish(&w.requestBase, nil)
	}
}

// removeWakeUp reports whether w was still waiting.
func (l *Loop) removeWakeUp(w *LoopWakeUp) bool {
	if i := l.wakeUps.Index(func(x *LoopWakeUp) bool { return x == w }); i >= 0 {
		l.wakeUps.Remove(i)
		return true
	}
	return false
}

// finish delivers a completion: the callback runs, then the request is
// either requeued (reactivated) or freed.
func (l *Loop) finish(r *requestBase, err error) {
	l.active.remove(r)
	r.loc = locNone
	cancelled := r.state == StateCancelling
	if cancelled {
		err = ErrCancelled
	}

	r.dispatching = true
	r.stopInCallback = false
	reactivate := l.invoke(r, err)
	r.dispatching = false

	if w, ok := r.impl.(*LoopWakeUp); ok {
		w.signalEvent()
	}

	if reactivate && !cancelled && !r.stopInCallback {
		r.state = StateSubmitting
		r.loc = locSubmission
		l.submissions.PushBack(r)
		if l.metrics != nil {
			l.metrics.reactivated.Add(1)
		}
		return
	}
	l.release(r)
}

// invoke runs the callback, recovering (and logging) panics.
func (l *Loop) invoke(r *requestBase, err error) (reactivate bool) {
	var start time.Time
	if l.metrics != nil {
		start = time.Now()
	}
	defer func() {
		if v := recover(); v != nil {
			reactivate = false
			l.logPanic(r, v)
		}
		if l.metrics != nil {
			l.metrics.record(err, time.Since(start))
		}
	}()
	return r.impl.complete(l, err)
}

func (l *Loop) release(r *requestBase) {
	r.state = StateFree
	r.loc = locNone
	r.pendingErr = nil
	l.numBusy--
	if r.excluded {
		r.excluded = false
		l.numExcluded--
	}
	if w, ok := r.impl.(*LoopWakeUp); ok {
		w.target.Store(nil)
		w.pending.Store(false)
	}
}

func (l *Loop) stopRequest(r *requestBase) error {
	if r.dispatching {
		r.stopInCallback = true
		return nil
	}

	switch r.state {
	case StateCancelling:
		return nil
	case StateSubmitting:
		if i := l.submissions.Index(func(x *requestBase) bool { return x == r }); i >= 0 {
			l.submissions.Remove(i)
		}
		r.state = StateCancelling
		l.active.pushBack(r)
		l.completeLater(r, ErrCancelled)
		return nil
	}

	r.state = StateCancelling
	switch r.loc {
	case locTimers:
		if l.removeTimer(r.impl.(*Timeout)) {
			l.completeLater(r, ErrCancelled)
		}
	case locWakeUps:
		if l.removeWakeUp(r.impl.(*LoopWakeUp)) {
			l.completeLater(r, ErrCancelled)
		}
	case locBackend:
		if l.backend.cancel(r) {
			l.completeLater(r, ErrCancelled)
		}
	case locThreadPool:
		r.task.cancelled.Store(true)
	}
	return nil
}
