package aio

import (
	"time"
)

// kernelQueue is implemented once per OS facility. All methods except wake
// are only called from the loop goroutine.
type kernelQueue interface {
	name() string
	api() APIType

	// associate prepares a handle for use with the backend.
	associate(h uintptr) error
	// disassociate forgets any per-handle state.
	disassociate(h uintptr) error

	needsThreadPoolForFiles() bool
	// usesThreadPool reports whether file requests with a thread pool set
	// should use it instead of the backend.
	usesThreadPool() bool

	// activate submits the operation of r. A returned error completes the
	// request with that error. Completions are delivered from dispatch via
	// Loop.finish, or queued via Loop.completeLater.
	activate(r *requestBase) error
	// cancel requests cancellation of an active request. Returns true if the
	// operation was withdrawn synchronously, in which case the loop delivers
	// the cancellation itself. Otherwise the backend must eventually deliver
	// a completion for r.
	cancel(r *requestBase) bool

	// wait blocks for up to timeout (negative: indefinitely, zero: poll)
	// collecting completions or readiness events.
	wait(timeout time.Duration) error
	// dispatch delivers what the last wait collected.
	dispatch()
	// wake interrupts wait. Safe for concurrent use.
	wake() error
	close() error
}

// blockingFileOp is implemented by the file requests, performing their
// operation synchronously (on a thread pool worker, or inline).
type blockingFileOp interface {
	runBlocking() error
}

// submitToThreadPool runs the blocking operation of a file request on its
// thread pool; the completion reaches the loop via poolCompletions.
func (l *Loop) submitToThreadPool(r *requestBase) {
	op := r.impl.(blockingFileOp)
	task := r.task
	task.request = r
	task.notify = l.threadPoolTaskDone
	task.Function = func() { r.pendingErr = op.runBlocking() }
	r.pendingErr = nil
	r.loc = locThreadPool
	if err := r.pool.Queue(task); err != nil {
		l.completeLater(r, err)
	}
}

// threadPoolTaskDone is called on a worker goroutine.
func (l *Loop) threadPoolTaskDone(r *requestBase) {
	l.poolCompletions.push(r)
	_ = l.wake()
}

func (l *Loop) finishPooled(r *requestBase) {
	if err := r.task.err; err != nil && r.pendingErr == nil {
		r.pendingErr = err
	}
	l.finish(r, r.pendingErr)
}
