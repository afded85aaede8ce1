// Package aio implements a single-threaded asynchronous I/O event loop.
//
// A [Loop] accepts heterogeneous requests (timers, cross-goroutine wake ups,
// process exit waits, socket accept/connect/send/receive/close and file
// read/write/close) and delivers their completions through per-request
// callbacks, all of which run on the goroutine that calls [Loop.Run].
//
// The loop drives whichever native facility the operating system offers:
//
//   - io_uring on Linux (completion based, [APIForceCompletion])
//   - epoll on Linux and kqueue on darwin (readiness based, [APIForceReadiness])
//   - I/O completion ports on Windows (completion based)
//
// Operations the readiness backend cannot perform asynchronously (buffered
// reads and writes of regular files) may be delegated to a [ThreadPool] via
// SetThreadPoolAndTask; see [Loop.NeedsThreadPoolForFileOperations].
//
// # Request lifecycle
//
// Requests are caller-owned values. A request starts [StateFree]; Start moves
// it to [StateSubmitting], and the next loop iteration hands it to the backend
// ([StateActive]). When the operation completes, the callback runs exactly once
// for that completion. If the callback calls
// [CompletionResult.ReactivateRequest] with true, the request is re-armed with
// its existing parameters; otherwise it returns to [StateFree]. Stop moves an
// active request to [StateCancelling]; it is only freed once the backend has
// confirmed the cancellation, and its callback reports [ErrCancelled].
//
// The memory of a request (including any buffer it references) must remain
// valid, and must not be modified, until the request is free again.
//
// # Thread safety
//
// A Loop and its requests must only be used from the goroutine running the
// loop, with the exception of [LoopWakeUp.WakeUp],
// [Loop.WakeUpFromExternalThread] and [Loop.Stop], which may be called from any
// goroutine.
package aio
