package aio

// ProcessExit completes when a child process exits, reporting its exit
// status. On unix the process is reaped by the loop.
type ProcessExit struct {
	requestBase

	// Callback is invoked on the loop goroutine once the process has exited.
	Callback func(result *ProcessExitResult)

	process    ProcessHandle
	exitStatus int
}

// ProcessExitResult is passed to [ProcessExit.Callback].
type ProcessExitResult struct {
	CompletionResult
	Request *ProcessExit
	// ExitStatus is the exit code of the process. On unix, a process killed
	// by a signal reports 128 plus the signal number.
	ExitStatus int
}

// Start waits for the process to exit.
func (r *ProcessExit) Start(l *Loop, process ProcessHandle) error {
	if !process.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.process = process
	r.exitStatus = 0
	return r.start(l, KindProcessExit, r)
}

// Process returns the handle passed to Start.
func (r *ProcessExit) Process() ProcessHandle { return r.process }

func (r *ProcessExit) complete(l *Loop, err error) bool {
	res := ProcessExitResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if err == nil {
		res.ExitStatus = r.exitStatus
	}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}
