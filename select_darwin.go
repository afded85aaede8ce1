package aio

import (
	"errors"
)

// newKernelQueue selects the darwin backend, kqueue.
func newKernelQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	if opts.apiType == APIForceCompletion {
		return nil, &BackendInitError{
			Backend: "kqueue",
			API:     APIForceCompletion,
			Cause:   errors.New("no completion based facility"),
		}
	}
	p, err := newKqueuePoller(opts.maxEvents)
	if err != nil {
		return nil, &BackendInitError{Backend: "kqueue", API: APIForceReadiness, Cause: err}
	}
	return newReadinessQueue(l, p, opts.maxEvents), nil
}
