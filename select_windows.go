package aio

import (
	"errors"
)

// newKernelQueue selects the windows backend, an I/O completion port.
func newKernelQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	if opts.apiType == APIForceReadiness {
		return nil, &BackendInitError{
			Backend: "iocp",
			API:     APIForceReadiness,
			Cause:   errors.New("no readiness based facility"),
		}
	}
	return newIOCPQueue(l, opts)
}
