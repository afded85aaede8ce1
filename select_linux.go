package aio

// newKernelQueue selects the linux backend: io_uring when available, epoll
// otherwise.
func newKernelQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	switch opts.apiType {
	case APIForceReadiness:
		return newEpollQueue(l, opts)
	case APIForceCompletion:
		return newUringQueue(l, opts)
	}
	q, err := newUringQueue(l, opts)
	if err == nil {
		return q, nil
	}
	l.logger.Info().
		Uint64("loop", l.id).
		Err(err).
		Log("aio: io_uring unavailable, falling back to epoll")
	return newEpollQueue(l, opts)
}

func newEpollQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	p, err := newEpollPoller(opts.maxEvents)
	if err != nil {
		return nil, &BackendInitError{Backend: "epoll", API: APIForceReadiness, Cause: err}
	}
	return newReadinessQueue(l, p, opts.maxEvents), nil
}
