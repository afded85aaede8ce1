package aio

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// completion key of wake ups posted to the port
const iocpWakeKey = 1

var errWaitTimeout = windows.Errno(258)

type iocpCompletion struct {
	ov  *windows.Overlapped
	err error
	n   uint32
}

// iocpQueue implements kernelQueue on an I/O completion port.
type iocpQueue struct {
	loop        *Loop
	port        windows.Handle
	completions []iocpCompletion
	maxEvents   int
}

func newIOCPQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, &BackendInitError{Backend: "iocp", API: APIForceCompletion, Cause: err}
	}
	return &iocpQueue{
		loop:        l,
		port:        port,
		completions: make([]iocpCompletion, 0, opts.maxEvents),
		maxEvents:   opts.maxEvents,
	}, nil
}

func (q *iocpQueue) name() string { return "iocp" }

func (q *iocpQueue) api() APIType { return APIForceCompletion }

func (q *iocpQueue) needsThreadPoolForFiles() bool { return false }

func (q *iocpQueue) usesThreadPool() bool { return false }

func (q *iocpQueue) associate(h uintptr) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(h), q.port, 0, 0)
	if err == windows.ERROR_INVALID_PARAMETER {
		// already associated, a handle cannot be detached from a port
		err = nil
	}
	return err
}

func (q *iocpQueue) disassociate(uintptr) error { return nil }

func (q *iocpQueue) wake() error {
	return windows.PostQueuedCompletionStatus(q.port, 0, iocpWakeKey, nil)
}

func (q *iocpQueue) close() error {
	return windows.CloseHandle(q.port)
}

// overlapped resets and returns the OVERLAPPED of r.
func overlapped(r *requestBase) *windows.Overlapped {
	r.sys.ov = iocpOverlapped{req: r}
	return &r.sys.ov.ov
}

func setOffset(ov *windows.Overlapped, offset int64) {
	ov.Offset = uint32(offset)
	ov.OffsetHigh = uint32(offset >> 32)
}

// pending converts the result of an overlapped call. Synchronous success
// still queues a completion packet.
func pending(err error) error {
	if err == windows.ERROR_IO_PENDING {
		return nil
	}
	return err
}

func (q *iocpQueue) activate(r *requestBase) error {
	l := q.loop
	switch impl := r.impl.(type) {
	case *SocketAccept:
		ls := windows.Handle(impl.listener)
		if err := l.associate(uintptr(ls)); err != nil {
			return err
		}
		family, err := socketFamily(ls)
		if err != nil {
			return err
		}
		s, err := windows.WSASocket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0, windows.WSA_FLAG_OVERLAPPED|wsaFlagNoHandleInherit)
		if err != nil {
			return err
		}
		r.sys.acceptSocket = s
		var n uint32
		err = pending(windows.AcceptEx(ls, s, &r.sys.acceptBuf[0], 0, acceptAddrLen, acceptAddrLen, &n, overlapped(r)))
		if err != nil {
			_ = windows.Closesocket(s)
			r.sys.acceptSocket = windows.InvalidHandle
		}
		return err

	case *SocketConnect:
		s := windows.Handle(impl.socket)
		if err := l.associate(uintptr(s)); err != nil {
			return err
		}
		if err := windows.Bind(s, anySockaddr(impl.address)); err != nil && err != windows.WSAEINVAL {
			return err
		}
		return pending(windows.ConnectEx(s, sockaddr(impl.address), nil, 0, nil, overlapped(r)))

	case *SocketSend:
		return q.send(r, impl)

	case *SocketReceive:
		s := windows.Handle(impl.socket)
		if err := l.associate(uintptr(s)); err != nil {
			return err
		}
		r.sys.wsaBuf = windows.WSABuf{Len: uint32(len(impl.buffer)), Buf: unsafe.SliceData(impl.buffer)}
		r.sys.flags = 0
		var n uint32
		return pending(windows.WSARecv(s, &r.sys.wsaBuf, 1, &n, &r.sys.flags, overlapped(r), nil))

	case *SocketClose:
		l.completeLater(r, windows.Closesocket(windows.Handle(impl.socket)))
		return nil

	case *FileRead:
		h := windows.Handle(impl.fd)
		if err := l.associate(uintptr(h)); err != nil {
			return err
		}
		ov := overlapped(r)
		setOffset(ov, impl.offset)
		var n uint32
		err := pending(windows.ReadFile(h, impl.buffer, &n, ov))
		if isEOF(err) {
			// no completion packet is queued for a synchronous failure
			impl.setResult(0)
			l.completeLater(r, nil)
			return nil
		}
		return err

	case *FileWrite:
		return q.write(r, impl)

	case *FileClose:
		l.completeLater(r, impl.runBlocking())
		return nil

	case *ProcessExit:
		return q.watchProcess(r, impl)
	}
	return ErrUnsupported
}

func (q *iocpQueue) send(r *requestBase, impl *SocketSend) error {
	s := windows.Handle(impl.socket)
	if err := q.loop.associate(uintptr(s)); err != nil {
		return err
	}
	rest := impl.buffer[impl.written:]
	r.sys.wsaBuf = windows.WSABuf{Len: uint32(len(rest)), Buf: unsafe.SliceData(rest)}
	var n uint32
	return pending(windows.WSASend(s, &r.sys.wsaBuf, 1, &n, 0, overlapped(r), nil))
}

func (q *iocpQueue) write(r *requestBase, impl *FileWrite) error {
	h := windows.Handle(impl.fd)
	if err := q.loop.associate(uintptr(h)); err != nil {
		return err
	}
	ov := overlapped(r)
	setOffset(ov, impl.writeOffset())
	var n uint32
	return pending(windows.WriteFile(h, impl.buffer[impl.written:], &n, ov))
}

// watchProcess waits for the process on a goroutine, which posts the
// overlapped of r once the process exits or the wait is cancelled.
func (q *iocpQueue) watchProcess(r *requestBase, impl *ProcessExit) error {
	cancel, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return err
	}
	r.sys.cancelEvent = cancel
	r.sys.process.Store(nil)
	ov := overlapped(r)
	proc := windows.Handle(impl.process)
	port := q.port
	go func() {
		res := &processResult{}
		ev, err := windows.WaitForMultipleObjects([]windows.Handle{proc, cancel}, false, windows.INFINITE)
		switch {
		case err != nil:
			res.err = err
		case ev == windows.WAIT_OBJECT_0:
			res.err = windows.GetExitCodeProcess(proc, &res.exitCode)
		default:
			res.err = ErrCancelled
		}
		r.sys.process.Store(res)
		_ = windows.PostQueuedCompletionStatus(port, 0, 0, ov)
	}()
	return nil
}

func (q *iocpQueue) cancel(r *requestBase) bool {
	switch impl := r.impl.(type) {
	case *ProcessExit:
		_ = windows.SetEvent(r.sys.cancelEvent)
	case *SocketAccept:
		_ = windows.CancelIoEx(windows.Handle(impl.listener), &r.sys.ov.ov)
	case *SocketConnect:
		_ = windows.CancelIoEx(windows.Handle(impl.socket), &r.sys.ov.ov)
	case *SocketSend:
		_ = windows.CancelIoEx(windows.Handle(impl.socket), &r.sys.ov.ov)
	case *SocketReceive:
		_ = windows.CancelIoEx(windows.Handle(impl.socket), &r.sys.ov.ov)
	case *FileRead:
		_ = windows.CancelIoEx(windows.Handle(impl.fd), &r.sys.ov.ov)
	case *FileWrite:
		_ = windows.CancelIoEx(windows.Handle(impl.fd), &r.sys.ov.ov)
	default:
		return true
	}
	// the aborted (or raced) completion is still delivered
	return false
}

func iocpTimeout(timeout time.Duration) uint32 {
	if timeout < 0 {
		return windows.INFINITE
	}
	return uint32((timeout + time.Millisecond - 1) / time.Millisecond)
}

func (q *iocpQueue) wait(timeout time.Duration) error {
	q.completions = q.completions[:0]
	ms := iocpTimeout(timeout)
	for len(q.completions) < q.maxEvents {
		var (
			n   uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(q.port, &n, &key, &ov, ms)
		ms = 0
		if ov == nil {
			switch {
			case err == nil && key == iocpWakeKey:
				continue
			case err == errWaitTimeout:
				return nil
			case err != nil:
				return err
			}
			continue
		}
		q.completions = append(q.completions, iocpCompletion{ov: ov, n: n, err: err})
	}
	return nil
}

func (q *iocpQueue) dispatch() {
	for i := range q.completions {
		c := q.completions[i]
		q.completions[i] = iocpCompletion{}
		r := (*iocpOverlapped)(unsafe.Pointer(c.ov)).req
		if r == nil || r.loop != q.loop {
			q.loop.logStray("iocp", "completion for unknown overlapped")
			continue
		}
		q.complete(r, c.n, c.err)
	}
	q.completions = q.completions[:0]
}

func isEOF(err error) bool {
	return err == windows.ERROR_HANDLE_EOF || err == windows.ERROR_BROKEN_PIPE
}

func (q *iocpQueue) complete(r *requestBase, n uint32, err error) {
	l := q.loop
	cancelling := r.state == StateCancelling

	switch impl := r.impl.(type) {
	case *SocketAccept:
		s := r.sys.acceptSocket
		r.sys.acceptSocket = windows.InvalidHandle
		if err == nil && !cancelling {
			ls := windows.Handle(impl.listener)
			err = windows.Setsockopt(s, windows.SOL_SOCKET, soUpdateAcceptContext, (*byte)(unsafe.Pointer(&ls)), int32(unsafe.Sizeof(ls)))
			if err == nil {
				err = l.associate(uintptr(s))
			}
		}
		if err != nil || cancelling {
			_ = windows.Closesocket(s)
		} else {
			impl.accepted = SocketDescriptor(s)
		}

	case *SocketConnect:
		if err == nil {
			err = windows.Setsockopt(windows.Handle(impl.socket), windows.SOL_SOCKET, soUpdateConnectContext, nil, 0)
		}

	case *SocketSend:
		if err == nil {
			impl.written += int(n)
			if impl.written < len(impl.buffer) && !cancelling {
				if err = q.send(r, impl); err == nil {
					return
				}
			}
		}

	case *SocketReceive:
		if err == nil {
			impl.received = int(n)
			impl.disconnected = n == 0 && socketType(&r.sys, windows.Handle(impl.socket)) == windows.SOCK_STREAM
		}

	case *FileRead:
		if isEOF(err) {
			err, n = nil, 0
		}
		if err == nil {
			impl.setResult(int(n))
			if !impl.useOffset {
				// overlapped handles have no file position
				impl.offset += int64(n)
			}
		}

	case *FileWrite:
		if err == nil {
			impl.written += int(n)
			if impl.written < len(impl.buffer) && !cancelling {
				if err = q.write(r, impl); err == nil {
					return
				}
			}
			if err == nil && !impl.useOffset {
				impl.offset += int64(impl.written)
			}
		}

	case *ProcessExit:
		_ = windows.CloseHandle(r.sys.cancelEvent)
		r.sys.cancelEvent = 0
		if res := r.sys.process.Load(); res != nil {
			err = res.err
			impl.exitStatus = int(res.exitCode)
		}
	}

	l.finish(r, err)
}
