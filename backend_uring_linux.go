package aio

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
	"unsafe"

	"github.com/joeycumines/go-aio/internal/uring"
	"golang.org/x/sys/unix"
)

// reserved io_uring user_data values, request ids start above them
const (
	uringWakeID uint64 = iota + 1
	uringTimeoutID
	uringCancelID
	uringFirstRequestID uint64 = 16
)

// uringQueue implements kernelQueue on io_uring. Every operation, including
// regular file I/O, completes asynchronously in the kernel.
type uringQueue struct {
	loop     *Loop
	ring     *uring.Ring
	requests map[uint64]*requestBase
	nextID   uint64

	// eventfd read by an always-armed READ, written by wake
	wakeFd    int
	wakeBuf   [8]byte
	wakeArmed bool

	// ids whose ASYNC_CANCEL could not be queued yet
	pendingCancels []uint64

	timeout unix.Timespec
	extArg  bool
}

var errUringFeatures = errors.New("kernel lacks required io_uring features")

func newUringQueue(l *Loop, opts *loopOptions) (kernelQueue, error) {
	ring, err := uring.New(opts.ringEntries)
	if err != nil {
		return nil, &BackendInitError{Backend: "io_uring", API: APIForceCompletion, Cause: err}
	}
	const required = uring.FeatNoDrop | uring.FeatRWCurPos | uring.FeatFastPoll
	if ring.Features()&required != required {
		_ = ring.Close()
		return nil, &BackendInitError{Backend: "io_uring", API: APIForceCompletion, Cause: errUringFeatures}
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = ring.Close()
		return nil, &BackendInitError{Backend: "io_uring", API: APIForceCompletion, Cause: err}
	}
	return &uringQueue{
		loop:     l,
		ring:     ring,
		requests: make(map[uint64]*requestBase),
		nextID:   uringFirstRequestID,
		wakeFd:   wakeFd,
		extArg:   ring.Features()&uring.FeatExtArg != 0,
	}, nil
}

func (q *uringQueue) name() string { return "io_uring" }

func (q *uringQueue) api() APIType { return APIForceCompletion }

func (q *uringQueue) needsThreadPoolForFiles() bool { return false }

func (q *uringQueue) usesThreadPool() bool { return true }

func (q *uringQueue) associate(uintptr) error { return nil }

func (q *uringQueue) disassociate(uintptr) error { return nil }

func (q *uringQueue) wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(q.wakeFd, one[:])
	if err == unix.EAGAIN {
		err = nil
	}
	return err
}

func (q *uringQueue) close() error {
	err := q.ring.Close()
	if err2 := unix.Close(q.wakeFd); err == nil {
		err = err2
	}
	return err
}

// getSQE returns a free submission entry, flushing the queue if full.
func (q *uringQueue) getSQE() (*uring.SQE, error) {
	if sqe := q.ring.GetSQE(); sqe != nil {
		return sqe, nil
	}
	if _, err := q.ring.Submit(0); err != nil && err != unix.EINTR && err != unix.EBUSY && err != unix.EAGAIN {
		return nil, err
	}
	if sqe := q.ring.GetSQE(); sqe != nil {
		return sqe, nil
	}
	return nil, unix.EBUSY
}

func bufferAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

func (q *uringQueue) activate(r *requestBase) error {
	if r.kind == KindProcessExit {
		p := r.impl.(*ProcessExit)
		pidfd, err := unix.PidfdOpen(int(p.process), 0)
		if err != nil {
			return err
		}
		unix.CloseOnExec(pidfd)
		r.sys.pidfd = pidfd
	}
	if err := q.prepare(r); err != nil {
		if r.kind == KindProcessExit {
			_ = unix.Close(r.sys.pidfd)
			r.sys.pidfd = -1
		}
		return err
	}
	return nil
}

// prepare queues the (next) operation of r.
func (q *uringQueue) prepare(r *requestBase) error {
	sqe, err := q.getSQE()
	if err != nil {
		return err
	}

	switch impl := r.impl.(type) {
	case *SocketAccept:
		r.sys.saLen = unix.SizeofSockaddrAny
		sqe.Opcode = uring.OpAccept
		sqe.Fd = int32(impl.listener)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&r.sys.sa)))
		sqe.Off = uint64(uintptr(unsafe.Pointer(&r.sys.saLen)))
		sqe.OpFlags = unix.SOCK_CLOEXEC

	case *SocketConnect:
		r.sys.saLen = rawSockaddr(impl.address, &r.sys.sa)
		sqe.Opcode = uring.OpConnect
		sqe.Fd = int32(impl.socket)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&r.sys.sa)))
		sqe.Off = uint64(r.sys.saLen)

	case *SocketSend:
		rest := impl.buffer[impl.written:]
		sqe.Opcode = uring.OpSend
		sqe.Fd = int32(impl.socket)
		sqe.Addr = bufferAddr(rest)
		sqe.Len = uint32(len(rest))
		sqe.OpFlags = unix.MSG_NOSIGNAL

	case *SocketReceive:
		sqe.Opcode = uring.OpRecv
		sqe.Fd = int32(impl.socket)
		sqe.Addr = bufferAddr(impl.buffer)
		sqe.Len = uint32(len(impl.buffer))

	case *SocketClose:
		sqe.Opcode = uring.OpClose
		sqe.Fd = int32(impl.socket)

	case *FileRead:
		sqe.Opcode = uring.OpRead
		sqe.Fd = int32(impl.fd)
		sqe.Addr = bufferAddr(impl.buffer)
		sqe.Len = uint32(len(impl.buffer))
		sqe.Off = ^uint64(0)
		if impl.useOffset {
			sqe.Off = uint64(impl.offset)
		}

	case *FileWrite:
		rest := impl.buffer[impl.written:]
		sqe.Opcode = uring.OpWrite
		sqe.Fd = int32(impl.fd)
		sqe.Addr = bufferAddr(rest)
		sqe.Len = uint32(len(rest))
		sqe.Off = ^uint64(0)
		if impl.useOffset {
			sqe.Off = uint64(impl.writeOffset())
		}

	case *FileClose:
		sqe.Opcode = uring.OpClose
		sqe.Fd = int32(impl.fd)

	case *ProcessExit:
		sqe.Opcode = uring.OpPollAdd
		sqe.Fd = int32(r.sys.pidfd)
		sqe.OpFlags = unix.POLLIN

	default:
		// the entry is already handed out, make it harmless
		sqe.Opcode = uring.OpNop
		sqe.UserData = uringCancelID
		return ErrUnsupported
	}

	id := q.nextID
	q.nextID++
	sqe.UserData = id
	r.sys.opID = id
	q.requests[id] = r
	return nil
}

func (q *uringQueue) cancel(r *requestBase) bool {
	if r.sys.opID == 0 {
		return false
	}
	if !q.queueCancel(r.sys.opID) {
		q.pendingCancels = append(q.pendingCancels, r.sys.opID)
	}
	return false
}

// queueCancel queues an ASYNC_CANCEL of the operation id, reporting false if
// the submission queue had no room.
func (q *uringQueue) queueCancel(id uint64) bool {
	sqe, err := q.getSQE()
	if err != nil {
		return false
	}
	sqe.Opcode = uring.OpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = id
	sqe.UserData = uringCancelID
	return true
}

// retryCancels queues the cancellations deferred by cancel, dropping those
// of operations that completed meanwhile.
func (q *uringQueue) retryCancels() {
	pending := q.pendingCancels[:0]
	for _, id := range q.pendingCancels {
		if q.requests[id] == nil {
			continue
		}
		if !q.queueCancel(id) {
			pending = append(pending, id)
		}
	}
	q.pendingCancels = pending
}

func (q *uringQueue) armWake() {
	if q.wakeArmed {
		return
	}
	sqe, err := q.getSQE()
	if err != nil {
		return
	}
	sqe.Opcode = uring.OpRead
	sqe.Fd = int32(q.wakeFd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&q.wakeBuf[0])))
	sqe.Len = uint32(len(q.wakeBuf))
	sqe.Off = ^uint64(0)
	sqe.UserData = uringWakeID
	q.wakeArmed = true
}

func (q *uringQueue) wait(timeout time.Duration) error {
	q.retryCancels()
	q.armWake()
	if !q.wakeArmed || len(q.pendingCancels) != 0 {
		// neither wake nor the deferred cancels could interrupt a blocking
		// wait, so poll until the completions free up room
		timeout = 0
	}

	var err error
	switch {
	case timeout == 0:
		_, err = q.ring.Submit(0)
	case timeout < 0:
		_, err = q.ring.Submit(1)
	case q.extArg:
		q.timeout = unix.NsecToTimespec(int64(timeout))
		_, err = q.ring.SubmitAndWaitTimeout(1, &q.timeout)
	default:
		// completes with the first other completion, or on expiry
		if sqe, e := q.getSQE(); e == nil {
			q.timeout = unix.NsecToTimespec(int64(timeout))
			sqe.Opcode = uring.OpTimeout
			sqe.Fd = -1
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&q.timeout)))
			sqe.Len = 1
			sqe.Off = 1
			sqe.UserData = uringTimeoutID
		}
		_, err = q.ring.Submit(1)
	}

	switch err {
	case nil, unix.EINTR, unix.ETIME, unix.EBUSY, unix.EAGAIN:
		return nil
	}
	return err
}

func (q *uringQueue) dispatch() {
	for {
		cqe := q.ring.PeekCQE()
		if cqe == nil {
			return
		}
		userData, res := cqe.UserData, cqe.Res
		q.ring.Advance(1)

		switch userData {
		case uringWakeID:
			q.wakeArmed = false
			continue
		case uringTimeoutID, uringCancelID:
			continue
		}

		r := q.requests[userData]
		if r == nil {
			q.loop.logStray("io_uring", fmt.Sprintf("user_data=%d res=%d", userData, res))
			continue
		}
		delete(q.requests, userData)
		r.sys.opID = 0
		q.complete(r, res)
	}
}

func uringError(res int32) error {
	if res >= 0 {
		return nil
	}
	return unix.Errno(-res)
}

// complete handles the result of the operation of r, continuing it if
// needed.
func (q *uringQueue) complete(r *requestBase, res int32) {
	l := q.loop
	err := uringError(res)
	cancelling := r.state == StateCancelling

	switch impl := r.impl.(type) {
	case *SocketAccept:
		if err == nil {
			if cancelling {
				_ = unix.Close(int(res))
			} else {
				impl.accepted = SocketDescriptor(res)
			}
		}

	case *SocketSend:
		if err == nil {
			impl.written += int(res)
			if impl.written < len(impl.buffer) && !cancelling {
				if err = q.prepare(r); err == nil {
					return
				}
			}
		}

	case *SocketReceive:
		if err == nil {
			impl.received = int(res)
			impl.disconnected = res == 0 && isConnectionOriented(socketType(&r.sys, int(impl.socket)))
		}

	case *FileRead:
		if err == nil {
			impl.setResult(int(res))
		}

	case *FileWrite:
		if err == nil {
			impl.written += int(res)
			if impl.written < len(impl.buffer) && !cancelling {
				if res == 0 {
					err = unix.EIO
				} else if err = q.prepare(r); err == nil {
					return
				}
			}
		}

	case *ProcessExit:
		_ = unix.Close(r.sys.pidfd)
		r.sys.pidfd = -1
		if err == nil {
			impl.exitStatus, err = reapProcess(int(impl.process))
		}
	}

	l.finish(r, err)
}

// rawSockaddr encodes addr for io_uring CONNECT, returning its length.
func rawSockaddr(addr netip.AddrPort, sa *unix.RawSockaddrAny) uint32 {
	*sa = unix.RawSockaddrAny{}
	port := addr.Port()
	if a := addr.Addr(); a.Is4() {
		p := (*unix.RawSockaddrInet4)(unsafe.Pointer(sa))
		p.Family = unix.AF_INET
		pp := (*[2]byte)(unsafe.Pointer(&p.Port))
		pp[0], pp[1] = byte(port>>8), byte(port)
		p.Addr = a.As4()
		return unix.SizeofSockaddrInet4
	}
	p := (*unix.RawSockaddrInet6)(unsafe.Pointer(sa))
	p.Family = unix.AF_INET6
	pp := (*[2]byte)(unsafe.Pointer(&p.Port))
	pp[0], pp[1] = byte(port>>8), byte(port)
	p.Addr = addr.Addr().As16()
	if zone := addr.Addr().Zone(); zone != "" {
		if ifi, err := interfaceIndex(zone); err == nil {
			p.Scope_id = uint32(ifi)
		}
	}
	return unix.SizeofSockaddrInet6
}
