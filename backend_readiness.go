//go:build linux || darwin

package aio

import (
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/sys/unix"
)

// readinessQueue implements kernelQueue on a readiness multiplexer (epoll,
// kqueue). Requests wait in per-descriptor FIFO lists until the descriptor is
// ready, then the operation is attempted; operations that would block stay
// queued. Regular files are always "ready", so their reads and writes run on
// a thread pool (if given), or synchronously.
type readinessQueue struct {
	loop    *Loop
	poller  poller
	watches map[int]*fdWatch
	events  []readyEvent
}

// fdWatch is the set of requests waiting on one descriptor (or process).
type fdWatch struct {
	readers  deque.Deque[*requestBase]
	writers  deque.Deque[*requestBase]
	key      int
	interest ioEvents
	process  bool
}

func newReadinessQueue(l *Loop, p poller, maxEvents int) *readinessQueue {
	return &readinessQueue{
		loop:    l,
		poller:  p,
		watches: make(map[int]*fdWatch),
		events:  make([]readyEvent, 0, maxEvents),
	}
}

func (q *readinessQueue) name() string { return q.poller.name() }

func (q *readinessQueue) api() APIType { return APIForceReadiness }

func (q *readinessQueue) needsThreadPoolForFiles() bool { return true }

func (q *readinessQueue) usesThreadPool() bool { return true }

func (q *readinessQueue) associate(h uintptr) error {
	return unix.SetNonblock(int(h), true)
}

func (q *readinessQueue) disassociate(h uintptr) error {
	q.dropWatch(int(h), ErrInvalidDescriptor)
	return nil
}

func (q *readinessQueue) close() error {
	return q.poller.close()
}

func (q *readinessQueue) wake() error {
	return q.poller.wake()
}

func (q *readinessQueue) activate(r *requestBase) error {
	l := q.loop
	switch impl := r.impl.(type) {
	case *SocketAccept:
		return q.waitFor(impl.listener.handle(), eventRead, r)

	case *SocketConnect:
		fd := int(impl.socket)
		if err := l.associate(impl.socket.handle()); err != nil {
			return err
		}
		err := unix.Connect(fd, sockaddr(impl.address))
		switch err {
		case nil:
			l.completeLater(r, nil)
			return nil
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			return q.addWaiter(fd, eventWrite, r)
		default:
			return err
		}

	case *SocketSend:
		return q.waitFor(impl.socket.handle(), eventWrite, r)

	case *SocketReceive:
		return q.waitFor(impl.socket.handle(), eventRead, r)

	case *SocketClose:
		q.dropWatch(int(impl.socket), unix.EBADF)
		l.completeLater(r, unix.Close(int(impl.socket)))
		return nil

	case *FileRead:
		if isPollable(int(impl.fd)) {
			return q.waitFor(impl.fd.handle(), eventRead, r)
		}
		l.completeLater(r, impl.runBlocking())
		return nil

	case *FileWrite:
		if isPollable(int(impl.fd)) {
			return q.waitFor(impl.fd.handle(), eventWrite, r)
		}
		l.completeLater(r, impl.runBlocking())
		return nil

	case *FileClose:
		q.dropWatch(int(impl.fd), unix.EBADF)
		l.completeLater(r, impl.runBlocking())
		return nil

	case *ProcessExit:
		key, exited, err := q.poller.watchProcess(int(impl.process))
		if err != nil {
			return err
		}
		r.sys.pidfd = key
		if exited {
			status, err := reapProcess(int(impl.process))
			impl.exitStatus = status
			r.sys.pidfd = -1
			l.completeLater(r, err)
			return nil
		}
		w := q.watch(key)
		w.process = true
		return q.addWaiter(key, eventRead, r)
	}
	return ErrUnsupported
}

// waitFor associates the descriptor, then queues r until it is ready.
func (q *readinessQueue) waitFor(h uintptr, ev ioEvents, r *requestBase) error {
	if err := q.loop.associate(h); err != nil {
		return err
	}
	return q.addWaiter(int(h), ev, r)
}

func (q *readinessQueue) watch(key int) *fdWatch {
	w := q.watches[key]
	if w == nil {
		w = &fdWatch{key: key}
		q.watches[key] = w
	}
	return w
}

func (q *readinessQueue) addWaiter(key int, ev ioEvents, r *requestBase) error {
	w := q.watch(key)
	if ev == eventRead {
		w.readers.PushBack(r)
	} else {
		w.writers.PushBack(r)
	}
	r.sys.waitKey = key
	r.sys.waitEv = ev
	if err := q.updateInterest(w); err != nil {
		q.removeWaiter(w, r)
		_ = q.updateInterest(w)
		return err
	}
	return nil
}

func (q *readinessQueue) removeWaiter(w *fdWatch, r *requestBase) bool {
	list := &w.readers
	if r.sys.waitEv == eventWrite {
		list = &w.writers
	}
	if i := list.Index(func(x *requestBase) bool { return x == r }); i >= 0 {
		list.Remove(i)
		return true
	}
	return false
}

// updateInterest syncs the poller with the waiters of w, forgetting w once
// it has none.
func (q *readinessQueue) updateInterest(w *fdWatch) error {
	var want ioEvents
	if w.readers.Len() != 0 {
		want |= eventRead
	}
	if w.writers.Len() != 0 {
		want |= eventWrite
	}
	if want == 0 {
		if q.watches[w.key] == w {
			delete(q.watches, w.key)
		}
		if w.process {
			q.poller.unwatchProcess(w.key)
			w.process = false
			w.interest = 0
			return nil
		}
	}
	if w.process {
		w.interest = want
		return nil
	}
	if want == w.interest {
		return nil
	}
	if err := q.poller.update(w.key, w.interest, want); err != nil {
		return err
	}
	w.interest = want
	return nil
}

// dropWatch forgets a descriptor about to be closed, failing its waiters.
func (q *readinessQueue) dropWatch(fd int, err error) {
	w := q.watches[fd]
	if w == nil {
		return
	}
	delete(q.watches, fd)
	_ = q.poller.update(fd, w.interest, 0)
	w.interest = 0
	for _, list := range [...]*deque.Deque[*requestBase]{&w.readers, &w.writers} {
		for list.Len() != 0 {
			q.loop.completeLater(list.PopFront(), err)
		}
	}
}

func (q *readinessQueue) cancel(r *requestBase) bool {
	if w := q.watches[r.sys.waitKey]; w != nil && q.removeWaiter(w, r) {
		_ = q.updateInterest(w)
	}
	if r.kind == KindProcessExit {
		r.sys.pidfd = -1
	}
	return true
}

func (q *readinessQueue) wait(timeout time.Duration) error {
	var err error
	q.events, err = q.poller.wait(timeout, q.events[:0])
	return err
}

func (q *readinessQueue) dispatch() {
	for _, ev := range q.events {
		w := q.watches[ev.key]
		if w == nil {
			continue
		}
		if ev.events&(eventRead|eventError|eventHangup) != 0 {
			q.drainList(w, &w.readers)
		}
		if ev.events&(eventWrite|eventError|eventHangup) != 0 {
			q.drainList(w, &w.writers)
		}
		if q.watches[ev.key] == w {
			if err := q.updateInterest(w); err != nil {
				q.dropWatch(w.key, err)
			}
		}
	}
	q.events = q.events[:0]
}

// drainList performs waiting operations in order, until one would block.
func (q *readinessQueue) drainList(w *fdWatch, list *deque.Deque[*requestBase]) {
	for list.Len() != 0 {
		r := list.Front()
		done, err := q.perform(r)
		if !done {
			return
		}
		list.PopFront()
		if w.process {
			q.poller.unwatchProcess(w.key)
			w.process = false
			w.interest = 0
			if q.watches[w.key] == w {
				delete(q.watches, w.key)
			}
			r.sys.pidfd = -1
		}
		q.loop.finish(r, err)
	}
}

// perform attempts the operation of a ready request. done is false if the
// operation would block.
func (q *readinessQueue) perform(r *requestBase) (done bool, err error) {
	switch impl := r.impl.(type) {
	case *SocketAccept:
		nfd, err := acceptNonBlocking(int(impl.listener))
		switch err {
		case nil:
		case unix.EAGAIN, unix.ECONNABORTED:
			return false, nil
		default:
			return true, err
		}
		impl.accepted = SocketDescriptor(nfd)
		q.loop.associated[uintptr(nfd)] = struct{}{}
		return true, nil

	case *SocketConnect:
		v, err := unix.GetsockoptInt(int(impl.socket), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return true, err
		}
		if v != 0 {
			return true, unix.Errno(v)
		}
		return true, nil

	case *SocketSend:
		for {
			n, err := ignoringEINTRIO(func() (int, error) {
				return unix.SendmsgN(int(impl.socket), impl.buffer[impl.written:], nil, nil, sendFlags)
			})
			if err == unix.EAGAIN {
				return false, nil
			}
			if err != nil {
				return true, err
			}
			impl.written += n
			if impl.written >= len(impl.buffer) {
				return true, nil
			}
		}

	case *SocketReceive:
		fd := int(impl.socket)
		n, err := ignoringEINTRIO(func() (int, error) { return unix.Read(fd, impl.buffer) })
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return true, err
		}
		impl.received = n
		impl.disconnected = n == 0 && isConnectionOriented(socketType(&r.sys, fd))
		return true, nil

	case *FileRead:
		n, err := impl.readOnce()
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return true, err
		}
		impl.setResult(n)
		return true, nil

	case *FileWrite:
		for impl.written < len(impl.buffer) {
			n, err := impl.writeOnce()
			if err == unix.EAGAIN {
				return false, nil
			}
			if err != nil {
				return true, err
			}
			impl.written += n
		}
		return true, nil

	case *ProcessExit:
		status, err := reapProcess(int(impl.process))
		impl.exitStatus = status
		return true, err
	}
	return true, ErrUnsupported
}

// isPollable reports false for descriptors a readiness multiplexer cannot
// wait on (regular files, directories, block devices).
func isPollable(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return true
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR, unix.S_IFBLK:
		return false
	}
	return true
}

func isConnectionOriented(sotype int) bool {
	return sotype != unix.SOCK_DGRAM && sotype != unix.SOCK_RAW
}
