//go:build darwin

package aio

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller manages I/O event registration using kqueue, with a self-pipe
// for wake ups.
type kqueuePoller struct {
	eventBuf  []unix.Kevent_t
	kq        int
	wakeRead  int
	wakeWrite int
	wakeBuf   [64]byte
}

func newKqueuePoller(maxEvents int) (*kqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	p := &kqueuePoller{
		eventBuf:  make([]unix.Kevent_t, maxEvents),
		kq:        kq,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
	}
	if err := p.update(wakeRead, 0, eventRead); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

// createWakeFd creates a self-pipe for wake-up notifications.
// Returns the read end and the write end of the pipe.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return 0, 0, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func (p *kqueuePoller) name() string { return "kqueue" }

func (p *kqueuePoller) close() error {
	err := unix.Close(p.kq)
	_ = unix.Close(p.wakeRead)
	_ = unix.Close(p.wakeWrite)
	return err
}

func (p *kqueuePoller) update(fd int, old, new ioEvents) error {
	var changes [2]unix.Kevent_t
	n := 0
	if del := old &^ new; del != 0 {
		n += eventsToKevents(changes[n:], fd, del, unix.EV_DELETE)
		// ignore errors on delete
		_, _ = unix.Kevent(p.kq, changes[:n], nil, nil)
		n = 0
	}
	if add := new &^ old; add != 0 {
		n += eventsToKevents(changes[n:], fd, add, unix.EV_ADD|unix.EV_ENABLE)
		if _, err := unix.Kevent(p.kq, changes[:n], nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// processKey maps a pid to a watch key that cannot collide with a
// descriptor.
func processKey(pid int) int { return -pid - 1 }

func (p *kqueuePoller) watchProcess(pid int) (int, bool, error) {
	var change unix.Kevent_t
	unix.SetKevent(&change, pid, unix.EVFILT_PROC, unix.EV_ADD|unix.EV_ONESHOT)
	change.Fflags = unix.NOTE_EXIT
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil); err != nil {
		if err == unix.ESRCH {
			// already exited (a zombie, waiting to be reaped)
			return processKey(pid), true, nil
		}
		return -1, false, err
	}
	return processKey(pid), false, nil
}

func (p *kqueuePoller) unwatchProcess(key int) {
	var change unix.Kevent_t
	unix.SetKevent(&change, -key-1, unix.EVFILT_PROC, unix.EV_DELETE)
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil)
}

func (p *kqueuePoller) wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < n; i++ {
		kev := &p.eventBuf[i]
		if kev.Filter == unix.EVFILT_PROC {
			events = append(events, readyEvent{key: processKey(int(kev.Ident)), events: eventRead})
			continue
		}
		fd := int(kev.Ident)
		if fd == p.wakeRead {
			p.drainWakeFd()
			continue
		}
		events = append(events, readyEvent{key: fd, events: keventToEvents(kev)})
	}
	return events, nil
}

func (p *kqueuePoller) drainWakeFd() {
	for {
		if _, err := unix.Read(p.wakeRead, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

func (p *kqueuePoller) wake() error {
	_, err := unix.Write(p.wakeWrite, []byte{1})
	if err == unix.EAGAIN {
		// pipe full, a wake up is pending anyway
		err = nil
	}
	return err
}

func eventsToKevents(dst []unix.Kevent_t, fd int, events ioEvents, flags int) int {
	n := 0
	if events&eventRead != 0 {
		unix.SetKevent(&dst[n], fd, unix.EVFILT_READ, flags)
		n++
	}
	if events&eventWrite != 0 {
		unix.SetKevent(&dst[n], fd, unix.EVFILT_WRITE, flags)
		n++
	}
	return n
}

func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= eventRead
	case unix.EVFILT_WRITE:
		events |= eventWrite
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= eventHangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= eventError
	}
	return events
}
