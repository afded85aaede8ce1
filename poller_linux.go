//go:build linux

package aio

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller manages I/O event registration using epoll, with an eventfd for
// wake ups.
type epollPoller struct {
	eventBuf []unix.EpollEvent
	epfd     int
	wakeFd   int
	wakeBuf  [8]byte
}

func newEpollPoller(maxEvents int) (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{
		eventBuf: make([]unix.EpollEvent, maxEvents),
		epfd:     epfd,
		wakeFd:   wakeFd,
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// createWakeFd creates an eventfd for wake-up notifications.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func (p *epollPoller) name() string { return "epoll" }

func (p *epollPoller) close() error {
	err := unix.Close(p.epfd)
	if err2 := unix.Close(p.wakeFd); err == nil {
		err = err2
	}
	return err
}

func (p *epollPoller) update(fd int, old, new ioEvents) error {
	switch {
	case new == 0:
		if old == 0 {
			return nil
		}
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.ENOENT || err == unix.EBADF {
			err = nil
		}
		return err
	case old == 0:
		ev := unix.EpollEvent{Events: eventsToEpoll(new), Fd: int32(fd)}
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		if err == unix.EEXIST {
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
		return err
	default:
		ev := unix.EpollEvent{Events: eventsToEpoll(new), Fd: int32(fd)}
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (p *epollPoller) watchProcess(pid int) (int, bool, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return -1, false, err
	}
	unix.CloseOnExec(pidfd)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pidfd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, pidfd, &ev); err != nil {
		_ = unix.Close(pidfd)
		return -1, false, err
	}
	return pidfd, false, nil
}

func (p *epollPoller) unwatchProcess(key int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, key, nil)
	_ = unix.Close(key)
}

func (p *epollPoller) wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFd {
			p.drainWakeFd()
			continue
		}
		events = append(events, readyEvent{key: fd, events: epollToEvents(p.eventBuf[i].Events)})
	}
	return events, nil
}

func (p *epollPoller) drainWakeFd() {
	for {
		if _, err := unix.Read(p.wakeFd, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake up is pending anyway
		err = nil
	}
	return err
}

// eventsToEpoll converts ioEvents to epoll event flags.
func eventsToEpoll(events ioEvents) uint32 {
	var epollEvents uint32
	if events&eventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&eventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to ioEvents.
func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= eventHangup
	}
	return events
}
