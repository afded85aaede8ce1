//go:build linux || darwin

package aio

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// sysRequestData holds the per-request state of the unix backends.
type sysRequestData struct {
	// io_uring user_data of the in-flight operation, 0 if none
	opID uint64
	// pidfd of a ProcessExit (linux), -1 if none
	pidfd int
	// cached SO_TYPE of the socket, 0 if unknown
	sotype int
	// readiness watch the request waits on
	waitKey int
	waitEv  ioEvents
	// sockaddr read (accept) or written (connect) by the kernel
	sa    unix.RawSockaddrAny
	saLen uint32
}

// ignoringEINTRIO retries fn while it fails with EINTR.
func ignoringEINTRIO(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

// waitFD blocks until fd is ready for events. Used on thread pool workers
// when a descriptor turns out to be non-blocking.
func waitFD(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err != unix.EINTR {
			return err
		}
	}
}

func (r *FileRead) readOnce() (int, error) {
	return ignoringEINTRIO(func() (int, error) {
		if r.useOffset {
			return unix.Pread(int(r.fd), r.buffer, r.offset)
		}
		return unix.Read(int(r.fd), r.buffer)
	})
}

func (r *FileRead) runBlocking() error {
	for {
		n, err := r.readOnce()
		if err == unix.EAGAIN {
			if err := waitFD(int(r.fd), unix.POLLIN); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		r.setResult(n)
		return nil
	}
}

func (r *FileWrite) writeOnce() (int, error) {
	return ignoringEINTRIO(func() (int, error) {
		if r.useOffset {
			return unix.Pwrite(int(r.fd), r.buffer[r.written:], r.writeOffset())
		}
		return unix.Write(int(r.fd), r.buffer[r.written:])
	})
}

func (r *FileWrite) runBlocking() error {
	for r.written < len(r.buffer) {
		n, err := r.writeOnce()
		if err == unix.EAGAIN {
			if err := waitFD(int(r.fd), unix.POLLOUT); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		r.written += n
	}
	return nil
}

func (r *FileClose) runBlocking() error {
	return unix.Close(int(r.fd))
}

// exitStatus converts a wait status as documented on ProcessExitResult.
func exitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// reapProcess collects the exit status of a process known to have exited.
func reapProcess(pid int) (int, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return exitStatus(ws), nil
	}
}

// socketType returns (and caches) SO_TYPE of a socket.
func socketType(d *sysRequestData, fd int) int {
	if d.sotype == 0 {
		if v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err == nil {
			d.sotype = v
		} else {
			d.sotype = unix.SOCK_STREAM
		}
	}
	return d.sotype
}

// sockaddr converts addr for unix.Connect.
func sockaddr(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	if zone := addr.Addr().Zone(); zone != "" {
		if ifi, err := interfaceIndex(zone); err == nil {
			sa.ZoneId = uint32(ifi)
		}
	}
	return sa
}

func interfaceIndex(zone string) (int, error) {
	if n, err := strconv.Atoi(zone); err == nil {
		return n, nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}
