//go:build darwin

package aio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const sendFlags = 0

// acceptNonBlocking accepts a connection as a non-blocking, close-on-exec
// socket.
func acceptNonBlocking(fd int) (int, error) {
	// same dance as the net package: no accept4 on darwin
	syscall.ForkLock.RLock()
	nfd, err := ignoringEINTRIO(func() (int, error) {
		nfd, _, err := unix.Accept(fd)
		return nfd, err
	})
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
