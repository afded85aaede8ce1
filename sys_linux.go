//go:build linux

package aio

import (
	"golang.org/x/sys/unix"
)

const sendFlags = unix.MSG_NOSIGNAL

// acceptNonBlocking accepts a connection as a non-blocking, close-on-exec
// socket.
func acceptNonBlocking(fd int) (int, error) {
	return ignoringEINTRIO(func() (int, error) {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return nfd, err
	})
}
