//go:build linux || darwin

package aio

import (
	"time"
)

// ioEvents represents the type of I/O events to monitor.
type ioEvents uint32

const (
	// eventRead indicates the file descriptor is ready for reading.
	eventRead ioEvents = 1 << iota
	// eventWrite indicates the file descriptor is ready for writing.
	eventWrite
	// eventError indicates an error condition on the file descriptor.
	eventError
	// eventHangup indicates the peer closed its end of the connection.
	eventHangup
)

// readyEvent is a readiness notification for a watch key (a descriptor, or
// a process watch).
type readyEvent struct {
	key    int
	events ioEvents
}

// poller is the OS readiness multiplexer used by readinessQueue.
type poller interface {
	name() string
	close() error
	// update changes the interest set of fd from old to new (zero: none).
	update(fd int, old, new ioEvents) error
	// watchProcess watches pid for exit, reported as eventRead on the
	// returned key, until unwatchProcess. The key is never passed to update. exited is true if the process already exited, in which
	// case nothing is watched.
	watchProcess(pid int) (key int, exited bool, err error)
	unwatchProcess(key int)
	// wait appends readiness events to events, excluding wake ups.
	wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error)
	wake() error
}

// timeoutMillis converts a wait timeout, rounding up so that the wait never
// returns before a timer deadline.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	return ms
}
