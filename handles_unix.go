//go:build linux || darwin

package aio

// FileDescriptor is a native file descriptor (regular file, pipe, etc).
type FileDescriptor int

// SocketDescriptor is a native socket descriptor.
type SocketDescriptor int

// ProcessHandle identifies a child process, by pid.
type ProcessHandle int

// InvalidFileDescriptor is the zero value for "no descriptor".
const InvalidFileDescriptor FileDescriptor = -1

// InvalidSocketDescriptor is the zero value for "no socket".
const InvalidSocketDescriptor SocketDescriptor = -1

func (fd FileDescriptor) handle() uintptr   { return uintptr(fd) }
func (fd FileDescriptor) valid() bool       { return fd >= 0 }
func (fd SocketDescriptor) handle() uintptr { return uintptr(fd) }
func (fd SocketDescriptor) valid() bool     { return fd >= 0 }
func (p ProcessHandle) valid() bool         { return p > 0 }
