//go:build windows

package aio

import (
	"golang.org/x/sys/windows"
)

// FileDescriptor is a native file handle, opened with FILE_FLAG_OVERLAPPED.
type FileDescriptor windows.Handle

// SocketDescriptor is a native socket, created with WSA_FLAG_OVERLAPPED.
type SocketDescriptor windows.Handle

// ProcessHandle is a native process handle, with SYNCHRONIZE and
// PROCESS_QUERY_LIMITED_INFORMATION access.
type ProcessHandle windows.Handle

// InvalidFileDescriptor is the zero value for "no descriptor".
const InvalidFileDescriptor = FileDescriptor(windows.InvalidHandle)

// InvalidSocketDescriptor is the zero value for "no socket".
const InvalidSocketDescriptor = SocketDescriptor(windows.InvalidHandle)

func (fd FileDescriptor) handle() uintptr { return uintptr(fd) }

func (fd FileDescriptor) valid() bool {
	return fd != 0 && fd != FileDescriptor(windows.InvalidHandle)
}

func (fd SocketDescriptor) handle() uintptr { return uintptr(fd) }

func (fd SocketDescriptor) valid() bool {
	return fd != 0 && fd != SocketDescriptor(windows.InvalidHandle)
}

func (p ProcessHandle) valid() bool {
	return p != 0 && p != ProcessHandle(windows.InvalidHandle)
}
