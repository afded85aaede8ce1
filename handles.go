package aio

// Descriptor is implemented by [FileDescriptor] and [SocketDescriptor].
type Descriptor interface {
	handle() uintptr
	valid() bool
}

var (
	_ Descriptor = FileDescriptor(0)
	_ Descriptor = SocketDescriptor(0)
)
