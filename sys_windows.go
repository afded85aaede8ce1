package aio

import (
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

// iocpOverlapped is the OVERLAPPED of a request. The embedded Overlapped
// must be the first field, the completion port returns its address.
type iocpOverlapped struct {
	ov  windows.Overlapped
	req *requestBase
}

// processResult is published by the goroutine waiting on a process.
type processResult struct {
	err      error
	exitCode uint32
}

// sysRequestData holds the per-request state of the IOCP backend.
type sysRequestData struct {
	ov     iocpOverlapped
	wsaBuf windows.WSABuf
	flags  uint32
	// cached SO_TYPE of the socket, 0 if unknown
	sotype int32

	// socket created for AcceptEx, and the addresses it writes
	acceptSocket windows.Handle
	acceptBuf    [2 * acceptAddrLen]byte

	cancelEvent windows.Handle
	process     atomic.Pointer[processResult]
}

const (
	// sizeof(SOCKADDR_STORAGE) + 16, as required by AcceptEx
	acceptAddrLen = 128 + 16

	soUpdateAcceptContext  = 0x700b
	soUpdateConnectContext = 0x7010
	wsaFlagNoHandleInherit = 0x80
	soType                 = 0x1008
)

func (r *FileClose) runBlocking() error {
	return windows.CloseHandle(windows.Handle(r.fd))
}

// socketType returns (and caches) SO_TYPE of a socket.
func socketType(d *sysRequestData, s windows.Handle) int32 {
	if d.sotype == 0 {
		var v int32
		n := int32(4)
		if err := windows.Getsockopt(s, windows.SOL_SOCKET, soType, (*byte)(unsafe.Pointer(&v)), &n); err == nil {
			d.sotype = v
		} else {
			d.sotype = windows.SOCK_STREAM
		}
	}
	return d.sotype
}

func sockaddr(addr netip.AddrPort) windows.Sockaddr {
	if addr.Addr().Is4() {
		return &windows.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	sa := &windows.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	if zone := addr.Addr().Zone(); zone != "" {
		if n, err := strconv.Atoi(zone); err == nil {
			sa.ZoneId = uint32(n)
		} else if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

// anySockaddr is the wildcard address of the family of addr, used to bind
// sockets before ConnectEx.
func anySockaddr(addr netip.AddrPort) windows.Sockaddr {
	if addr.Addr().Is4() {
		return &windows.SockaddrInet4{}
	}
	return &windows.SockaddrInet6{}
}

// socketFamily returns the address family of a bound socket.
func socketFamily(s windows.Handle) (int32, error) {
	sa, err := windows.Getsockname(s)
	if err != nil {
		return 0, err
	}
	if _, ok := sa.(*windows.SockaddrInet6); ok {
		return windows.AF_INET6, nil
	}
	return windows.AF_INET, nil
}
