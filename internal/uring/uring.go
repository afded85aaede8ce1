//go:build linux

// Package uring is a minimal binding of the linux io_uring interface: ring
// setup, submission queue entries, completion queue entries, and
// io_uring_enter. It does not interpret operations.
package uring

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes.
const (
	OpNop           uint8 = 0
	OpReadv         uint8 = 1
	OpWritev        uint8 = 2
	OpFsync         uint8 = 3
	OpPollAdd       uint8 = 6
	OpPollRemove    uint8 = 7
	OpSendmsg       uint8 = 9
	OpRecvmsg       uint8 = 10
	OpTimeout       uint8 = 11
	OpTimeoutRemove uint8 = 12
	OpAccept        uint8 = 13
	OpAsyncCancel   uint8 = 14
	OpLinkTimeout   uint8 = 15
	OpConnect       uint8 = 16
	OpClose         uint8 = 19
	OpRead          uint8 = 22
	OpWrite         uint8 = 23
	OpSend          uint8 = 26
	OpRecv          uint8 = 27
)

// Features reported by the kernel in Params.Features.
const (
	FeatSingleMmap uint32 = 1 << 0
	FeatNoDrop     uint32 = 1 << 1
	FeatRWCurPos   uint32 = 1 << 3
	FeatFastPoll   uint32 = 1 << 5
	FeatExtArg     uint32 = 1 << 8
)

const (
	enterGetEvents uint32 = 1 << 0
	enterExtArg    uint32 = 1 << 3

	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// SQRingOffsets is struct io_sqring_offsets.
type SQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// CQRingOffsets is struct io_cqring_offsets.
type CQRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Params is struct io_uring_params.
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        SQRingOffsets
	CQOff        CQRingOffsets
}

// SQE is struct io_uring_sqe. Off doubles as addr2, OpFlags as the per
// opcode flags union.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IOPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// CQE is struct io_uring_cqe.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// getEventsArg is struct io_uring_getevents_arg.
type getEventsArg struct {
	sigmask   uint64
	sigmaskSz uint32
	pad       uint32
	ts        uint64
}

// ErrRingClosed is returned when using a closed ring.
var ErrRingClosed = errors.New("uring: ring closed")

// Ring is an io_uring instance. It is not safe for concurrent use, and
// only Submit and Close may be called after Close.
type Ring struct {
	sqRing []byte
	cqRing []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray []uint32
	sqes    []SQE

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE

	params Params
	fd     int

	// SQEs handed out by GetSQE, not yet published to the kernel
	sqeHead uint32
	sqeTail uint32
}

// New sets up a ring with (at least) entries submission queue entries.
func New(entries uint32) (*Ring, error) {
	r := &Ring{fd: -1}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&r.params)), 0)
	if errno != 0 {
		return nil, errno
	}
	r.fd = int(fd)
	if err := r.mmap(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmap() error {
	p := &r.params
	sqSize := int(p.SQOff.Array + p.SQEntries*4)
	cqSize := int(p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{})))
	single := p.Features&FeatSingleMmap != 0
	if single && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	r.sqRing, err = unix.Mmap(r.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	if single {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = unix.Mmap(r.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return err
		}
	}
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, int(p.SQEntries)*int(unsafe.Sizeof(SQE{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.RingMask]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqRing[p.SQOff.Array])), p.SQEntries)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqeMem[0])), p.SQEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.Tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[p.CQOff.RingMask]))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqRing[p.CQOff.CQEs])), p.CQEntries)

	r.sqeTail = atomic.LoadUint32(r.sqTail)
	r.sqeHead = r.sqeTail
	return nil
}

// Features returns the feature flags reported by the kernel.
func (r *Ring) Features() uint32 { return r.params.Features }

// Entries returns the size of the submission queue.
func (r *Ring) Entries() uint32 { return r.params.SQEntries }

// GetSQE returns a zeroed submission queue entry, or nil if the queue is
// full. The entry is submitted by the next Submit.
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.params.SQEntries {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	*sqe = SQE{}
	r.sqeTail++
	return sqe
}

// flush publishes the entries handed out by GetSQE, returning the number the
// kernel has yet to consume.
func (r *Ring) flush() uint32 {
	tail := *r.sqTail
	for ; r.sqeHead != r.sqeTail; r.sqeHead++ {
		r.sqArray[tail&r.sqMask] = r.sqeHead & r.sqMask
		tail++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// Submit submits pending entries, then waits for at least waitNr
// completions.
func (r *Ring) Submit(waitNr uint32) (int, error) {
	var flags uint32
	if waitNr != 0 {
		flags |= enterGetEvents
	}
	if r.fd < 0 {
		return 0, ErrRingClosed
	}
	return r.enter(r.flush(), waitNr, flags, nil)
}

// SubmitAndWaitTimeout is Submit with a bound on the wait, which fails with
// unix.ETIME once it expires. Requires FeatExtArg.
func (r *Ring) SubmitAndWaitTimeout(waitNr uint32, ts *unix.Timespec) (int, error) {
	if r.fd < 0 {
		return 0, ErrRingClosed
	}
	arg := getEventsArg{ts: uint64(uintptr(unsafe.Pointer(ts)))}
	n, err := r.enter(r.flush(), waitNr, enterGetEvents|enterExtArg, &arg)
	runtime.KeepAlive(ts)
	return n, err
}

func (r *Ring) enter(toSubmit, waitNr, flags uint32, arg *getEventsArg) (int, error) {
	var argp, argsz uintptr
	if arg != nil {
		argp = uintptr(unsafe.Pointer(arg))
		argsz = unsafe.Sizeof(*arg)
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), uintptr(flags), argp, argsz)
	runtime.KeepAlive(arg)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// PeekCQE returns the next completion without consuming it, or nil.
func (r *Ring) PeekCQE() *CQE {
	head := *r.cqHead
	if head == atomic.LoadUint32(r.cqTail) {
		return nil
	}
	return &r.cqes[head&r.cqMask]
}

// Advance consumes n completions.
func (r *Ring) Advance(n uint32) {
	atomic.StoreUint32(r.cqHead, *r.cqHead+n)
}

// Close unmaps the rings and closes the ring descriptor.
func (r *Ring) Close() error {
	if r.sqeMem != nil {
		_ = unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if len(r.cqRing) != 0 && firstByte(r.cqRing) != firstByte(r.sqRing) {
		_ = unix.Munmap(r.cqRing)
	}
	r.cqRing = nil
	if r.sqRing != nil {
		_ = unix.Munmap(r.sqRing)
		r.sqRing = nil
	}
	r.sqes, r.cqes, r.sqArray = nil, nil, nil
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

func firstByte(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}
