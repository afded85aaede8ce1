//go:build linux

package uring

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRing(t *testing.T, entries uint32) *Ring {
	t.Helper()
	r, err := New(entries)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) && (errno == unix.ENOSYS || errno == unix.EPERM || errno == unix.EACCES) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestABISizes(t *testing.T) {
	require.Equal(t, uintptr(64), unsafe.Sizeof(SQE{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(CQE{}))
	require.Equal(t, uintptr(120), unsafe.Sizeof(Params{}))
	require.Equal(t, uintptr(24), unsafe.Sizeof(getEventsArg{}))
}

func TestRing_nop(t *testing.T) {
	r := newTestRing(t, 8)
	require.GreaterOrEqual(t, r.Entries(), uint32(8))

	for i := uint64(1); i <= 3; i++ {
		sqe := r.GetSQE()
		require.NotNil(t, sqe)
		sqe.Opcode = OpNop
		sqe.UserData = i
	}
	n, err := r.Submit(3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	seen := map[uint64]bool{}
	for cqe := r.PeekCQE(); cqe != nil; cqe = r.PeekCQE() {
		require.Equal(t, int32(0), cqe.Res)
		seen[cqe.UserData] = true
		r.Advance(1)
	}
	require.Equal(t, map[uint64]bool{1: true, 2: true, 3: true}, seen)
}

func TestRing_getSQEFull(t *testing.T) {
	r := newTestRing(t, 4)
	for i := uint32(0); i < r.Entries(); i++ {
		require.NotNil(t, r.GetSQE())
	}
	require.Nil(t, r.GetSQE())
	_, err := r.Submit(0)
	require.NoError(t, err)
	require.NotNil(t, r.GetSQE())
}

func TestRing_readPipe(t *testing.T) {
	r := newTestRing(t, 4)
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err := unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	sqe := r.GetSQE()
	sqe.Opcode = OpRead
	sqe.Fd = int32(fds[0])
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.Off = ^uint64(0)
	sqe.UserData = 42
	_, err = r.Submit(1)
	require.NoError(t, err)

	cqe := r.PeekCQE()
	require.NotNil(t, cqe)
	require.Equal(t, uint64(42), cqe.UserData)
	require.Equal(t, int32(5), cqe.Res)
	r.Advance(1)
	require.Equal(t, "hello", string(buf[:5]))
}

func TestRing_closeTwice(t *testing.T) {
	r := newTestRing(t, 2)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err := r.Submit(0)
	require.ErrorIs(t, err, ErrRingClosed)
}
