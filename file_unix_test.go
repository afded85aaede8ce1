//go:build linux || darwin

package aio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func openFile(t *testing.T, path string, flags int) FileDescriptor {
	t.Helper()
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0o600)
	require.NoError(t, err)
	return FileDescriptor(fd)
}

// readChunks reads fd to the end with one reactivated FileRead, returning
// the size of every completion.
func readChunks(t *testing.T, l *Loop, r *FileRead, fd FileDescriptor, chunk int) ([]int, []byte) {
	t.Helper()
	var sizes []int
	var data []byte
	r.Callback = func(res *FileReadResult) {
		require.NoError(t, res.Err())
		sizes = append(sizes, len(res.Data))
		data = append(data, res.Data...)
		require.Equal(t, len(res.Data) == 0, res.EndOfFile)
		res.ReactivateRequest(!res.EndOfFile)
	}
	require.NoError(t, r.Start(l, fd, make([]byte, chunk)))
	runWithTimeout(t, l)
	return sizes, data
}

func TestFileRead_sequentialChunks(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 25)

	for _, withPool := range []bool{false, true} {
		name := "direct"
		if withPool {
			name = "pool"
		}
		t.Run(name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, l *Loop) {
				fd := openFile(t, writeTempFile(t, content), unix.O_RDONLY)

				var r FileRead
				if withPool {
					pool, err := NewThreadPool(2)
					require.NoError(t, err)
					defer pool.Close()
					require.NoError(t, r.SetThreadPoolAndTask(pool, &ThreadPoolTask{}))
				}
				sizes, data := readChunks(t, l, &r, fd, 100)
				require.Equal(t, []int{100, 100, 50, 0}, sizes)
				require.Equal(t, content, data)

				var c FileClose
				var closeErr error
				closed := false
				c.Callback = func(res *FileCloseResult) {
					closed = true
					closeErr = res.Err()
				}
				require.NoError(t, c.Start(l, fd))
				runWithTimeout(t, l)
				require.True(t, closed)
				require.NoError(t, closeErr)
			})
		})
	}
}

func TestFileRead_offset(t *testing.T) {
	content := bytes.Repeat([]byte("abcde"), 50)
	forEachBackend(t, func(t *testing.T, l *Loop) {
		fd := openFile(t, writeTempFile(t, content), unix.O_RDONLY)
		defer unix.Close(int(fd))

		var r FileRead
		require.NoError(t, r.SetOffset(200))
		sizes, data := readChunks(t, l, &r, fd, 100)
		require.Equal(t, []int{50, 0}, sizes)
		require.Equal(t, content[200:], data)
		off, ok := r.Offset()
		require.True(t, ok)
		require.EqualValues(t, 250, off)
	})
}

func TestFileRead_pipe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		defer unix.Close(fds[0])

		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = unix.Write(fds[1], []byte("ping"))
			time.Sleep(10 * time.Millisecond)
			_ = unix.Close(fds[1])
		}()

		var r FileRead
		sizes, data := readChunks(t, l, &r, FileDescriptor(fds[0]), 16)
		require.Equal(t, "ping", string(data))
		require.Equal(t, 0, sizes[len(sizes)-1])
		require.NoError(t, l.RemoveAllAssociationsFor(FileDescriptor(fds[0])))
	})
}

func TestFileRead_stopPipe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var fds [2]int
		require.NoError(t, unix.Pipe(fds[:]))
		defer unix.Close(fds[0])
		defer unix.Close(fds[1])

		var r FileRead
		var got error
		r.Callback = func(res *FileReadResult) { got = res.Err() }
		var stopper Timeout
		stopper.Callback = func(*TimeoutResult) { require.NoError(t, r.Stop()) }
		require.NoError(t, r.Start(l, FileDescriptor(fds[0]), make([]byte, 8)))
		require.NoError(t, stopper.Start(l, 5*time.Millisecond))

		runWithTimeout(t, l)
		require.ErrorIs(t, got, ErrCancelled)
		require.NoError(t, l.RemoveAllAssociationsFor(FileDescriptor(fds[0])))
	})
}

func TestFileWrite_appendAndOffset(t *testing.T) {
	for _, withPool := range []bool{false, true} {
		name := "direct"
		if withPool {
			name = "pool"
		}
		t.Run(name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, l *Loop) {
				path := filepath.Join(t.TempDir(), "out")
				fd := openFile(t, path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC)

				var w FileWrite
				if withPool {
					pool, err := NewThreadPool(1)
					require.NoError(t, err)
					defer pool.Close()
					require.NoError(t, w.SetThreadPoolAndTask(pool, &ThreadPoolTask{}))
				}
				var writes int
				w.Callback = func(res *FileWriteResult) {
					require.NoError(t, res.Err())
					require.Equal(t, 3, res.Written)
					writes++
					res.ReactivateRequest(writes < 2)
				}
				require.NoError(t, w.Start(l, fd, []byte("abc")))
				runWithTimeout(t, l)
				require.Equal(t, 2, writes)

				// positional writes do not use the file position
				var p FileWrite
				require.NoError(t, p.SetOffset(2))
				p.Callback = func(res *FileWriteResult) {
					require.NoError(t, res.Err())
					require.Equal(t, 2, res.Written)
				}
				require.NoError(t, p.Start(l, fd, []byte("XY")))
				runWithTimeout(t, l)
				off, _ := p.Offset()
				require.EqualValues(t, 4, off)

				var c FileClose
				require.NoError(t, c.Start(l, fd))
				runWithTimeout(t, l)

				data, err := os.ReadFile(path)
				require.NoError(t, err)
				require.Equal(t, "abXYbc", string(data))
			})
		})
	}
}

func TestFileRead_invalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var r FileRead
		require.ErrorIs(t, r.Start(l, InvalidFileDescriptor, make([]byte, 1)), ErrInvalidDescriptor)
		require.ErrorIs(t, r.Start(l, FileDescriptor(0), nil), ErrInvalidBuffer)

		// a bad descriptor fails the request, not Start
		var got error
		r.Callback = func(res *FileReadResult) { got = res.Err() }
		require.NoError(t, r.Start(l, FileDescriptor(1<<20), make([]byte, 1)))
		runWithTimeout(t, l)
		require.ErrorIs(t, got, unix.EBADF)
	})
}
