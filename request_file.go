package aio

import (
	"errors"
)

var errPoolTaskMismatch = errors.New("aio: thread pool and task must be set together")

func setThreadPoolAndTask(r *requestBase, pool *ThreadPool, task *ThreadPoolTask) error {
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	if (pool == nil) != (task == nil) {
		return errPoolTaskMismatch
	}
	if task != nil && task.state.Load() != taskIdle {
		return ErrTaskInUse
	}
	r.pool = pool
	r.task = task
	return nil
}

// FileRead reads from a file, pipe or other file-like descriptor. A read
// returning no data reports EndOfFile.
//
// By default reads use (and advance) the descriptor's file position; after
// SetOffset they read at an explicit offset that advances by the number of
// bytes read, so reactivating the request reads the file sequentially
// either way.
type FileRead struct {
	requestBase

	// Callback is invoked on the loop goroutine with the data read.
	Callback func(result *FileReadResult)

	fd          FileDescriptor
	buffer      []byte
	offset      int64
	transferred int
	useOffset   bool
	endOfFile   bool
}

// FileReadResult is passed to [FileRead.Callback].
type FileReadResult struct {
	CompletionResult
	Request *FileRead
	// Data is the slice of the buffer that was filled.
	Data []byte
	// EndOfFile is true when the read returned no data.
	EndOfFile bool
}

// SetThreadPoolAndTask makes the request run on pool (using task) on
// backends that cannot read regular files asynchronously. The request must
// be free. Passing nil for both unsets it.
func (r *FileRead) SetThreadPoolAndTask(pool *ThreadPool, task *ThreadPoolTask) error {
	return setThreadPoolAndTask(&r.requestBase, pool, task)
}

// SetOffset switches the request to positional reads starting at offset.
// The request must be free.
func (r *FileRead) SetOffset(offset int64) error {
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	if offset < 0 {
		return ErrInvalidBuffer
	}
	r.offset = offset
	r.useOffset = true
	return nil
}

// Offset returns the offset of the next positional read, and whether
// positional reads are in use.
func (r *FileRead) Offset() (int64, bool) { return r.offset, r.useOffset }

// Start reads into buffer, which must not be empty.
func (r *FileRead) Start(l *Loop, fd FileDescriptor, buffer []byte) error {
	if !fd.valid() {
		return ErrInvalidDescriptor
	}
	if len(buffer) == 0 {
		return ErrInvalidBuffer
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.fd = fd
	r.buffer = buffer
	return r.start(l, KindFileRead, r)
}

// setResult records the outcome of a read, shared by all executors.
func (r *FileRead) setResult(n int) {
	r.transferred = n
	r.endOfFile = n == 0
}

func (r *FileRead) complete(l *Loop, err error) bool {
	res := FileReadResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if err == nil {
		res.Data = r.buffer[:r.transferred]
		res.EndOfFile = r.endOfFile
		if r.useOffset {
			r.offset += int64(r.transferred)
		}
	}
	r.transferred = 0
	r.endOfFile = false
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// FileWrite writes the whole of a buffer to a file or pipe. Partial writes
// are continued internally.
type FileWrite struct {
	requestBase

	// Callback is invoked on the loop goroutine once the buffer was written.
	Callback func(result *FileWriteResult)

	fd        FileDescriptor
	buffer    []byte
	offset    int64
	written   int
	useOffset bool
}

// FileWriteResult is passed to [FileWrite.Callback].
type FileWriteResult struct {
	CompletionResult
	Request *FileWrite
	// Written is the number of bytes written.
	Written int
}

// SetThreadPoolAndTask makes the request run on pool (using task) on
// backends that cannot write regular files asynchronously. The request must
// be free. Passing nil for both unsets it.
func (r *FileWrite) SetThreadPoolAndTask(pool *ThreadPool, task *ThreadPoolTask) error {
	return setThreadPoolAndTask(&r.requestBase, pool, task)
}

// SetOffset switches the request to positional writes starting at offset.
// The request must be free.
func (r *FileWrite) SetOffset(offset int64) error {
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	if offset < 0 {
		return ErrInvalidBuffer
	}
	r.offset = offset
	r.useOffset = true
	return nil
}

// Offset returns the offset of the next positional write, and whether
// positional writes are in use.
func (r *FileWrite) Offset() (int64, bool) { return r.offset, r.useOffset }

// Start writes buffer to fd. The buffer must not be modified until the
// request is free.
func (r *FileWrite) Start(l *Loop, fd FileDescriptor, buffer []byte) error {
	if !fd.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.fd = fd
	r.buffer = buffer
	r.written = 0
	return r.start(l, KindFileWrite, r)
}

// writeOffset is the position of the next chunk of a positional write.
func (r *FileWrite) writeOffset() int64 { return r.offset + int64(r.written) }

func (r *FileWrite) complete(l *Loop, err error) bool {
	res := FileWriteResult{CompletionResult: newCompletionResult(l, err), Request: r, Written: r.written}
	if r.useOffset {
		r.offset += int64(r.written)
	}
	r.written = 0
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}

// FileClose closes a file descriptor, forgetting its association with the
// loop.
type FileClose struct {
	requestBase

	// Callback is invoked on the loop goroutine once the descriptor was
	// closed.
	Callback func(result *FileCloseResult)

	fd FileDescriptor
}

// FileCloseResult is passed to [FileClose.Callback].
type FileCloseResult struct {
	CompletionResult
	Request *FileClose
}

// SetThreadPoolAndTask makes the close run on pool (using task) on backends
// without native asynchronous file I/O. The request must be free.
func (r *FileClose) SetThreadPoolAndTask(pool *ThreadPool, task *ThreadPoolTask) error {
	return setThreadPoolAndTask(&r.requestBase, pool, task)
}

// Start closes fd. Other requests using fd must be stopped first.
func (r *FileClose) Start(l *Loop, fd FileDescriptor) error {
	if !fd.valid() {
		return ErrInvalidDescriptor
	}
	if r.state != StateFree {
		return ErrRequestNotFree
	}
	r.fd = fd
	return r.start(l, KindFileClose, r)
}

func (r *FileClose) complete(l *Loop, err error) bool {
	res := FileCloseResult{CompletionResult: newCompletionResult(l, err), Request: r}
	if r.Callback != nil {
		r.Callback(&res)
	}
	return res.reactivate
}
