package aio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ThreadPool is a fixed set of worker goroutines, each locked to its own OS
// thread, that execute blocking tasks. The loop uses it to run file
// operations the backend cannot perform asynchronously (see
// [Loop.NeedsThreadPoolForFileOperations]); it may also be used directly via
// Queue and WaitForTask.
type ThreadPool struct {
	queue      *queue.Queue
	cond       *sync.Cond
	wg         sync.WaitGroup
	mu         sync.Mutex
	numThreads int
	closed     bool
}

const (
	taskIdle uint32 = iota
	taskQueued
	taskRunning
)

// ThreadPoolTask is a unit of work executed by a [ThreadPool]. The zero value
// is ready to use. A task may be queued again once it has completed.
//
// When bound to a file request via SetThreadPoolAndTask, the task is owned by
// that request, and Function is managed by the loop.
type ThreadPoolTask struct {
	// Function is executed on a worker.
	Function func()

	err     error
	done    chan struct{}
	request *requestBase
	notify  func(r *requestBase)

	state     atomic.Uint32
	cancelled atomic.Bool
}

// NewThreadPool starts a pool with numThreads workers.
func NewThreadPool(numThreads int) (*ThreadPool, error) {
	if numThreads <= 0 {
		return nil, fmt.Errorf("aio: thread pool size must be positive: %d", numThreads)
	}
	p := &ThreadPool{
		queue:      queue.New(),
		numThreads: numThreads,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		go p.worker()
	}
	return p, nil
}

// NumThreads returns the number of workers.
func (p *ThreadPool) NumThreads() int { return p.numThreads }

// Queue schedules task for execution. The task must not be queued or running.
func (p *ThreadPool) Queue(task *ThreadPoolTask) error {
	if task == nil {
		return fmt.Errorf("aio: nil thread pool task")
	}
	if !task.state.CompareAndSwap(taskIdle, taskQueued) {
		return ErrTaskInUse
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		task.state.Store(taskIdle)
		return ErrThreadPoolClosed
	}
	task.err = nil
	task.cancelled.Store(false)
	task.done = make(chan struct{})
	p.queue.Add(task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// WaitForTask blocks until task has finished executing, returning a
// [PanicError] if Function panicked. Returns immediately if the task is not
// queued or running.
func (p *ThreadPool) WaitForTask(task *ThreadPoolTask) error {
	p.mu.Lock()
	done := task.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	return task.err
}

// Close stops accepting tasks, waits for all queued tasks to execute, then
// stops the workers. Close is idempotent.
func (p *ThreadPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
	return nil
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		p.mu.Lock()
		for p.queue.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.queue.Length() == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue.Remove().(*ThreadPoolTask)
		p.mu.Unlock()
		p.execute(task)
	}
}

func (p *ThreadPool) execute(task *ThreadPoolTask) {
	task.state.Store(taskRunning)
	if fn := task.Function; fn != nil && !task.cancelled.Load() {
		task.err = runTask(fn)
	}
	notify, req := task.notify, task.request
	p.mu.Lock()
	done := task.done
	p.mu.Unlock()
	task.state.Store(taskIdle)
	close(done)
	if notify != nil {
		notify(req)
	}
}

func runTask(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	fn()
	return nil
}
