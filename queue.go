package aio

import (
	"sync"
)

// requestList is an intrusive, non-owning doubly linked list of requests,
// in activation order. A request is a member of at most one requestList.
type requestList struct {
	head, tail *requestBase
	length     int
}

func (x *requestList) pushBack(r *requestBase) {
	if r.inActive {
		panic("aio: request already linked")
	}
	r.inActive = true
	r.next = nil
	r.prev = x.tail
	if x.tail != nil {
		x.tail.next = r
	} else {
		x.head = r
	}
	x.tail = r
	x.length++
}

func (x *requestList) remove(r *requestBase) {
	if !r.inActive {
		return
	}
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		x.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		x.tail = r.prev
	}
	r.next, r.prev = nil, nil
	r.inActive = false
	x.length--
}

func (x *requestList) len() int { return x.length }

// each calls fn for every request, in order. fn must not modify the list.
func (x *requestList) each(fn func(r *requestBase)) {
	for r := x.head; r != nil; r = r.next {
		fn(r)
	}
}

const (
	// chunkSize is the number of entries per node in the chunkedQueue linked
	// list.
	chunkSize = 64
)

// chunkedQueue is a chunked linked-list FIFO.
//
// Thread Safety: This struct is NOT thread-safe.
// The caller must provide external synchronization.
type chunkedQueue[T any] struct {
	head   *chunk[T]
	tail   *chunk[T]
	pool   *sync.Pool
	length int
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/writePos cursors for O(1) push/pop without shifting.
type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int
	pos     int
}

func newChunkedQueue[T any]() *chunkedQueue[T] {
	return &chunkedQueue[T]{pool: &sync.Pool{New: func() any { return new(chunk[T]) }}}
}

func (q *chunkedQueue[T]) newChunk() *chunk[T] {
	c := q.pool.Get().(*chunk[T])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears the chunk (releasing references) and recycles it.
func (q *chunkedQueue[T]) returnChunk(c *chunk[T]) {
	var zero T
	for i := 0; i < c.pos; i++ {
		c.items[i] = zero
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.pool.Put(c)
}

// Push adds an entry to the tail of the queue.
func (q *chunkedQueue[T]) Push(v T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.items) {
		next := q.newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.items[q.tail.pos] = v
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head of the queue.
func (q *chunkedQueue[T]) Pop() (T, bool) {
	var zero T
	if q.head == nil || q.length == 0 {
		return zero, false
	}
	if q.head.readPos >= q.head.pos {
		old := q.head
		q.head = old.next
		q.returnChunk(old)
	}
	v := q.head.items[q.head.readPos]
	q.head.items[q.head.readPos] = zero
	q.head.readPos++
	q.length--
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = old.next
			q.returnChunk(old)
		}
	}
	return v, true
}

// Length returns the queue length.
func (q *chunkedQueue[T]) Length() int {
	return q.length
}

// completionIngress is the mutex guarded hand-off of finished thread pool
// tasks to the loop goroutine.
type completionIngress struct {
	q  *chunkedQueue[*requestBase]
	mu sync.Mutex
}

func newCompletionIngress() *completionIngress {
	return &completionIngress{q: newChunkedQueue[*requestBase]()}
}

func (x *completionIngress) push(r *requestBase) {
	x.mu.Lock()
	x.q.Push(r)
	x.mu.Unlock()
}

// drain pops entries, calling fn for each one outside the lock.
func (x *completionIngress) drain(fn func(r *requestBase)) {
	for {
		x.mu.Lock()
		r, ok := x.q.Pop()
		x.mu.Unlock()
		if !ok {
			return
		}
		fn(r)
	}
}

func (x *completionIngress) length() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.q.Length()
}
