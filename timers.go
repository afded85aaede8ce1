package aio

import (
	"container/heap"
	"time"
)

// timerHeap is a min-heap of active Timeout requests, ordered by expiration
// then by activation sequence (FIFO for equal deadlines).
type timerHeap []*Timeout

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].timerSeq < h[j].timerSeq
	}
	return h[i].expiration.Before(h[j].expiration)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timeout)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	x.heapIndex = -1
	*h = old[:n-1]
	return x
}

// addTimer activates t, with its deadline relative to the loop time.
func (l *Loop) addTimer(t *Timeout) {
	l.timerSeq++
	t.timerSeq = l.timerSeq
	t.expiration = l.now.Add(t.relative)
	heap.Push(&l.timers, t)
	t.loc = locTimers
}

// removeTimer reports whether t was still pending.
func (l *Loop) removeTimer(t *Timeout) bool {
	if t.heapIndex >= 0 && t.heapIndex < len(l.timers) && l.timers[t.heapIndex] == t {
		heap.Remove(&l.timers, t.heapIndex)
		return true
	}
	return false
}

// nextTimerDelay returns the delay until the earliest timer, and false if
// there are no timers.
func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	delay := l.timers[0].expiration.Sub(time.Now())
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// runTimers completes all expired timers, in deadline order.
func (l *Loop) runTimers() {
	for len(l.timers) > 0 {
		if l.timers[0].expiration.After(l.now) {
			break
		}
		t := heap.Pop(&l.timers).(*Timeout)
		t.loc = locNone
		l.finish(&t.requestBase, nil)
	}
}
