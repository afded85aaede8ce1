package aio

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a loop, enabled by [WithMetrics].
//
// The loop records into its own instance; [Loop.Metrics] returns a snapshot
// with the exported fields populated and percentiles computed.
//
// Example:
//
//	loop, _ := aio.New(aio.WithMetrics(true))
//	_ = loop.Run()
//	stats := loop.Metrics()
//	fmt.Printf("completed: %d, P99 callback: %v\n",
//		stats.Completed, stats.Latency.P99)
type Metrics struct {
	// Latency of callbacks, computed over the most recent completions.
	Latency LatencyMetrics

	// Requests started (not counting reactivations).
	Submitted uint64
	// Callback invocations.
	Completed uint64
	// Completions reporting an operational error.
	Failed uint64
	// Completions reporting ErrCancelled.
	Cancelled uint64
	// Requests re-armed by their callback.
	Reactivated uint64
	// Callbacks that panicked.
	Panics uint64

	submitted   atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	reactivated atomic.Uint64
	panics      atomic.Uint64
}

func (m *Metrics) record(err error, latency time.Duration) {
	m.completed.Add(1)
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		m.cancelled.Add(1)
	default:
		m.failed.Add(1)
	}
	m.Latency.Record(latency)
}

func (m *Metrics) snapshot() *Metrics {
	s := &Metrics{
		Submitted:   m.submitted.Load(),
		Completed:   m.completed.Load(),
		Failed:      m.failed.Load(),
		Cancelled:   m.cancelled.Load(),
		Reactivated: m.reactivated.Load(),
		Panics:      m.panics.Load(),
	}
	m.Latency.cloneInto(&s.Latency)
	s.Latency.Compute()
	return s
}

// latencyWindow is the number of most recent callback latencies retained.
const latencyWindow = 1000

// LatencyMetrics summarises callback latency over a rolling window of the
// most recent samples. The exported fields are populated by Compute.
type LatencyMetrics struct {
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration

	mu     sync.RWMutex
	ring   [latencyWindow]time.Duration
	next   int
	filled int
	total  time.Duration
}

// Record adds a sample, evicting the oldest once the window is full.
func (l *LatencyMetrics) Record(d time.Duration) {
	l.mu.Lock()
	l.total += d - l.ring[l.next]
	l.ring[l.next] = d
	l.next = (l.next + 1) % latencyWindow
	if l.filled < latencyWindow {
		l.filled++
	}
	l.mu.Unlock()
}

// Compute updates the percentile fields from the retained samples, using
// the nearest-rank method. Returns the number of samples.
func (l *LatencyMetrics) Compute() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.filled
	if n == 0 {
		return 0
	}
	ordered := slices.Clone(l.ring[:n])
	slices.Sort(ordered)
	rank := func(p int) time.Duration {
		return ordered[max((p*n+99)/100-1, 0)]
	}
	l.P50, l.P90, l.P99 = rank(50), rank(90), rank(99)
	l.Max = ordered[n-1]
	l.Mean = l.total / time.Duration(n)
	return n
}

// Count returns the number of retained samples.
func (l *LatencyMetrics) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filled
}

// Total returns the sum of the retained samples.
func (l *LatencyMetrics) Total() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

func (l *LatencyMetrics) cloneInto(dst *LatencyMetrics) {
	l.mu.RLock()
	dst.ring, dst.next, dst.filled, dst.total = l.ring, l.next, l.filled, l.total
	l.mu.RUnlock()
}
