package aio

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_automatic(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeLoop(t, l)

	if api := l.API(); api != APIForceReadiness && api != APIForceCompletion {
		t.Errorf("API() = %v, want a concrete API type", api)
	}
	if l.BackendName() == "" {
		t.Error("BackendName() is empty")
	}
	if l.API() == APIForceReadiness && !l.NeedsThreadPoolForFileOperations() {
		t.Error("readiness backend should need a thread pool for files")
	}
}

func TestNew_invalidOptions(t *testing.T) {
	_, err := New(WithAPIType(APIType(42)))
	require.Error(t, err)
	_, err = New(WithMaxEvents(0))
	require.Error(t, err)
	_, err = New(WithRingEntries(0))
	require.Error(t, err)
	l, err := New(nil, WithMetrics(false))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestLoop_runNothingToDo(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		done := make(chan error, 1)
		go func() { done <- l.Run() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return without requests")
		}
		require.NoError(t, l.RunOnce())
		require.NoError(t, l.RunNoWait())
	})
}

func TestLoop_closeLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		var got error
		to.Callback = func(r *TimeoutResult) { got = r.Err() }
		require.NoError(t, to.Start(l, time.Hour))

		err := l.Close()
		require.ErrorIs(t, err, ErrLoopHasActiveRequests)
		require.Equal(t, 1, l.NumActiveRequests())

		require.NoError(t, to.Stop())
		require.NoError(t, l.Run())
		require.ErrorIs(t, got, ErrCancelled)
		require.Equal(t, StateFree, to.State())

		require.NoError(t, l.Close())
		require.ErrorIs(t, l.Close(), ErrLoopClosed)
		require.ErrorIs(t, l.Run(), ErrLoopClosed)
		require.ErrorIs(t, to.Start(l, 0), ErrLoopClosed)
		require.ErrorIs(t, l.WakeUpFromExternalThread(), ErrLoopClosed)
		require.ErrorIs(t, l.Stop(), ErrLoopClosed)
	})
}

func TestTimeout_deadlineOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		durations := []time.Duration{
			30 * time.Millisecond,
			10 * time.Millisecond,
			20 * time.Millisecond,
			10 * time.Millisecond,
			0,
		}
		timeouts := make([]Timeout, len(durations))
		var order []int
		for i := range timeouts {
			timeouts[i].Callback = func(r *TimeoutResult) {
				require.NoError(t, r.Err())
				require.Same(t, &timeouts[i], r.Request)
				if !r.Loop().Now().Before(timeouts[i].ExpirationTime()) {
					order = append(order, i)
				}
			}
			require.NoError(t, timeouts[i].Start(l, durations[i]))
		}
		start := time.Now()
		require.NoError(t, l.Run())
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		require.Equal(t, []int{4, 1, 3, 2, 0}, order)
		for i := range timeouts {
			require.Equal(t, StateFree, timeouts[i].State())
			require.Equal(t, durations[i], timeouts[i].RelativeTimeout())
		}
	})
}

func TestTimeout_negative(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		require.ErrorIs(t, to.Start(l, -time.Nanosecond), ErrNegativeTimeout)
		require.Equal(t, StateFree, to.State())
		require.ErrorIs(t, to.Start(nil, time.Second), ErrNilLoop)
	})
}

func TestTimeout_reactivate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		var fired int
		to.Callback = func(r *TimeoutResult) {
			require.NoError(t, r.Err())
			fired++
			r.ReactivateRequest(fired < 3)
			require.Equal(t, fired < 3, r.Reactivated())
		}
		require.NoError(t, to.Start(l, time.Millisecond))
		require.NoError(t, l.Run())
		require.Equal(t, 3, fired)
		require.Equal(t, StateFree, to.State())
	})
}

func TestRequest_stopWhileSubmitting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		var results []error
		to.Callback = func(r *TimeoutResult) {
			results = append(results, r.Err())
			require.True(t, r.Cancelled())
			// ignored for cancelled requests
			r.ReactivateRequest(true)
		}
		require.NoError(t, to.Start(l, 0))
		require.Equal(t, StateSubmitting, to.State())
		require.ErrorIs(t, to.Start(l, 0), ErrRequestNotFree)

		require.NoError(t, to.Stop())
		require.Equal(t, StateCancelling, to.State())
		require.NoError(t, to.Stop())

		require.NoError(t, l.Run())
		require.Equal(t, []error{ErrCancelled}, results)
		require.Equal(t, StateFree, to.State())
		require.ErrorIs(t, to.Stop(), ErrRequestNotActive)
	})
}

func TestRequest_stopActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var long, short Timeout
		var longErr error
		long.Callback = func(r *TimeoutResult) { longErr = r.Err() }
		short.Callback = func(r *TimeoutResult) {
			require.Equal(t, StateActive, long.State())
			require.NoError(t, long.Stop())
			require.Equal(t, StateCancelling, long.State())
		}
		require.NoError(t, long.Start(l, time.Hour))
		require.NoError(t, short.Start(l, time.Millisecond))

		done := make(chan error, 1)
		go func() { done <- l.Run() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return")
		}
		require.ErrorIs(t, longErr, ErrCancelled)
		require.Equal(t, StateFree, long.State())
	})
}

func TestRequest_stopInOwnCallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		var fired int
		to.Callback = func(r *TimeoutResult) {
			fired++
			r.ReactivateRequest(true)
			require.NoError(t, to.Stop())
		}
		require.NoError(t, to.Start(l, 0))
		require.NoError(t, l.Run())
		require.Equal(t, 1, fired)
		require.Equal(t, StateFree, to.State())
	})
}

func TestRequest_startFromCallback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var first, second Timeout
		var seq []string
		first.Callback = func(r *TimeoutResult) {
			seq = append(seq, "first")
			require.NoError(t, second.Start(r.Loop(), 0))
		}
		second.Callback = func(r *TimeoutResult) { seq = append(seq, "second") }
		require.NoError(t, first.Start(l, 0))
		require.NoError(t, l.Run())
		require.Equal(t, []string{"first", "second"}, seq)
	})
}

func TestLoop_reentrantRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		var runErr, onceErr, closeErr error
		to.Callback = func(r *TimeoutResult) {
			runErr = l.Run()
			onceErr = l.RunNoWait()
			closeErr = l.Close()
		}
		require.NoError(t, to.Start(l, 0))
		require.NoError(t, l.Run())
		require.ErrorIs(t, runErr, ErrReentrantRun)
		require.ErrorIs(t, onceErr, ErrReentrantRun)
		require.ErrorIs(t, closeErr, ErrReentrantRun)
	})
}

func TestLoop_stopFromOtherGoroutine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		require.NoError(t, to.Start(l, time.Hour))

		done := make(chan error, 1)
		go func() { done <- l.Run() }()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, l.Stop())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		require.Equal(t, StateActive, to.State())
	})
}

func TestLoop_excludeFromActiveCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var w LoopWakeUp
		require.ErrorIs(t, l.ExcludeFromActiveCount(&w), ErrRequestNotActive)
		require.NoError(t, w.Start(l, nil))
		require.NoError(t, l.ExcludeFromActiveCount(&w))
		require.NoError(t, l.ExcludeFromActiveCount(&w))

		done := make(chan error, 1)
		go func() { done <- l.Run() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("excluded request kept Run alive")
		}
		require.Equal(t, 1, l.NumActiveRequests())

		require.NoError(t, l.IncludeInActiveCount(&w))
		require.NoError(t, w.Stop())
		require.NoError(t, l.Run())
		require.Equal(t, StateFree, w.State())
		require.Equal(t, 0, l.NumActiveRequests())
	})
}

func TestLoop_wrongLoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		other, err := New()
		require.NoError(t, err)
		defer closeLoop(t, other)

		var to Timeout
		require.NoError(t, to.Start(other, time.Hour))
		require.ErrorIs(t, l.ExcludeFromActiveCount(&to), ErrWrongLoop)
		require.ErrorIs(t, l.IncludeInActiveCount(&to), ErrWrongLoop)
	})
}

func TestLoopWakeUp_crossGoroutine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		ev := NewEventObject()
		var w LoopWakeUp
		var calls atomic.Int32
		w.Callback = func(r *LoopWakeUpResult) {
			require.NoError(t, r.Err())
			if calls.Add(1) < 3 {
				r.ReactivateRequest(true)
			}
		}
		require.ErrorIs(t, w.WakeUp(), ErrRequestNotActive)
		require.NoError(t, w.Start(l, ev))

		errs := make(chan error, 3)
		// calls observed by the waking goroutine once Wait returned
		observed := make(chan int32, 3)
		go func() {
			for i := 0; i < 3; i++ {
				errs <- w.WakeUp()
				ev.Wait()
				observed <- calls.Load()
			}
		}()

		require.NoError(t, l.Run())
		require.EqualValues(t, 3, calls.Load())
		for i := 0; i < 3; i++ {
			require.NoError(t, <-errs)
			require.GreaterOrEqual(t, <-observed, int32(i+1), "wake up %d returned before its callback ran", i)
		}
		require.Equal(t, StateFree, w.State())
		require.ErrorIs(t, w.WakeUp(), ErrRequestNotActive)
	})
}

func TestLoopWakeUp_stopSiblingInSameBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var a, b LoopWakeUp
		var aCalls int
		var bErrs []error
		a.Callback = func(r *LoopWakeUpResult) {
			aCalls++
			require.NoError(t, r.Err())
			require.NoError(t, b.Stop())
			require.Equal(t, StateCancelling, b.State())
		}
		b.Callback = func(r *LoopWakeUpResult) {
			bErrs = append(bErrs, r.Err())
		}
		require.NoError(t, a.Start(l, nil))
		require.NoError(t, b.Start(l, nil))
		require.NoError(t, a.WakeUp())
		require.NoError(t, b.WakeUp())

		require.NoError(t, l.Run())
		require.Equal(t, 1, aCalls)
		require.Len(t, bErrs, 1)
		require.ErrorIs(t, bErrs[0], ErrCancelled)
		require.Equal(t, StateFree, a.State())
		require.Equal(t, StateFree, b.State())
		require.Equal(t, 0, l.NumActiveRequests())
	})
}

func TestTimeout_stopSiblingInSameBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var a, b Timeout
		var aCalls int
		var bErrs []error
		a.Callback = func(r *TimeoutResult) {
			aCalls++
			require.NoError(t, r.Err())
			require.NoError(t, b.Stop())
		}
		b.Callback = func(r *TimeoutResult) {
			bErrs = append(bErrs, r.Err())
		}
		require.NoError(t, a.Start(l, 0))
		require.NoError(t, b.Start(l, 0))

		require.NoError(t, l.Run())
		require.Equal(t, 1, aCalls)
		require.Len(t, bErrs, 1)
		require.ErrorIs(t, bErrs[0], ErrCancelled)
		require.Equal(t, StateFree, b.State())
		require.Equal(t, 0, l.NumActiveRequests())
	})
}

func TestLoop_wakeUpFromExternalThread(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var to Timeout
		require.NoError(t, to.Start(l, time.Hour))

		done := make(chan error, 1)
		go func() { done <- l.RunOnce() }()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, l.WakeUpFromExternalThread())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("RunOnce was not woken")
		}
		require.Equal(t, StateActive, to.State())
	})
}

func TestLoop_callbackPanic(t *testing.T) {
	logger, rec := newRecordingLogger(logiface.LevelWarning)
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var bad, good Timeout
		var goodRan bool
		bad.Callback = func(r *TimeoutResult) {
			r.ReactivateRequest(true)
			panic(errors.New("boom"))
		}
		good.Callback = func(r *TimeoutResult) { goodRan = true }
		require.NoError(t, bad.Start(l, 0))
		require.NoError(t, good.Start(l, time.Millisecond))

		require.NoError(t, l.Run())
		require.True(t, goodRan)
		require.Equal(t, StateFree, bad.State())

		m := l.Metrics()
		require.NotNil(t, m)
		require.EqualValues(t, 1, m.Panics)
		require.EqualValues(t, 2, m.Completed)
		require.EqualValues(t, 2, m.Submitted)
		require.Contains(t, rec.messages(logiface.LevelWarning), "aio: callback panicked")
	}, WithLogger(logger), WithMetrics(true))
}

func TestLoop_metrics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		var a, b Timeout
		var n int
		a.Callback = func(r *TimeoutResult) {
			n++
			r.ReactivateRequest(n < 2)
		}
		b.Callback = func(r *TimeoutResult) {}
		require.NoError(t, a.Start(l, 0))
		require.NoError(t, b.Start(l, time.Hour))
		require.NoError(t, b.Stop())
		require.NoError(t, l.Run())

		m := l.Metrics()
		require.EqualValues(t, 2, m.Submitted)
		require.EqualValues(t, 3, m.Completed)
		require.EqualValues(t, 1, m.Cancelled)
		require.EqualValues(t, 1, m.Reactivated)
		require.EqualValues(t, 0, m.Failed)
		require.Equal(t, 3, m.Latency.Count())
	}, WithMetrics(true))
}

func TestLoop_metricsDisabled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer closeLoop(t, l)
	require.Nil(t, l.Metrics())
}

func TestLoop_updateTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *Loop) {
		before := l.Now()
		time.Sleep(2 * time.Millisecond)
		require.Equal(t, before, l.Now())
		l.UpdateTime()
		require.True(t, l.Now().After(before))
	})
}

func TestRequest_debugName(t *testing.T) {
	var to Timeout
	require.Equal(t, RequestKind(0), to.Kind())
	to.SetDebugName("retry")
	require.Equal(t, "retry", to.DebugName())
	require.Nil(t, to.Loop())

	l, err := New()
	require.NoError(t, err)
	defer closeLoop(t, l)
	require.NoError(t, to.Start(l, 0))
	require.Equal(t, KindTimeout, to.Kind())
	require.Same(t, l, to.Loop())
	require.NoError(t, l.Run())
}
