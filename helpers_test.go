package aio

import (
	"errors"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
)

// forEachBackend runs fn once per backend available on this system, as a
// subtest named after the backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, l *Loop), opts ...LoopOption) {
	t.Helper()
	for _, api := range []APIType{APIForceReadiness, APIForceCompletion} {
		t.Run(api.String(), func(t *testing.T) {
			l, err := New(append([]LoopOption{WithAPIType(api)}, opts...)...)
			if errors.Is(err, ErrBackendUnavailable) {
				t.Skipf("backend unavailable: %v", err)
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			t.Cleanup(func() { closeLoop(t, l) })
			fn(t, l)
		})
	}
}

// closeLoop stops and drains anything left over, then closes l.
func closeLoop(t *testing.T, l *Loop) {
	t.Helper()
	if l.state.Load() == loopClosed {
		return
	}
	var stop []*requestBase
	l.active.each(func(r *requestBase) { stop = append(stop, r) })
	for i := 0; i < l.submissions.Len(); i++ {
		stop = append(stop, l.submissions.At(i))
	}
	for _, r := range stop {
		_ = r.Stop()
	}
	for i := 0; i < 100 && l.numBusy > 0; i++ {
		if err := l.RunOnce(); err != nil {
			t.Errorf("RunOnce: %v", err)
			break
		}
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

type testEvent struct {
	logiface.UnimplementedEvent
	level logiface.Level
	msg   string
	err   error
}

func (e *testEvent) Level() logiface.Level        { return e.level }
func (e *testEvent) AddField(key string, val any) {}
func (e *testEvent) AddMessage(msg string) bool   { e.msg = msg; return true }
func (e *testEvent) AddError(err error) bool      { e.err = err; return true }

type testEventFactory struct{}

func (testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// logRecorder collects the events written by a logger.
type logRecorder struct {
	mu     sync.Mutex
	events []*testEvent
}

func (r *logRecorder) Write(event *testEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *logRecorder) messages(level logiface.Level) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

func newRecordingLogger(level logiface.Level) (*logiface.Logger[logiface.Event], *logRecorder) {
	rec := &logRecorder{}
	logger := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](testEventFactory{}),
		logiface.WithWriter[*testEvent](rec),
		logiface.WithLevel[*testEvent](level),
	)
	return logger.Logger(), rec
}
