package aio

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// logCategory groups repeated warnings for rate limiting.
type logCategory struct {
	loop    uint64
	kind    RequestKind
	message string
}

// newLogLimiter allows bursts of 5 warnings per category per second, and at
// most 30 per minute.
func newLogLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	})
}

// allowLog reports whether a warning in the given category may be logged.
func (l *Loop) allowLog(kind RequestKind, message string) bool {
	if l.logger == nil {
		return false
	}
	_, ok := l.limiter.Allow(logCategory{loop: l.id, kind: kind, message: message})
	return ok
}

func (l *Loop) logPanic(r *requestBase, v any) {
	const msg = "aio: callback panicked"
	if l.metrics != nil {
		l.metrics.panics.Add(1)
	}
	if !l.allowLog(r.kind, msg) {
		return
	}
	l.logger.Warning().
		Uint64("loop", l.id).
		Str("kind", r.kind.String()).
		Str("name", r.debugName).
		Err(PanicError{Value: v, Kind: r.kind}).
		Log(msg)
}

// logStray records a backend completion that no longer maps to a request.
func (l *Loop) logStray(backend string, detail string) {
	const msg = "aio: dropped completion for unknown request"
	if !l.allowLog(0, msg) {
		return
	}
	l.logger.Warning().
		Uint64("loop", l.id).
		Str("backend", backend).
		Str("detail", detail).
		Log(msg)
}
