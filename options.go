package aio

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// APIType selects the backend used by a [Loop].
type APIType int

const (
	// APIAutomatic selects the best backend available: io_uring (falling back
	// to epoll) on Linux, kqueue on darwin and IOCP on Windows.
	APIAutomatic APIType = iota
	// APIForceReadiness forces the readiness based backend (epoll or kqueue).
	APIForceReadiness
	// APIForceCompletion forces the completion based backend (io_uring or IOCP).
	APIForceCompletion
)

// String returns a human-readable representation of the API type.
func (a APIType) String() string {
	switch a {
	case APIAutomatic:
		return "Automatic"
	case APIForceReadiness:
		return "ForceReadiness"
	case APIForceCompletion:
		return "ForceCompletion"
	default:
		return fmt.Sprintf("APIType(%d)", int(a))
	}
}

const (
	defaultMaxEvents   = 256
	defaultRingEntries = 256
	maxRingEntries     = 32768
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	apiType        APIType
	maxEvents      int
	ringEntries    uint32
	metricsEnabled bool
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithAPIType forces a specific backend. [New] fails with a
// [BackendInitError] if the backend is not available on this system.
func WithAPIType(api APIType) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		switch api {
		case APIAutomatic, APIForceReadiness, APIForceCompletion:
		default:
			return fmt.Errorf("aio: invalid api type: %v", api)
		}
		opts.apiType = api
		return nil
	}}
}

// WithLogger attaches a structured logger to the loop.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMaxEvents sets the maximum number of readiness events or completion
// packets collected per backend wait.
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("aio: max events must be positive: %d", n)
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithRingEntries sets the io_uring submission queue size. It is rounded up
// to a power of two by the kernel, and ignored by other backends.
func WithRingEntries(n uint32) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n == 0 || n > maxRingEntries {
			return fmt.Errorf("aio: ring entries out of range: %d", n)
		}
		opts.ringEntries = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		apiType:     APIAutomatic,
		maxEvents:   defaultMaxEvents,
		ringEntries: defaultRingEntries,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
