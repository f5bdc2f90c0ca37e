package venue

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default backoff schedule: wait min(base*attempts, cap) between connection
// attempts.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second

	// StopGrace bounds how long Stop waits for the supervisor to release
	// its transport. Shutdown is never allowed to block on the remote side.
	StopGrace = 1 * time.Second
)

// State is the supervisor's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota + 1
	StateStreaming
	StateDraining
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stream is one live subscription produced by a successful dial.
//
// Consume must return promptly once ctx is cancelled; implementations
// backed by blocking reads should close the transport from a ctx watcher
// so the read unblocks.
type Stream interface {
	Consume(ctx context.Context) error
	Close() error
}

// DialFunc performs transport connect + subscribe for one symbol.
type DialFunc func(ctx context.Context) (Stream, error)

// SupervisorConfig tunes one supervisor. Zero values take the defaults.
type SupervisorConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnDrain runs after a stream fails or closes, before backoff. Venues
	// use it to apply their retention policy (clear the book, keep the
	// last L2 snapshot, ...). err is nil on a graceful close.
	OnDrain func(err error)

	Logger *zap.Logger
}

// Supervisor owns exactly one (venue, symbol) subscription and drives the
// CONNECTING / STREAMING / DRAINING / BACKOFF loop until cancelled.
type Supervisor struct {
	symbol string
	dial   DialFunc

	base    time.Duration
	cap     time.Duration
	onDrain func(err error)
	log     *zap.Logger

	state    atomic.Int32
	attempts atomic.Uint32

	cancel context.CancelFunc
	done   chan struct{}

	// after is the backoff timer source, swappable in tests.
	after func(d time.Duration) <-chan time.Time
}

// NewSupervisor builds a supervisor for symbol; call Start to spawn it.
func NewSupervisor(symbol string, dial DialFunc, cfg SupervisorConfig) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Supervisor{
		symbol:  symbol,
		dial:    dial,
		base:    cfg.BackoffBase,
		cap:     cfg.BackoffCap,
		onDrain: cfg.OnDrain,
		log:     cfg.Logger.With(zap.String("symbol", symbol)),
		done:    make(chan struct{}),
		after:   time.After,
	}
}

// Symbol returns the symbol this supervisor maintains.
func (s *Supervisor) Symbol() string { return s.symbol }

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts returns the consecutive failed connection attempts since the
// last successful subscribe.
func (s *Supervisor) Attempts() uint32 { return s.attempts.Load() }

// Done is closed when the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Alive reports whether the supervisor has been started and not stopped.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.cancel != nil
	}
}

// Start spawns the supervisor loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels the supervisor and waits up to StopGrace for the transport
// to be released. Partial in-flight updates are discarded by the stream.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(StopGrace):
		s.log.Warn("supervisor did not stop within grace period")
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	for {
		s.state.Store(int32(StateConnecting))
		stream, err := s.dial(ctx)
		if err == nil {
			s.attempts.Store(0)
			s.state.Store(int32(StateStreaming))

			err = stream.Consume(ctx)

			s.state.Store(int32(StateDraining))
			_ = stream.Close()
			if s.onDrain != nil {
				s.onDrain(err)
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("stream ended, reconnecting", zap.Error(err))
		} else {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("connect failed", zap.Error(err), zap.Uint32("attempts", s.attempts.Load()))
		}

		wait := s.backoff()
		s.state.Store(int32(StateBackoff))
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
	}
}

// backoff advances the attempt counter and returns min(base*attempts, cap).
func (s *Supervisor) backoff() time.Duration {
	n := s.attempts.Add(1)
	wait := time.Duration(n) * s.base
	if wait > s.cap {
		wait = s.cap
	}
	return wait
}
