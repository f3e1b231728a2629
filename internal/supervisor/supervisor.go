// Package supervisor keeps both links of the bridge up.
//
// Every cycle, in order:
//  1. discovers the fader device if none is attached; a failed discovery ends
//     the cycle and the next one starts after the retry delay
//  2. connects to the throttle server if disconnected
//  3. keeps an idle connection alive
//
// A failing cycle is logged and the loop carries on until shutdown.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// SerialLink is the fader side as seen by the supervisor.
type SerialLink interface {
	Active() bool
	Discover(ctx context.Context) error
}

// NetworkLink is the throttle server side as seen by the supervisor.
// Idle is the time since the last frame sent or received.
type NetworkLink interface {
	Connected() bool
	Connect(ctx context.Context) error
	Idle() time.Duration
	KeepAlive() error
}

// Options holds the loop timings.
type Options struct {
	Interval       time.Duration // between cycles
	RetryDelay     time.Duration // after a failed discovery
	KeepAliveAfter time.Duration // idle time before a keep-alive
}

// Opt configures a Supervisor.
type Opt func(*Supervisor)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

// WithAttachHook runs fn after every successful discovery.
func WithAttachHook(fn func()) Opt {
	return func(s *Supervisor) {
		s.onAttach = fn
	}
}

// Supervisor runs the health loop. Create it with New and drive it with Run;
// the counters are safe to read concurrently.
type Supervisor struct {
	log     *zap.Logger
	serial  SerialLink
	network NetworkLink
	opts    Options
	clock   clockwork.Clock

	onAttach func()

	cycles atomic.Uint64
	panics atomic.Uint64
}

// New creates a Supervisor over the two links. Nothing runs until Run.
func New(log *zap.Logger, serial SerialLink, network NetworkLink, opts Options, o ...Opt) *Supervisor {
	s := &Supervisor{
		log:      log.Named("supervisor"),
		serial:   serial,
		network:  network,
		opts:     opts,
		clock:    clockwork.NewRealClock(),
		onAttach: func() {},
	}
	for _, opt := range o {
		opt(s)
	}
	return s
}

// Run cycles until ctx is done. The first cycle runs immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("retry_delay", s.opts.RetryDelay),
		zap.Duration("keep_alive_after", s.opts.KeepAliveAfter))

	timer := s.clock.NewTimer(s.cycle(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped", zap.String("reason", ctx.Err().Error()))
			return ctx.Err()
		case <-timer.Chan():
			timer.Reset(s.cycle(ctx))
		}
	}
}

// Cycles is the number of completed cycles.
func (s *Supervisor) Cycles() uint64 { return s.cycles.Load() }

// Panics is the number of cycles aborted by a panic.
func (s *Supervisor) Panics() uint64 { return s.panics.Load() }

// cycle runs one pass and returns the wait before the next one.
func (s *Supervisor) cycle(ctx context.Context) (wait time.Duration) {
	wait = s.opts.Interval

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("supervisor cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			wait = s.opts.RetryDelay
		}
	}()

	if ctx.Err() != nil {
		return wait
	}

	if !s.serial.Active() {
		if err := s.serial.Discover(ctx); err != nil {
			// the network steps wait for the next cycle
			s.log.Debug("fader discovery failed", zap.Error(err), zap.Duration("retry_in", s.opts.RetryDelay))
			s.cycles.Add(1)
			return s.opts.RetryDelay
		}
		s.onAttach()
	}

	if ctx.Err() != nil {
		return wait
	}

	switch {
	case !s.network.Connected():
		if err := s.network.Connect(ctx); err != nil {
			s.log.Warn("throttle server connect failed", zap.Error(err))
		}
	case s.network.Idle() > s.opts.KeepAliveAfter:
		if err := s.network.KeepAlive(); err != nil {
			s.log.Warn("keep-alive failed", zap.Error(err))
		}
	}

	s.cycles.Add(1)
	return wait
}
