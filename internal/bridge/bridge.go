// Package bridge wires the fader device and the throttle server together.
//
// A Bridge owns both channels, the outbound command queue, the two links and
// the supervisor. Fader samples flow to the server, server changes flow to the
// fader, and every notable step is recorded in the event log.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/faderbridge/internal/coalesce"
	"github.com/edirooss/faderbridge/internal/config"
	"github.com/edirooss/faderbridge/internal/events"
	"github.com/edirooss/faderbridge/internal/faderlink"
	"github.com/edirooss/faderbridge/internal/infrastructure/serialport"
	"github.com/edirooss/faderbridge/internal/jmrilink"
	"github.com/edirooss/faderbridge/internal/supervisor"
	"github.com/edirooss/faderbridge/internal/throttle"
)

// Channel names, in fader drain order.
const (
	ChannelA = "A"
	ChannelB = "B"
)

type options struct {
	clock     clockwork.Clock
	opener    faderlink.PortOpener
	dialer    jmrilink.Dialer
	publisher events.Publisher
}

// Opt configures a Bridge.
type Opt func(*options)

// WithClock replaces the real clock everywhere in the bridge: links,
// supervisor, event timestamps and uptime.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) { o.clock = clock }
}

// WithPortOpener replaces the host's serial ports.
func WithPortOpener(opener faderlink.PortOpener) Opt {
	return func(o *options) { o.opener = opener }
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer jmrilink.Dialer) Opt {
	return func(o *options) { o.dialer = dialer }
}

// WithPublisher fans recorded events out live.
func WithPublisher(pub events.Publisher) Opt {
	return func(o *options) { o.publisher = pub }
}

// Bridge ties the fader device to the throttle server.
//
// It owns the two throttles and routes their changes: fader-originated
// changes go to the server, server-originated ones to the fader queue. Every
// link state change and send failure lands in the event log. A Bridge is safe
// for concurrent use by the HTTP handlers while Run is active.
type Bridge struct {
	log     *zap.Logger
	cfg     *config.Config
	clock   clockwork.Clock
	started time.Time

	throttles  throttle.Set
	queue      *coalesce.Queue
	fader      *faderlink.Link
	jmri       *jmrilink.Link
	supervisor *supervisor.Supervisor
	events     *events.Log
}

// New wires a Bridge from cfg. Nothing is opened or dialed until Run.
//
// Example usage:
//
//	b := bridge.New(log, cfg, bridge.WithPublisher(pub))
//	go func() { _ = b.Run(ctx) }()
//	fmt.Println(b.Status().Serial.Active)
func New(log *zap.Logger, cfg *config.Config, opts ...Opt) *Bridge {
	o := options{
		clock:  clockwork.NewRealClock(),
		opener: serialport.System{},
		dialer: jmrilink.WebsocketDialer{HandshakeTimeout: cfg.Network.HandshakeTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		log:    log.Named("bridge"),
		cfg:    cfg,
		clock:  o.clock,
		queue:  coalesce.New(),
		events: events.NewLog(log, o.publisher, events.WithClock(o.clock)),
	}
	b.started = b.clock.Now()

	b.throttles = throttle.Set{
		throttle.New(log, cfg.AddressA, ChannelA, b, b),
		throttle.New(log, cfg.AddressB, ChannelB, b, b),
	}

	b.fader = faderlink.New(log, o.opener, faderlink.Options{
		BaudRate:     cfg.Serial.BaudRate,
		BootDelay:    cfg.Serial.BootDelay,
		ProbeTimeout: cfg.Serial.ProbeTimeout,
		Signature:    cfg.Serial.Signature,
		WriteSpacing: cfg.Serial.WriteSpacing,
		IdleWait:     cfg.Serial.IdleWait,
		Ports:        cfg.Serial.Ports,
	}, b.throttles, b.queue, faderlink.WithClock(o.clock), faderlink.WithListener(b))

	b.jmri = jmrilink.New(log, o.dialer, cfg.ServerURL(), b.throttles,
		jmrilink.WithClock(o.clock), jmrilink.WithListener(b))

	b.supervisor = supervisor.New(log, b.fader, b.jmri, supervisor.Options{
		Interval:       cfg.Supervisor.Interval,
		RetryDelay:     cfg.Supervisor.RetryDelay,
		KeepAliveAfter: cfg.Supervisor.KeepAliveAfter,
	}, supervisor.WithClock(o.clock), supervisor.WithAttachHook(b.reapply))

	return b
}

// Run drives the bridge until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("bridge starting",
		zap.String("server", b.jmri.URL()),
		zap.Int("address_a", b.cfg.AddressA),
		zap.Int("address_b", b.cfg.AddressB))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.fader.ReadLoop(ctx) })
	g.Go(func() error { return b.fader.WriteLoop(ctx) })
	g.Go(func() error { return b.supervisor.Run(ctx) })
	g.Go(func() error { return b.events.Run(ctx) })

	err := g.Wait()
	b.jmri.Close()
	b.fader.Close()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b.log.Info("bridge stopped")
		return nil
	}
	return err
}

// Discover runs a device scan now instead of waiting for the supervisor.
func (b *Bridge) Discover(ctx context.Context) error {
	if b.fader.Active() {
		return nil
	}
	if err := b.fader.Discover(ctx); err != nil {
		b.events.Record(events.Event{Kind: events.DiscoveryFailed, Error: err.Error()})
		return err
	}
	b.reapply()
	return nil
}

// Throttles exposes the channels, in drain order.
func (b *Bridge) Throttles() throttle.Set { return b.throttles }

// Events returns up to lines recent events, newest first.
func (b *Bridge) Events(lines int) []events.Event { return b.events.Read(lines) }

// reapply moves a freshly attached fader to the current state.
func (b *Bridge) reapply() {
	b.log.Info("re-applying channel state to fader")
	b.throttles.ApplyAll()
}

// Put queues a fader command. Implements throttle.Outbox.
func (b *Bridge) Put(name, command string) {
	b.queue.Put(name, command)
	b.events.Record(events.Event{Kind: events.FaderCommand, Channel: name, Command: command})
}

// Report forwards fader state to the server. Implements throttle.Reporter.
func (b *Bridge) Report(u throttle.Update) {
	e := events.Event{Kind: events.ServerUpdate, Channel: u.Name, Speed: u.Speed, Forward: u.Forward}
	if err := b.jmri.Send(u); err != nil {
		b.log.Debug("fader update not sent", zap.String("name", u.Name), zap.Error(err))
		e.Error = err.Error()
	}
	b.events.Record(e)
}

// SerialAttached records a device attach.
func (b *Bridge) SerialAttached(port string) {
	b.events.Record(events.Event{Kind: events.SerialAttached, Port: port})
}

// SerialDetached records a device loss and its cause.
func (b *Bridge) SerialDetached(port string, reason error) {
	b.events.Record(events.Event{Kind: events.SerialDetached, Port: port, Error: errString(reason)})
}

// NetworkConnected records a new server session.
func (b *Bridge) NetworkConnected(session string) {
	b.events.Record(events.Event{Kind: events.NetworkConnected, Session: session})
}

// NetworkDisconnected records the end of a server session and its cause.
func (b *Bridge) NetworkDisconnected(session string, reason error) {
	b.events.Record(events.Event{Kind: events.NetworkDisconnected, Session: session, Error: errString(reason)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
