// Package events keeps a short history of what happened on the links and
// optionally fans it out live to subscribers.
package events

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Kind names what happened. Kinds are stable strings, subscribers of the
// Redis channel switch on them.
type Kind string

const (
	SerialAttached      Kind = "serial_attached"
	SerialDetached      Kind = "serial_detached"
	NetworkConnected    Kind = "network_connected"
	NetworkDisconnected Kind = "network_disconnected"
	FaderCommand        Kind = "fader_command" // queued for the device
	ServerUpdate        Kind = "server_update" // fader state sent to the server
	DiscoveryFailed     Kind = "discovery_failed"
)

// Event is one entry of the log. Only the fields relevant to Kind are set,
// the rest are omitted from the JSON form.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Channel string    `json:"channel,omitempty"`
	Port    string    `json:"port,omitempty"`
	Session string    `json:"session,omitempty"`
	Command string    `json:"command,omitempty"`
	Speed   *float64  `json:"speed,omitempty"`
	Forward *bool     `json:"forward,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Publisher delivers events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

const publishBacklog = 256

// Log records events into a ring buffer and hands them to an optional
// Publisher.
//
// Semantics:
//   - Record never blocks. Events the publisher cannot keep up with (more
//     than publishBacklog pending) are dropped from the live feed only; they
//     stay in the ring.
//   - The ring keeps the last ringSize events, Read returns newest first.
//   - Run must be running for anything to reach the publisher.
type Log struct {
	log  *zap.Logger
	ring ring
	pub  Publisher
	out  chan Event
	now  func() time.Time
}

// Opt configures a Log.
type Opt func(*Log)

// WithClock stamps events with clock instead of the wall clock.
func WithClock(clock clockwork.Clock) Opt {
	return func(l *Log) {
		l.now = clock.Now
	}
}

// NewLog creates a Log. pub may be nil, events are then only kept in the ring.
func NewLog(log *zap.Logger, pub Publisher, opts ...Opt) *Log {
	l := &Log{
		log: log.Named("events"),
		pub: pub,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if pub != nil {
		l.out = make(chan Event, publishBacklog)
	}
	return l
}

// Record stores e, stamping it with the log's clock when e.Time is zero, and
// queues it for publishing.
func (l *Log) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.ring.Append(e)

	if l.out == nil {
		return
	}
	select {
	case l.out <- e:
	default:
		l.log.Debug("publish backlog full, event not published", zap.String("kind", string(e.Kind)))
	}
}

// Read returns up to lines events, newest first.
func (l *Log) Read(lines int) []Event {
	return l.ring.Read(lines)
}

// Run publishes recorded events until ctx is done. Without a publisher it
// just waits. A failed publish is logged and the event is lost; Run keeps
// going.
func (l *Log) Run(ctx context.Context) error {
	if l.out == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-l.out:
			if err := l.pub.Publish(ctx, e); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Warn("publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
			}
		}
	}
}
