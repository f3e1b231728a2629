// Package jmrilink keeps the connection to the JMRI throttle server: it
// registers the throttles, forwards fader-originated state and routes
// server-issued state onto the throttles.
package jmrilink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/edirooss/faderbridge/internal/throttle"
)

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("not connected to throttle server")

// Listener is told about connection state changes.
type Listener interface {
	NetworkConnected(session string)
	NetworkDisconnected(session string, reason error)
}

// Opt configures a Link.
type Opt func(*Link)

// WithClock replaces the real clock. Idle and the last message time are read
// from it.
func WithClock(clock clockwork.Clock) Opt {
	return func(l *Link) {
		l.clock = clock
	}
}

// WithListener reports connection changes to listener. NetworkDisconnected
// may be called from the read goroutine and must not block.
func WithListener(listener Listener) Opt {
	return func(l *Link) {
		l.listener = listener
	}
}

// Link is the network side of the bridge.
type Link struct {
	log       *zap.Logger
	dialer    Dialer
	url       string
	throttles throttle.Set
	clock     clockwork.Clock
	listener  Listener

	writeMu sync.Mutex // one writer at a time on the connection

	mu          sync.Mutex
	conn        Conn
	session     string
	lastMessage time.Time
}

// New creates a disconnected Link for the server at url. Every throttle in
// throttles is registered on each new connection.
//
// Example usage:
//
//	link := jmrilink.New(log, jmrilink.WebsocketDialer{}, "ws://localhost:12080/json/", throttles)
//	if err := link.Connect(ctx); err != nil {
//		// the supervisor retries
//	}
//	defer link.Close()
func New(log *zap.Logger, dialer Dialer, url string, throttles throttle.Set, opts ...Opt) *Link {
	l := &Link{
		log:       log.Named("jmri").With(zap.String("url", url)),
		dialer:    dialer,
		url:       url,
		throttles: throttles,
		clock:     clockwork.NewRealClock(),
		listener:  nopListener{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// URL is the server address the link dials.
func (l *Link) URL() string { return l.url }

// Connected reports whether a connection is up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// SessionID identifies the current connection in logs and status, "" when down.
func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// LastMessage is the time of the last frame sent or received.
func (l *Link) LastMessage() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMessage
}

// Idle is the time since the last frame sent or received.
func (l *Link) Idle() time.Duration {
	return l.clock.Since(l.LastMessage())
}

// Connect dials the server unless connected, starts reading and registers
// every throttle.
func (l *Link) Connect(ctx context.Context) error {
	if l.Connected() {
		return nil
	}

	l.log.Info("connecting to throttle server")
	conn, err := l.dialer.Dial(ctx, l.url)
	if err != nil {
		return fmt.Errorf("connect %s: %w", l.url, err)
	}

	session := uuid.NewString()

	l.mu.Lock()
	l.conn = conn
	l.session = session
	l.lastMessage = l.clock.Now()
	l.mu.Unlock()

	l.log.Info("connected to throttle server", zap.String("session", session))
	l.listener.NetworkConnected(session)

	go l.readLoop(conn, session)

	for _, t := range l.throttles {
		if err := l.Send(t.Identity()); err != nil {
			return err
		}
	}
	return nil
}

// KeepAlive re-registers the first throttle to detect a silently dropped
// connection and to satisfy server idle timeouts.
func (l *Link) KeepAlive() error {
	if len(l.throttles) == 0 {
		return nil
	}
	return l.Send(l.throttles[0].Identity())
}

// Send encodes u and writes it. A write failure drops the connection.
func (l *Link) Send(u throttle.Update) error {
	payload, err := EncodeUpdate(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	l.writeMu.Unlock()
	if err != nil {
		l.drop(conn, err)
		return fmt.Errorf("%w: write: %v", ErrNotConnected, err)
	}

	l.touch()
	l.log.Debug("-> jmri", zap.ByteString("message", payload))
	return nil
}

// Close drops the connection, if any.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		l.drop(conn, context.Canceled)
	}
}

func (l *Link) readLoop(conn Conn, session string) {
	log := l.log.With(zap.String("session", session))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.drop(conn, err)
			return
		}
		l.touch()
		log.Debug("<- jmri", zap.ByteString("message", data))

		frame, err := DecodeFrame(data)
		if err != nil {
			log.Warn("ignoring frame", zap.ByteString("message", data), zap.Error(err))
			continue
		}
		frame.Apply(l.throttles)
	}
}

// drop forgets conn if it is still the current connection.
func (l *Link) drop(conn Conn, reason error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	session := l.session
	l.conn = nil
	l.session = ""
	l.mu.Unlock()

	_ = conn.Close()
	l.log.Warn("disconnected from throttle server", zap.String("session", session), zap.Error(reason))
	l.listener.NetworkDisconnected(session, reason)
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastMessage = l.clock.Now()
	l.mu.Unlock()
}

type nopListener struct{}

func (nopListener) NetworkConnected(string)           {}
func (nopListener) NetworkDisconnected(string, error) {}
