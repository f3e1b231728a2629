package jmrilink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edirooss/faderbridge/internal/coalesce"
	"github.com/edirooss/faderbridge/internal/throttle"
)

// server is a minimal JMRI JSON websocket endpoint.
type server struct {
	*httptest.Server
	received chan string
	conns    chan *websocket.Conn
}

func newServer(t *testing.T) *server {
	s := &server{
		received: make(chan string, 64),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/json/"
}

func (s *server) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.received:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func (s *server) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

type states struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (s *states) NetworkConnected(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ups = append(s.ups, session)
}

func (s *states) NetworkDisconnected(session string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downs = append(s.downs, session)
}

func (s *states) snapshot() (ups, downs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ups), slices.Clone(s.downs)
}

func newTestLink(t *testing.T, url string, opts ...Opt) (*Link, throttle.Set, *coalesce.Queue) {
	log := zaptest.NewLogger(t)
	q := coalesce.New()
	set := throttle.Set{
		throttle.New(log, 50, "A", q, discard{}),
		throttle.New(log, 60, "B", q, discard{}),
	}
	l := New(log, WebsocketDialer{HandshakeTimeout: time.Second}, url, set, opts...)
	t.Cleanup(l.Close)
	return l, set, q
}

func TestConnectRegistersThrottles(t *testing.T) {
	srv := newServer(t)
	st := &states{}
	l, _, _ := newTestLink(t, srv.url(), WithListener(st))

	require.NoError(t, l.Connect(context.Background()))
	require.True(t, l.Connected())
	require.NotEmpty(t, l.SessionID())

	require.Equal(t, `{"type":"throttle","data":{"address":50,"name":"A"}}`, srv.next(t))
	require.Equal(t, `{"type":"throttle","data":{"address":60,"name":"B"}}`, srv.next(t))
	ups, _ := st.snapshot()
	require.Equal(t, []string{l.SessionID()}, ups)

	// already connected: no second dial
	require.NoError(t, l.Connect(context.Background()))
	select {
	case m := <-srv.received:
		t.Fatalf("unexpected message %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectFailure(t *testing.T) {
	srv := newServer(t)
	l, _, _ := newTestLink(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/nowhere")

	require.Error(t, l.Connect(context.Background()))
	require.False(t, l.Connected())
	require.ErrorIs(t, l.Send(throttle.Update{Address: 50, Name: "A"}), ErrNotConnected)
}

func TestInboundFrameMovesFader(t *testing.T) {
	srv := newServer(t)
	l, set, q := newTestLink(t, srv.url())
	require.NoError(t, l.Connect(context.Background()))
	conn := srv.conn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"throttle":"A","speed":0.5,"forward":true}`)))

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	cmd, ok := q.Take("A")
	require.True(t, ok)
	require.Equal(t, "192A", cmd)
	require.Equal(t, 0.5, set.Lookup("A").Snapshot().Speed)

	// a repeated frame is an echo and moves nothing
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"throttle","data":{"throttle":"A","speed":0.50001,"forward":true}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"throttle","data":{"throttle":"B","forward":false}}`)))

	require.Eventually(t, func() bool { return !set.Lookup("B").Snapshot().Forward }, 5*time.Second, 5*time.Millisecond)
	_, ok = q.Take("A")
	require.False(t, ok)
	cmd, ok = q.Take("B")
	require.True(t, ok)
	require.Equal(t, "128B", cmd)
}

func TestRemoteCloseMarksLinkDown(t *testing.T) {
	srv := newServer(t)
	st := &states{}
	l, _, _ := newTestLink(t, srv.url(), WithListener(st))
	require.NoError(t, l.Connect(context.Background()))
	session := l.SessionID()

	require.NoError(t, srv.conn(t).Close())

	require.Eventually(t, func() bool { return !l.Connected() }, 5*time.Second, 5*time.Millisecond)
	require.Empty(t, l.SessionID())
	_, downs := st.snapshot()
	require.Equal(t, []string{session}, downs)

	// reconnect gets a fresh session
	require.NoError(t, l.Connect(context.Background()))
	require.NotEqual(t, session, l.SessionID())
}

type fakeConn struct {
	closed  chan struct{}
	once    sync.Once
	failing bool
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(int, []byte) error {
	if c.failing {
		return errors.New("broken pipe")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct{ conn *fakeConn }

func (d fakeDialer) Dial(context.Context, string) (Conn, error) { return d.conn, nil }

func TestIdleTracksLastMessage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := zaptest.NewLogger(t)
	set := throttle.Set{throttle.New(log, 50, "A", coalesce.New(), discard{})}
	l := New(log, fakeDialer{newFakeConn()}, "ws://jmri/json/", set, WithClock(clock))
	t.Cleanup(l.Close)

	require.NoError(t, l.Connect(context.Background()))
	require.Zero(t, l.Idle())

	clock.Advance(6 * time.Second)
	require.Equal(t, 6*time.Second, l.Idle())

	require.NoError(t, l.KeepAlive())
	require.Zero(t, l.Idle())
	require.Equal(t, clock.Now(), l.LastMessage())
}

func TestWriteFailureDropsConnection(t *testing.T) {
	conn := newFakeConn()
	log := zaptest.NewLogger(t)
	set := throttle.Set{throttle.New(log, 50, "A", coalesce.New(), discard{})}
	l := New(log, fakeDialer{conn}, "ws://jmri/json/", set)

	require.NoError(t, l.Connect(context.Background()))
	conn.failing = true

	require.ErrorIs(t, l.KeepAlive(), ErrNotConnected)
	require.False(t, l.Connected())
}
