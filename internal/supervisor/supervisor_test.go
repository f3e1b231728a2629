package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var opts = Options{Interval: time.Second, RetryDelay: 2 * time.Second, KeepAliveAfter: 5 * time.Second}

type fakeSerial struct {
	mu        sync.Mutex
	active    bool
	fail      bool
	panicking bool
	discovers int
}

func (f *fakeSerial) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSerial) Discover(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	if f.panicking {
		panic("port list exploded")
	}
	if f.fail {
		return errors.New("no fader device found")
	}
	f.active = true
	return nil
}

func (f *fakeSerial) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers
}

type fakeNetwork struct {
	mu         sync.Mutex
	connected  bool
	fail       bool
	idle       time.Duration
	connects   int
	keepAlives int
}

func (f *fakeNetwork) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeNetwork) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.fail {
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeNetwork) Idle() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeNetwork) KeepAlive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives++
	f.idle = 0
	return nil
}

func (f *fakeNetwork) counts() (connects, keepAlives int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.keepAlives
}

func TestCycleAttachesAndConnects(t *testing.T) {
	serial := &fakeSerial{}
	network := &fakeNetwork{}
	attached := 0
	s := New(zaptest.NewLogger(t), serial, network, opts, WithAttachHook(func() { attached++ }))

	require.Equal(t, opts.Interval, s.cycle(context.Background()))
	require.True(t, serial.active)
	require.True(t, network.connected)
	require.Equal(t, 1, attached)

	// both up: nothing to do
	require.Equal(t, opts.Interval, s.cycle(context.Background()))
	require.Equal(t, 1, serial.calls())
	connects, keepAlives := network.counts()
	require.Equal(t, 1, connects)
	require.Zero(t, keepAlives)
	require.Equal(t, 1, attached)
	require.EqualValues(t, 2, s.Cycles())
}

func TestCycleFailedDiscoveryRetriesBeforeNetwork(t *testing.T) {
	serial := &fakeSerial{fail: true}
	network := &fakeNetwork{connected: true, idle: time.Minute}
	attached := 0
	s := New(zaptest.NewLogger(t), serial, network, opts, WithAttachHook(func() { attached++ }))

	require.Equal(t, opts.RetryDelay, s.cycle(context.Background()))
	connects, keepAlives := network.counts()
	require.Zero(t, connects)
	require.Zero(t, keepAlives, "an idle connection waits for a cycle with a device")
	require.Zero(t, attached)

	network.connected = false
	s.cycle(context.Background())
	connects, _ = network.counts()
	require.Zero(t, connects)
}

func TestCycleKeepAlive(t *testing.T) {
	serial := &fakeSerial{active: true}
	network := &fakeNetwork{connected: true, idle: 5 * time.Second}
	s := New(zaptest.NewLogger(t), serial, network, opts)

	s.cycle(context.Background())
	_, keepAlives := network.counts()
	require.Zero(t, keepAlives, "idle time at the threshold is not yet idle")

	network.idle = 5*time.Second + time.Millisecond
	s.cycle(context.Background())
	_, keepAlives = network.counts()
	require.Equal(t, 1, keepAlives)
	require.Zero(t, serial.calls())
}

func TestCycleRecoversPanic(t *testing.T) {
	serial := &fakeSerial{panicking: true}
	network := &fakeNetwork{}
	s := New(zaptest.NewLogger(t), serial, network, opts)

	require.NotPanics(t, func() {
		require.Equal(t, opts.RetryDelay, s.cycle(context.Background()))
	})
	require.EqualValues(t, 1, s.Panics())
	require.Zero(t, s.Cycles())
}

func TestCycleCancelled(t *testing.T) {
	serial := &fakeSerial{}
	network := &fakeNetwork{}
	s := New(zaptest.NewLogger(t), serial, network, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.cycle(ctx)
	require.Zero(t, serial.calls())
	connects, _ := network.counts()
	require.Zero(t, connects)
}

func TestRunSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	serial := &fakeSerial{fail: true}
	network := &fakeNetwork{fail: true}
	s := New(zaptest.NewLogger(t), serial, network, opts, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// first cycle runs at once, then waits the retry delay
	clock.BlockUntil(1)
	require.Equal(t, 1, serial.calls())

	clock.Advance(time.Second)
	require.Never(t, func() bool { return serial.calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return serial.calls() == 2 }, time.Second, time.Millisecond)

	// device found: back to the regular interval
	serial.mu.Lock()
	serial.fail = false
	serial.mu.Unlock()
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return serial.calls() == 3 }, time.Second, time.Millisecond)
	require.True(t, serial.Active())

	network.mu.Lock()
	network.fail = false
	network.mu.Unlock()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, network.Connected, time.Second, time.Millisecond)
	connects, _ := network.counts()
	require.Equal(t, 2, connects, "only cycles with a device tried the network")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
