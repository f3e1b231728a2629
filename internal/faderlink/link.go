// Package faderlink drives the serial fader device: it finds the device among
// the host's serial ports, reads fader samples from it and writes coalesced
// position commands back.
package faderlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edirooss/faderbridge/internal/coalesce"
	"github.com/edirooss/faderbridge/internal/infrastructure/serialport"
	"github.com/edirooss/faderbridge/internal/throttle"
)

var (
	// ErrNoDevice means no port in the current scan answered as a fader.
	ErrNoDevice = errors.New("no fader device found")

	// ErrHandshakeMismatch means a port answered, but not as a fader.
	ErrHandshakeMismatch = errors.New("handshake mismatch")

	// ErrDeviceInactive means there is no usable device right now.
	ErrDeviceInactive = errors.New("fader device inactive")
)

// ProbeByte asks the device to identify itself.
const ProbeByte = 'v'

// PortOpener enumerates and opens serial ports.
type PortOpener interface {
	List() ([]string, error)
	Open(name string, baud int) (serialport.Port, error)
}

// Listener is told about device attach and detach.
type Listener interface {
	SerialAttached(port string)
	SerialDetached(port string, reason error)
}

// Options tunes the handshake and the write loop.
type Options struct {
	BaudRate     int
	BootDelay    time.Duration // wait after opening; the device resets on open
	ProbeTimeout time.Duration // for the handshake answer
	Signature    string        // the handshake line after the opening brace
	WriteSpacing time.Duration // minimum gap between two commands
	IdleWait     time.Duration // longest write loop sleep on an empty queue
	Ports        []string      // allowlist; empty means every port
}

// Opt configures a Link.
type Opt func(*Link)

// WithClock replaces the real clock. It drives the boot delay, the
// handshake timeout and the write pacing.
func WithClock(clock clockwork.Clock) Opt {
	return func(l *Link) {
		l.clock = clock
	}
}

// WithListener reports attach and detach to listener. Calls happen on the
// goroutine that noticed the change and must not block.
func WithListener(listener Listener) Opt {
	return func(l *Link) {
		l.listener = listener
	}
}

// device is the accepted, active port. The reader is shared between the
// handshake and the read loop, it may already hold buffered bytes.
type device struct {
	name string
	port serialport.Port
	r    *bufio.Reader
}

// Link is the serial side of the bridge.
type Link struct {
	log       *zap.Logger
	opener    PortOpener
	opts      Options
	throttles throttle.Set
	queue     *coalesce.Queue
	clock     clockwork.Clock
	listener  Listener

	sf       singleflight.Group
	attached chan struct{}

	scanMu      sync.Mutex
	scanCtx     context.Context
	scanCancel  context.CancelFunc
	scanWaiters int

	mu  sync.Mutex
	dev *device
	// ports rejected in the previous scan, skipped by the next one
	rejected map[string]struct{}
}

// New creates a Link with no device attached. Discover attaches one;
// ReadLoop and WriteLoop do nothing useful until then.
//
// Example usage:
//
//	link := faderlink.New(log, serialport.System{}, opts, throttles, queue)
//	go link.ReadLoop(ctx)
//	go link.WriteLoop(ctx)
//	if err := link.Discover(ctx); err != nil {
//		// retry later
//	}
func New(log *zap.Logger, opener PortOpener, opts Options, throttles throttle.Set, queue *coalesce.Queue, o ...Opt) *Link {
	l := &Link{
		log:       log.Named("fader"),
		opener:    opener,
		opts:      opts,
		throttles: throttles,
		queue:     queue,
		clock:     clockwork.NewRealClock(),
		listener:  nopListener{},
		attached:  make(chan struct{}, 1),
		rejected:  make(map[string]struct{}),
	}
	for _, opt := range o {
		opt(l)
	}
	return l
}

// Active reports whether a device is attached.
func (l *Link) Active() bool {
	return l.current() != nil
}

// PortName is the attached device's port, or "".
func (l *Link) PortName() string {
	if dev := l.current(); dev != nil {
		return dev.name
	}
	return ""
}

// Rejected lists the ports that failed the last scan.
func (l *Link) Rejected() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.rejected))
	for name := range l.rejected {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Discover scans the serial ports for a fader unless one is attached.
//
// Concurrent calls share one scan. Each caller waits on its own ctx: a caller
// giving up returns ctx.Err() without disturbing the others, and the shared
// scan is cancelled only once every caller has given up.
func (l *Link) Discover(ctx context.Context) error {
	scanCtx := l.joinScan(ctx)
	defer l.leaveScan()

	for {
		ch := l.sf.DoChan("discover", func() (any, error) {
			return nil, l.discover(scanCtx)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, context.Canceled) && scanCtx.Err() == nil {
				// joined a scan its earlier callers had abandoned
				continue
			}
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// joinScan registers a caller of Discover and returns the context of the
// shared scan, which outlives any single caller.
func (l *Link) joinScan(ctx context.Context) context.Context {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	if l.scanWaiters == 0 {
		l.scanCtx, l.scanCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	l.scanWaiters++
	return l.scanCtx
}

func (l *Link) leaveScan() {
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	l.scanWaiters--
	if l.scanWaiters == 0 {
		l.scanCancel()
	}
}

func (l *Link) discover(ctx context.Context) error {
	if l.Active() {
		return nil
	}

	names, err := l.opener.List()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	l.mu.Lock()
	previous := l.rejected
	l.mu.Unlock()

	rejected := make(map[string]struct{})
	defer func() {
		l.mu.Lock()
		l.rejected = rejected
		l.mu.Unlock()
	}()

	for _, name := range names {
		if !l.allowed(name) {
			continue
		}
		if _, done := rejected[name]; done {
			continue
		}
		if _, skip := previous[name]; skip {
			l.log.Debug("skipping port rejected by previous scan", zap.String("port", name))
			continue
		}

		dev, err := l.probe(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rejected[name] = struct{}{}
			l.log.Info("port rejected", zap.String("port", name), zap.Error(err))
			continue
		}

		l.activate(dev)
		return nil
	}

	return ErrNoDevice
}

func (l *Link) allowed(name string) bool {
	return len(l.opts.Ports) == 0 || slices.Contains(l.opts.Ports, name)
}

// probe opens name and runs the handshake. On success the port is left
// open in blocking mode.
func (l *Link) probe(ctx context.Context, name string) (_ *device, err error) {
	log := l.log.With(zap.String("port", name))
	log.Info("probing port")

	port, err := l.opener.Open(name, l.opts.BaudRate)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = port.Close()
		}
	}()

	if err := port.SetReadTimeout(l.opts.ProbeTimeout); err != nil {
		return nil, fmt.Errorf("set probe timeout: %w", err)
	}

	// let the microcontroller finish booting, opening the port resets it
	if l.opts.BootDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.opts.BootDelay):
		}
	}

	if _, err := port.Write([]byte{ProbeByte}); err != nil {
		return nil, fmt.Errorf("write probe: %w", err)
	}

	first := make([]byte, 1)
	n, err := port.Read(first)
	if err != nil {
		return nil, fmt.Errorf("%w: no answer: %v", ErrHandshakeMismatch, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no answer within %s", ErrHandshakeMismatch, l.opts.ProbeTimeout)
	}
	if first[0] != '{' {
		return nil, fmt.Errorf("%w: unexpected first byte %q", ErrHandshakeMismatch, first[0])
	}

	r := bufio.NewReader(port)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read signature: %v", ErrHandshakeMismatch, err)
	}
	signature := strings.TrimRight(line, "\r\n")
	if signature != l.opts.Signature {
		log.Debug("unknown device signature", zap.String("dump", spew.Sdump(signature)))
		return nil, fmt.Errorf("%w: signature %q", ErrHandshakeMismatch, signature)
	}

	if err := port.SetReadTimeout(serialport.NoTimeout); err != nil {
		return nil, fmt.Errorf("disable read timeout: %w", err)
	}

	return &device{name: name, port: port, r: r}, nil
}

func (l *Link) activate(dev *device) {
	l.mu.Lock()
	l.dev = dev
	l.mu.Unlock()

	l.log.Info("fader device attached", zap.String("port", dev.name))

	select {
	case l.attached <- struct{}{}:
	default:
	}
	l.listener.SerialAttached(dev.name)
}

// deactivate drops dev if it is still the attached device.
func (l *Link) deactivate(dev *device, reason error) {
	l.mu.Lock()
	if l.dev != dev {
		l.mu.Unlock()
		return
	}
	l.dev = nil
	l.mu.Unlock()

	_ = dev.port.Close()
	l.log.Warn("fader device detached", zap.String("port", dev.name), zap.Error(reason))
	l.listener.SerialDetached(dev.name, reason)
}

func (l *Link) current() *device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev
}

// Deactivate detaches the device, if any, forcing a rediscovery.
func (l *Link) Deactivate(reason error) {
	if dev := l.current(); dev != nil {
		l.deactivate(dev, reason)
	}
}

// Close detaches the device, unblocking a pending read.
func (l *Link) Close() {
	l.Deactivate(context.Canceled)
}

// ReadLoop reads device lines until ctx is done. Without a device it waits
// for the next attach. A read failure detaches the device.
func (l *Link) ReadLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		dev := l.current()
		if dev == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.attached:
			case <-l.clock.After(time.Second):
			}
			continue
		}

		line, err := dev.r.ReadString('\n')
		if line != "" {
			l.handleLine(line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.deactivate(dev, fmt.Errorf("%w: read: %v", ErrDeviceInactive, err))
		}
	}
}

func (l *Link) handleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	fields, errs := ParseFields(line)
	for _, err := range errs {
		l.log.Warn("skipping field", zap.String("line", line), zap.Error(err))
	}

	for _, f := range fields {
		t := l.throttles.Lookup(f.Name)
		if t == nil {
			l.log.Debug("unknown channel", zap.String("name", f.Name))
			continue
		}
		t.FromFaderPosition(f.Value)
	}
}

// WriteLoop drains the queue onto the device, channels in set order, one
// command per wake, spaced by WriteSpacing.
func (l *Link) WriteLoop(ctx context.Context) error {
	names := l.throttles.Names()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, cmd, ok := l.queue.TakeFirst(names...); ok {
			if err := l.Send(cmd); err != nil {
				l.log.Debug("fader command dropped", zap.String("command", cmd), zap.Error(err))
				continue
			}
			// no flow control on the device
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(l.opts.WriteSpacing):
			}
			continue
		}

		if !l.queue.Wait(ctx, l.opts.IdleWait) {
			return ctx.Err()
		}
	}
}

// Send writes one command to the device.
func (l *Link) Send(cmd string) error {
	dev := l.current()
	if dev == nil {
		return ErrDeviceInactive
	}

	if _, err := dev.port.Write([]byte(cmd)); err != nil {
		err = fmt.Errorf("%w: write: %v", ErrDeviceInactive, err)
		l.deactivate(dev, err)
		return err
	}

	l.log.Debug("fader command sent", zap.String("command", cmd))
	return nil
}

type nopListener struct{}

func (nopListener) SerialAttached(string)        {}
func (nopListener) SerialDetached(string, error) {}
