// Package serialporttest provides in-memory serial devices for tests.
package serialporttest

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/edirooss/faderbridge/internal/infrastructure/serialport"
)

// Port is a scripted device. Bytes fed with Feed are read by the host;
// bytes written by the host are kept for inspection.
type Port struct {
	// Answer is fed back when the host writes the probe byte 'v'.
	Answer string

	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	timeout  time.Duration
	eof      bool
	closed   bool
	writeErr error
}

func NewPort(answer string) *Port {
	return &Port{Answer: answer}
}

func (p *Port) Read(b []byte) (int, error) {
	var deadline time.Time
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("port closed")
		}
		if p.in.Len() > 0 {
			n, _ := p.in.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		if p.eof {
			p.mu.Unlock()
			return 0, io.EOF
		}
		timeout := p.timeout
		p.mu.Unlock()

		if timeout > 0 {
			if deadline.IsZero() {
				deadline = time.Now().Add(timeout)
			} else if time.Now().After(deadline) {
				return 0, nil
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.out.Write(b)
	if slices.Equal(b, []byte{'v'}) && p.Answer != "" {
		p.in.WriteString(p.Answer)
	}
	return len(b), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

// Feed queues device output.
func (p *Port) Feed(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.WriteString(s)
}

// Unplug makes pending and future reads hit end of stream.
func (p *Port) Unplug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
}

// FailWrites makes every following Write return err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything the host wrote, probe byte included.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

// Closed reports whether the host closed the port.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ReadTimeout is the last timeout set by the host.
func (p *Port) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// Opener serves Ports by name. A name without a factory fails to open.
type Opener struct {
	mu        sync.Mutex
	names     []string
	factories map[string]func() *Port
	opened    map[string][]*Port
}

func NewOpener() *Opener {
	return &Opener{
		factories: make(map[string]func() *Port),
		opened:    make(map[string][]*Port),
	}
}

// Plug lists name and serves a fresh Port from factory on every Open.
func (o *Opener) Plug(name string, factory func() *Port) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !slices.Contains(o.names, name) {
		o.names = append(o.names, name)
	}
	o.factories[name] = factory
}

// List returns the plugged names. A name listed without a factory fails on Open.
func (o *Opener) List() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.names), nil
}

// SetNames overrides the names returned by List.
func (o *Opener) SetNames(names ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = names
}

func (o *Opener) Open(name string, baud int) (serialport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	factory, ok := o.factories[name]
	if !ok {
		return nil, errors.New("no such port: " + name)
	}
	p := factory()
	o.opened[name] = append(o.opened[name], p)
	return p, nil
}

// Opened returns the ports handed out for name, oldest first.
func (o *Opener) Opened(name string) []*Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.opened[name])
}
