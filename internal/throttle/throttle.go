// Package throttle models the speed/direction state of one fader channel.
//
// A Throttle is written from two sides: the fader (FromFaderPosition) and the
// throttle server (SetSpeed / SetForward). Fader samples are always reported
// to the server; server changes are gated so that an echo of the fader's own
// value never moves the fader again.
package throttle

import (
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const (
	// SpeedEpsilon is the smallest speed change that moves the fader.
	SpeedEpsilon = 0.0001

	// DeadZoneCenter is the fader position meaning "stopped".
	DeadZoneCenter = 128

	faderSteps = 126.0
)

// Outbox receives encoded fader commands, keyed by channel name.
// Only the latest command per channel matters.
type Outbox interface {
	Put(name, command string)
}

// Reporter receives fader-originated state for the throttle server.
type Reporter interface {
	Report(u Update)
}

// Update is the wire-independent content of a throttle message.
// Nil Speed / Forward mean "not part of this message".
type Update struct {
	Address int
	Name    string
	Speed   *float64
	Forward *bool
}

// State is a point-in-time copy of a throttle.
type State struct {
	Address int     `json:"address"`
	Name    string  `json:"name"`
	Speed   float64 `json:"speed"`
	Forward bool    `json:"forward"`
	Command string  `json:"command"`
}

// Throttle holds the authoritative state of one channel.
// All methods are safe for concurrent use.
type Throttle struct {
	log      *zap.Logger
	address  int
	name     string
	outbox   Outbox
	reporter Reporter

	mu      sync.Mutex
	speed   float64
	forward bool
}

// New creates a stopped, forward-facing throttle.
func New(log *zap.Logger, address int, name string, outbox Outbox, reporter Reporter) *Throttle {
	t := &Throttle{
		log:      log.Named("throttle").With(zap.String("name", name), zap.Int("address", address)),
		address:  address,
		name:     name,
		outbox:   outbox,
		reporter: reporter,
		forward:  true,
	}
	t.log.Info("throttle created")
	return t
}

// Address is the DCC address the server knows the throttle by.
func (t *Throttle) Address() int { return t.address }

// Name is the channel name, shared by the fader commands and the server's
// throttle id.
func (t *Throttle) Name() string { return t.name }

// SetSpeed applies a server-issued speed. Changes within SpeedEpsilon of the
// current value are ignored. Reports whether the state changed.
func (t *Throttle) SetSpeed(speed float64) bool {
	speed = clamp(speed)

	t.mu.Lock()
	defer t.mu.Unlock()

	if math.Abs(t.speed-speed) <= SpeedEpsilon {
		return false
	}
	t.speed = speed
	t.applyLocked()
	return true
}

// SetForward applies a server-issued direction. Reports whether it changed.
func (t *Throttle) SetForward(forward bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.forward == forward {
		return false
	}
	t.forward = forward
	t.applyLocked()
	return true
}

// FromFaderPosition maps a raw 8-bit fader sample onto the throttle and
// reports it to the server. It is never gated: every sample is forwarded so
// the server follows live motion.
func (t *Throttle) FromFaderPosition(raw int) {
	if raw < 0 {
		raw = 0
	} else if raw > 255 {
		raw = 255
	}

	u := t.Identity()

	t.mu.Lock()
	switch {
	case raw < DeadZoneCenter-1:
		t.speed = float64(DeadZoneCenter-2-raw) / faderSteps
		t.forward = false
		u.Speed, u.Forward = ptr(t.speed), ptr(false)
	case raw > DeadZoneCenter:
		t.speed = float64(raw-DeadZoneCenter-1) / faderSteps
		t.forward = true
		u.Speed, u.Forward = ptr(t.speed), ptr(true)
	default:
		t.speed = 0
		u.Speed = ptr(0.0)
	}
	t.mu.Unlock()

	t.log.Debug("fader moved", zap.Int("raw", raw), zap.Float64("speed", *u.Speed))
	t.reporter.Report(u)
}

// Apply re-sends the current state to the fader, e.g. after the device
// reconnected and rests somewhere else.
func (t *Throttle) Apply() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked()
}

// EncodedFaderCommand is the device command moving the fader to the current state.
func (t *Throttle) EncodedFaderCommand() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commandLocked()
}

// Identity is the address/name-only message registering the throttle.
func (t *Throttle) Identity() Update {
	return Update{Address: t.address, Name: t.name}
}

// Snapshot returns a copy of the current state.
func (t *Throttle) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Address: t.address,
		Name:    t.name,
		Speed:   t.speed,
		Forward: t.forward,
		Command: t.commandLocked(),
	}
}

// applyLocked hands the command to the outbox while still holding the lock,
// so two racing changes reach the outbox in state order.
func (t *Throttle) applyLocked() {
	cmd := t.commandLocked()
	t.log.Debug("fader command queued", zap.String("command", cmd),
		zap.Float64("speed", t.speed), zap.Bool("forward", t.forward))
	t.outbox.Put(t.name, cmd)
}

func (t *Throttle) commandLocked() string {
	return strconv.Itoa(FaderPosition(t.speed, t.forward)) + t.name
}

// FaderPosition is the inverse of the fader mapping. Any speed rounding to
// zero steps yields DeadZoneCenter regardless of direction.
func FaderPosition(speed float64, forward bool) int {
	steps := int(math.Round(speed * 127))
	if steps <= 0 {
		return DeadZoneCenter
	}
	if forward {
		return steps + DeadZoneCenter
	}
	return DeadZoneCenter - 1 - steps
}

func clamp(speed float64) float64 {
	switch {
	case math.IsNaN(speed) || speed < 0:
		return 0
	case speed > 1:
		return 1
	}
	return speed
}

func ptr[T any](v T) *T { return &v }
