// Package serialport adapts go.bug.st/serial to the fader link's port model.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// NoTimeout switches a port to blocking reads when passed to
// Port.SetReadTimeout. The driver exposes it as a variable, so it is one here
// too.
var NoTimeout = serial.NoTimeout

// Port is an open serial device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// SetReadTimeout bounds Read. A timed out Read returns (0, nil).
	SetReadTimeout(t time.Duration) error
}

// System enumerates and opens the host's serial ports.
type System struct{}

// List returns the names of all serial ports currently present.
func (System) List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// Open opens name as 8-N-1 at baud.
func (System) Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}
