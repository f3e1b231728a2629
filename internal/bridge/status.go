package bridge

import (
	"time"

	"github.com/edirooss/faderbridge/internal/config"
	"github.com/edirooss/faderbridge/internal/throttle"
)

type SerialStatus struct {
	Active   bool     `json:"active"`
	Port     string   `json:"port,omitempty"`
	Rejected []string `json:"rejected"`
}

type NetworkStatus struct {
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	Session     string    `json:"session,omitempty"`
	LastMessage time.Time `json:"last_message"`
}

type QueueStatus struct {
	Pending    int    `json:"pending"`
	Overwrites uint64 `json:"overwrites"`
}

// Status is the snapshot served by GET /api/status.
type Status struct {
	Version          string           `json:"version"`
	Uptime           string           `json:"uptime"`
	Serial           SerialStatus     `json:"serial"`
	Network          NetworkStatus    `json:"network"`
	Queue            QueueStatus      `json:"queue"`
	Channels         []throttle.State `json:"channels"`
	SupervisorCycles uint64           `json:"supervisor_cycles"`
}

// Status is a point-in-time view of the whole bridge.
func (b *Bridge) Status() Status {
	return Status{
		Version: config.Version,
		Uptime:  b.clock.Since(b.started).Truncate(time.Second).String(),
		Serial: SerialStatus{
			Active:   b.fader.Active(),
			Port:     b.fader.PortName(),
			Rejected: b.fader.Rejected(),
		},
		Network: NetworkStatus{
			URL:         b.jmri.URL(),
			Connected:   b.jmri.Connected(),
			Session:     b.jmri.SessionID(),
			LastMessage: b.jmri.LastMessage(),
		},
		Queue: QueueStatus{
			Pending:    b.queue.Len(),
			Overwrites: b.queue.Overwrites(),
		},
		Channels:         b.Channels(),
		SupervisorCycles: b.supervisor.Cycles(),
	}
}

// Channels snapshots every channel.
func (b *Bridge) Channels() []throttle.State {
	out := make([]throttle.State, len(b.throttles))
	for i, t := range b.throttles {
		out[i] = t.Snapshot()
	}
	return out
}

// Channel snapshots the channel named name.
func (b *Bridge) Channel(name string) (throttle.State, bool) {
	t := b.throttles.Lookup(name)
	if t == nil {
		return throttle.State{}, false
	}
	return t.Snapshot(), true
}
