package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edirooss/faderbridge/pkg/hostutil"
)

// DefaultPath is the config file looked up when no -c flag is given.
const DefaultPath = "faderbridge.yaml"

// Config is the complete runtime configuration of the bridge.
type Config struct {
	// Throttle server (JMRI web server) location.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	// DCC addresses bound to the two fader channels.
	AddressA int `yaml:"address_a"`
	AddressB int `yaml:"address_b"`

	Serial     SerialConfig     `yaml:"serial"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Network    NetworkConfig    `yaml:"network"`

	// StatusAddr enables the HTTP status API when not empty, e.g. ":8090".
	StatusAddr string `yaml:"status_address"`

	// RedisAddr enables event publishing when not empty.
	RedisAddr    string `yaml:"redis_address"`
	RedisChannel string `yaml:"redis_channel"`

	Dev bool `yaml:"dev"`
}

// SerialConfig is the fader device section.
type SerialConfig struct {
	BaudRate     int           `yaml:"baud_rate"`
	BootDelay    time.Duration `yaml:"boot_delay"`    // wait for the microcontroller to boot after open
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // read timeout while probing
	Signature    string        `yaml:"signature"`
	WriteSpacing time.Duration `yaml:"write_spacing"` // no CTS on the device, space commands out
	IdleWait     time.Duration `yaml:"idle_wait"`     // bounded wait of the writer when nothing is queued

	// Ports restricts discovery to these port names. Empty means all ports.
	Ports []string `yaml:"ports"`
}

// SupervisorConfig holds the health loop timings.
type SupervisorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	KeepAliveAfter time.Duration `yaml:"keepalive_after"`
}

// NetworkConfig tunes the websocket connection.
type NetworkConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Host:     "localhost",
		Port:     12080,
		Path:     "/json/",
		AddressA: 50,
		AddressB: 60,
		Serial: SerialConfig{
			BaudRate:     115200,
			BootDelay:    3 * time.Second,
			ProbeTimeout: 100 * time.Millisecond,
			Signature:    "Fader:v1}",
			WriteSpacing: 10 * time.Millisecond,
			IdleWait:     100 * time.Millisecond,
		},
		Supervisor: SupervisorConfig{
			Interval:       time.Second,
			RetryDelay:     2 * time.Second,
			KeepAliveAfter: 5 * time.Second,
		},
		Network: NetworkConfig{
			HandshakeTimeout: 5 * time.Second,
		},
		RedisChannel: "faderbridge:events",
	}
}

// Load reads the yaml file at path on top of the defaults.
// A missing file is only an error when required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	if err := hostutil.ValidateHost(c.Host); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: invalid port %d", c.Port)
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("config: invalid serial baud rate %d", c.Serial.BaudRate)
	case c.Serial.Signature == "":
		return errors.New("config: serial signature must not be empty")
	case c.Supervisor.Interval <= 0:
		return errors.New("config: supervisor interval must be positive")
	}
	return nil
}

// ServerURL is the websocket endpoint of the throttle server.
func (c *Config) ServerURL() string {
	path := c.Path
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	host := strings.TrimSuffix(strings.TrimPrefix(c.Host, "["), "]")
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(c.Port)) + path
}
