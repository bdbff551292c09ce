// File: control/config.go
// Typed YAML configuration. Key names mirror the flat dotted form used in
// documentation: application.type, network.io_type, engine.idle_timeout_seconds.

package control

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration tree.
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Network     NetworkConfig     `yaml:"network"`
	Threading   ThreadingConfig   `yaml:"threading"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Engine      EngineConfig      `yaml:"engine"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ApplicationConfig selects the server personality from the registry.
type ApplicationConfig struct {
	Type string `yaml:"type"`
}

// NetworkConfig is the listen endpoint and multiplexer variant.
type NetworkConfig struct {
	IP     string `yaml:"ip"`
	Port   int    `yaml:"port"`
	IOType string `yaml:"io_type"` // select | poll | epoll
}

// ThreadingConfig sizes the worker pool.
type ThreadingConfig struct {
	WorkerThreads int `yaml:"worker_threads"`
}

// WebSocketConfig holds the knobs owned by the WebSocket application.
type WebSocketConfig struct {
	EnablePing   *bool `yaml:"enable_ping"`
	PingInterval int   `yaml:"ping_interval"`   // seconds
	MaxFrameSize int   `yaml:"max_frame_size"`  // outbound cap, bytes
}

// EngineConfig holds keepalive supervisor settings. HeartbeatEnabled is the
// per-application default; framed-protocol applications override it to false
// regardless of this value.
type EngineConfig struct {
	HeartbeatEnabled   *bool `yaml:"heartbeat_enabled"`
	IdleTimeoutSeconds int   `yaml:"idle_timeout_seconds"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	yes := true
	return &Config{
		Application: ApplicationConfig{Type: ""},
		Network:     NetworkConfig{IP: "127.0.0.1", Port: 8888, IOType: "epoll"},
		Threading:   ThreadingConfig{WorkerThreads: 10},
		WebSocket:   WebSocketConfig{EnablePing: &yes, PingInterval: 30, MaxFrameSize: 65536},
		Engine:      EngineConfig{HeartbeatEnabled: &yes, IdleTimeoutSeconds: 60},
		Metrics:     MetricsConfig{Enabled: false, Listen: "127.0.0.1:9100"},
	}
}

// Load reads and parses the YAML file at path, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse unmarshals raw YAML over the defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		// Port 0 is allowed for tests (kernel-assigned).
		if cfg.Network.Port != 0 {
			return nil, fmt.Errorf("invalid network.port %d", cfg.Network.Port)
		}
	}
	if net.ParseIP(cfg.Network.IP) == nil {
		return nil, fmt.Errorf("invalid network.ip %q", cfg.Network.IP)
	}
	if cfg.Threading.WorkerThreads <= 0 {
		cfg.Threading.WorkerThreads = 10
	}
	if cfg.Engine.IdleTimeoutSeconds <= 0 {
		cfg.Engine.IdleTimeoutSeconds = 60
	}
	return cfg, nil
}

// Addr renders the listen endpoint as ip:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Network.IP, strconv.Itoa(c.Network.Port))
}

// PingEnabled reports websocket.enable_ping with its default of true.
func (c *Config) PingEnabled() bool {
	return c.WebSocket.EnablePing == nil || *c.WebSocket.EnablePing
}

// HeartbeatDefault reports engine.heartbeat_enabled with its default of true.
func (c *Config) HeartbeatDefault() bool {
	return c.Engine.HeartbeatEnabled == nil || *c.Engine.HeartbeatEnabled
}
