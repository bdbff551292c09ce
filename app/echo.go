// File: app/echo.go
// The echo application: the legacy non-framed TCP service. Every chunk comes
// straight back to its sender. This is the application the engine-level
// heartbeat exists for, so it honours engine.heartbeat_enabled.

package app

import (
	"log/slog"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/protocol"
)

// EchoApp implements api.Application.
type EchoApp struct {
	cfg    *control.Config
	logger *slog.Logger
	sender api.Sender
}

// NewEchoApp builds the application from configuration.
func NewEchoApp(cfg *control.Config, logger *slog.Logger) *EchoApp {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoApp{cfg: cfg, logger: logger.With("component", "echo")}
}

func (e *EchoApp) Name() string { return "echo" }

func (e *EchoApp) Protocols() []api.ProtocolFactory {
	return []api.ProtocolFactory{{
		Name:  "echo",
		Sniff: protocol.SniffEcho,
		New:   func() api.Protocol { return protocol.NewEcho() },
	}}
}

func (e *EchoApp) Bind(s api.Sender) { e.sender = s }

func (e *EchoApp) OnConnect(fd int) {}

func (e *EchoApp) OnMessage(fd int, msg []byte) {
	if err := e.sender.Send(fd, msg); err != nil {
		e.logger.Debug("echo to closed connection", "fd", fd)
	}
}

func (e *EchoApp) OnDisconnect(fd int) {}

func (e *EchoApp) HeartbeatEnabled() bool { return e.cfg.HeartbeatDefault() }
