// File: app/redis.go
// The redis application: a RESP front over the shared KV store. The protocol
// engine decodes, executes, and encodes; this layer only supplies the store
// and the protocol factory.

package app

import (
	"log/slog"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/protocol"
	"github.com/sgly123/netbox/store"
)

// RedisApp implements api.Application.
type RedisApp struct {
	cfg    *control.Config
	logger *slog.Logger
	kv     *store.Store
}

// NewRedisApp builds the application with a fresh store.
func NewRedisApp(cfg *control.Config, logger *slog.Logger) *RedisApp {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisApp{
		cfg:    cfg,
		logger: logger.With("component", "redis"),
		kv:     store.New(),
	}
}

func (r *RedisApp) Name() string { return "redis" }

// Store exposes the backing store, mainly for tests.
func (r *RedisApp) Store() *store.Store { return r.kv }

func (r *RedisApp) Protocols() []api.ProtocolFactory {
	return []api.ProtocolFactory{{
		Name:  "resp",
		Sniff: protocol.SniffRESP,
		New:   func() api.Protocol { return protocol.NewRESP(r.kv) },
	}}
}

func (r *RedisApp) Bind(api.Sender) {}

func (r *RedisApp) OnConnect(fd int) {}

// OnMessage is unused: RESP replies travel on the protocol's control path.
func (r *RedisApp) OnMessage(fd int, msg []byte) {}

func (r *RedisApp) OnDisconnect(fd int) {}

// HeartbeatEnabled is false: redis clients treat unsolicited bytes as
// protocol garbage. Inbound magic is still tolerated by the decoder.
func (r *RedisApp) HeartbeatEnabled() bool { return false }
