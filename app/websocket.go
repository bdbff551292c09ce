// File: app/websocket.go
// The WebSocket chat application: every decoded message is tagged with its
// sender and broadcast to all open peers. The broadcast set is the only
// state this layer owns; everything per-connection lives in the engine.

package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/protocol"
)

// WebSocketApp implements api.Application.
type WebSocketApp struct {
	cfg    *control.Config
	logger *slog.Logger
	sender api.Sender

	// broadcast set; a client joins on its first decoded message and leaves
	// on disconnect.
	mu      sync.Mutex
	clients map[int]struct{}

	pingStop chan struct{}
	pingOnce sync.Once
}

// NewWebSocketApp builds the application from configuration.
func NewWebSocketApp(cfg *control.Config, logger *slog.Logger) *WebSocketApp {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketApp{
		cfg:      cfg,
		logger:   logger.With("component", "websocket"),
		clients:  make(map[int]struct{}),
		pingStop: make(chan struct{}),
	}
}

func (w *WebSocketApp) Name() string { return "websocket" }

func (w *WebSocketApp) Protocols() []api.ProtocolFactory {
	return []api.ProtocolFactory{{
		Name:  "websocket",
		Sniff: protocol.SniffWebSocket,
		New:   func() api.Protocol { return protocol.NewWebSocket() },
	}}
}

func (w *WebSocketApp) Bind(s api.Sender) {
	w.sender = s
	if w.cfg.PingEnabled() {
		interval := time.Duration(w.cfg.WebSocket.PingInterval) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go w.pingLoop(interval)
	}
}

// Close stops the application-owned ping loop.
func (w *WebSocketApp) Close() {
	w.pingOnce.Do(func() { close(w.pingStop) })
}

func (w *WebSocketApp) OnConnect(fd int) {
	// Membership waits for the handshake plus first message.
}

func (w *WebSocketApp) OnMessage(fd int, msg []byte) {
	w.mu.Lock()
	if _, ok := w.clients[fd]; !ok {
		w.clients[fd] = struct{}{}
		w.logger.Info("client joined broadcast set", "fd", fd, "clients", len(w.clients))
	}
	w.mu.Unlock()

	w.Broadcast([]byte(fmt.Sprintf("[client%d]: %s", fd, msg)))
}

func (w *WebSocketApp) OnDisconnect(fd int) {
	w.mu.Lock()
	delete(w.clients, fd)
	w.mu.Unlock()
}

// HeartbeatEnabled is always false: raw magic bytes inside a WebSocket
// stream would be parsed as a frame header by the peer. The protocol's own
// PING/PONG covers liveness.
func (w *WebSocketApp) HeartbeatEnabled() bool { return false }

// Broadcast frames payload once and sends it to every member of the
// broadcast set. The set lock is held only to copy the member list; each
// recipient's frame goes out under that connection's own send lock, so every
// peer sees one contiguous frame.
func (w *WebSocketApp) Broadcast(payload []byte) {
	if max := w.cfg.WebSocket.MaxFrameSize; max > 0 && len(payload) > max {
		w.logger.Warn("broadcast payload exceeds max_frame_size, dropped", "size", len(payload))
		return
	}

	var frame []byte
	if utf8.Valid(payload) {
		f, err := protocol.TextFrame(payload)
		if err != nil {
			w.logger.Warn("broadcast dropped", "err", err)
			return
		}
		frame = f
	} else {
		frame = protocol.BinaryFrame(payload)
	}

	w.mu.Lock()
	fds := make([]int, 0, len(w.clients))
	for fd := range w.clients {
		fds = append(fds, fd)
	}
	w.mu.Unlock()

	for _, fd := range fds {
		if err := w.sender.Send(fd, frame); err != nil {
			w.logger.Debug("broadcast skipped closed connection", "fd", fd)
		}
	}
}

// pingLoop emits protocol-level PINGs to all members on the configured
// cadence.
func (w *WebSocketApp) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.pingStop:
			return
		case <-ticker.C:
			frame := protocol.PingFrame(nil)
			w.mu.Lock()
			fds := make([]int, 0, len(w.clients))
			for fd := range w.clients {
				fds = append(fds, fd)
			}
			w.mu.Unlock()
			for _, fd := range fds {
				_ = w.sender.Send(fd, frame)
			}
		}
	}
}
