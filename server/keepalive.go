//go:build linux

// File: server/keepalive.go
// The keepalive supervisor: a dedicated timer that evicts idle connections
// and, for applications that opt in, emits the magic-byte heartbeat through
// the normal send path. Framed protocols (WebSocket) own their PING/PONG and
// run with heartbeat disabled.

package server

import (
	"time"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/protocol"
)

// keepaliveTick is the supervisor scan cadence.
const keepaliveTick = 10 * time.Second

type keepalive struct {
	srv         *TCPServer
	interval    time.Duration
	idleTimeout time.Duration
	heartbeat   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newKeepalive(srv *TCPServer, interval, idleTimeout time.Duration, heartbeat bool) *keepalive {
	return &keepalive{
		srv:         srv,
		interval:    interval,
		idleTimeout: idleTimeout,
		heartbeat:   heartbeat,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (k *keepalive) start() {
	go k.run()
}

func (k *keepalive) stop() {
	close(k.stopCh)
	<-k.doneCh
}

func (k *keepalive) run() {
	defer close(k.doneCh)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.scan(time.Now())
		}
	}
}

// scan copies the connection list under the table lock, then works lock-free
// per connection: evict the idle, ping the rest.
func (k *keepalive) scan(now time.Time) {
	s := k.srv
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		idle := now.Sub(time.Unix(0, c.lastActive.Load()))
		if idle > k.idleTimeout {
			k.evict(c, idle)
			continue
		}
		if k.heartbeat {
			if err := s.Send(c.fd, protocol.HeartbeatMagic); err == nil {
				s.metrics.HeartbeatsSent.Inc()
			}
		}
	}
}

// evict sends a farewell frame when the protocol has one, then closes.
func (k *keepalive) evict(c *Conn, idle time.Duration) {
	s := k.srv
	c.inMu.Lock()
	inst := c.proto
	c.inMu.Unlock()
	if cf, ok := inst.(api.CloseFramer); ok {
		if frame := cf.CloseFrame(); frame != nil {
			_ = s.Send(c.fd, frame)
		}
	}
	s.metrics.IdleEvictions.Inc()
	s.logger.Info("idle connection evicted", "fd", c.fd, "idle", idle.Round(time.Second))
	s.closeConn(c.fd, "idle timeout")
}
