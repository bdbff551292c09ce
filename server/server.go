//go:build linux

// File: server/server.go
// The connection engine: listen socket, batched accept, the reactor loop,
// per-connection read/write paths, and the thread-safe send API handed to
// applications.

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/pool"
	"github.com/sgly123/netbox/protocol"
	"github.com/sgly123/netbox/reactor"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
	ErrConnClosed     = errors.New("connection closed")
)

const (
	// reactorTickMs bounds shutdown latency; the keepalive supervisor runs on
	// its own ticker.
	reactorTickMs = 100
	// acceptBatch caps accepts per readiness event so one connection storm
	// cannot starve established connections.
	acceptBatch = 32
	// readBufSize is the per-read chunk size.
	readBufSize = 4096
	// socketBufSize is applied to SO_SNDBUF and SO_RCVBUF on every socket.
	socketBufSize = 512 * 1024
)

// TCPServer drives the reactor and owns every connection.
type TCPServer struct {
	cfg     *control.Config
	app     api.Application
	router  *protocol.Router
	exec    api.Executor
	metrics *control.Metrics
	logger  *slog.Logger

	poller api.Poller
	lfd    int
	addr   string

	mu    sync.Mutex
	conns map[int]*Conn

	running  atomic.Bool
	done     chan struct{}
	loopDone chan struct{}
	ka       *keepalive

	readBufs *pool.BytePool

	// kaInterval is the keepalive scan cadence; tests shorten it.
	kaInterval time.Duration

	// syscall seams; tests substitute these to simulate partial writes.
	readFn  func(fd int, p []byte) (int, error)
	writeFn func(fd int, p []byte) (int, error)
}

var _ api.Sender = (*TCPServer)(nil)

// New wires an engine for the given application. The registry has already
// resolved and constructed app; the engine never consults global state.
func New(cfg *control.Config, app api.Application, exec api.Executor, metrics *control.Metrics, logger *slog.Logger) *TCPServer {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if metrics == nil {
		metrics = control.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		cfg:      cfg,
		app:      app,
		router:   protocol.NewRouter(app.Protocols()),
		exec:     exec,
		metrics:  metrics,
		logger:   logger.With("component", "engine"),
		lfd:        -1,
		conns:      make(map[int]*Conn),
		readBufs:   pool.NewBytePool(readBufSize),
		kaInterval: keepaliveTick,
		readFn:     unix.Read,
		writeFn:    unix.Write,
	}
}

// Start binds, listens, registers the listen fd, and spawns the reactor and
// the keepalive supervisor. Any socket error before the reactor starts is
// returned and nothing is left running.
func (s *TCPServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	poller, err := reactor.New(s.cfg.Network.IOType)
	if err != nil {
		s.running.Store(false)
		return err
	}
	if err := poller.Open(); err != nil {
		s.running.Store(false)
		return err
	}
	s.poller = poller

	if err := s.listen(); err != nil {
		_ = poller.Close()
		s.running.Store(false)
		return err
	}
	if err := s.poller.Add(s.lfd, api.EventRead); err != nil {
		_ = unix.Close(s.lfd)
		_ = poller.Close()
		s.running.Store(false)
		return err
	}

	s.app.Bind(s)

	s.done = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.reactorLoop()

	s.ka = newKeepalive(s, s.kaInterval, time.Duration(s.cfg.Engine.IdleTimeoutSeconds)*time.Second, s.app.HeartbeatEnabled())
	s.ka.start()

	s.logger.Info("server started", "addr", s.addr, "app", s.app.Name(), "io_type", s.cfg.Network.IOType)
	return nil
}

// listen creates the non-blocking listen socket with the documented options.
func (s *TCPServer) listen() error {
	ip := net.ParseIP(s.cfg.Network.IP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid address %q", s.cfg.Network.IP)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	// Large buffers keep broadcast fan-out off the queued-send path.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufSize)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufSize)

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = s.cfg.Network.Port
	if err := unix.Bind(fd, &sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	if sa4, ok := bound.(*unix.SockaddrInet4); ok {
		s.addr = net.JoinHostPort(net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port))
	} else {
		s.addr = s.cfg.Addr()
	}

	s.lfd = fd
	return nil
}

// Addr returns the bound listen address, useful when the configured port is 0.
func (s *TCPServer) Addr() string { return s.addr }

// Stop shuts the engine down in bounded time: it never waits for client
// bytes, only for the reactor to notice the flag within one tick.
func (s *TCPServer) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	s.ka.stop()
	close(s.done)
	<-s.loopDone

	_ = s.poller.Remove(s.lfd)
	_ = unix.Close(s.lfd)

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.closeConn(c.fd, "server stopping")
	}

	_ = s.poller.Close()
	s.logger.Info("server stopped")
	return nil
}

// reactorLoop is the single thread that runs the multiplexer.
func (s *TCPServer) reactorLoop() {
	defer close(s.loopDone)
	events := make([]api.Event, 128)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.poller.Wait(events, reactorTickMs)
		if err != nil {
			s.logger.Error("poller wait", "err", err)
			continue
		}

		// Closes are deferred to the end of the tick so a protocol's close
		// frame can still be flushed by a WRITE event in the same batch.
		var deferred []int
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.FD == s.lfd {
				s.acceptBatch()
				continue
			}
			switch {
			case ev.Events&api.EventError != 0:
				deferred = append(deferred, ev.FD)
			case ev.Events&api.EventRead != 0:
				if !s.handleRead(ev.FD) {
					deferred = append(deferred, ev.FD)
				}
				if ev.Events&api.EventWrite != 0 {
					s.handleWrite(ev.FD)
				}
			case ev.Events&api.EventWrite != 0:
				s.handleWrite(ev.FD)
			}
		}
		for _, fd := range deferred {
			s.closeConn(fd, "connection error")
		}
	}
}

// acceptBatch accepts up to acceptBatch connections for one readiness event.
func (s *TCPServer) acceptBatch() {
	for i := 0; i < acceptBatch; i++ {
		nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if s.running.Load() {
				s.logger.Error("accept", "err", err)
			}
			return
		}

		_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufSize)
		_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufSize)

		peer := ""
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = net.JoinHostPort(net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port))
		}

		c := newConn(nfd, peer)
		c.lastActive.Store(time.Now().UnixNano())

		s.mu.Lock()
		s.conns[nfd] = c
		s.mu.Unlock()

		if err := s.poller.Add(nfd, api.EventRead); err != nil {
			s.logger.Error("register connection", "fd", nfd, "err", err)
			s.mu.Lock()
			delete(s.conns, nfd)
			s.mu.Unlock()
			_ = unix.Close(nfd)
			continue
		}

		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ActiveConnections.Inc()
		s.app.OnConnect(nfd)
		s.logger.Info("client connected", "fd", nfd, "peer", peer)
	}
}

// conn looks up a live connection.
func (s *TCPServer) conn(fd int) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[fd]
}

// handleRead drains the socket until EAGAIN, hands chunks to the protocol
// pipeline, and reports false when the connection must close.
func (s *TCPServer) handleRead(fd int) bool {
	c := s.conn(fd)
	if c == nil {
		return true
	}
	for {
		buf := s.readBufs.Get()
		n, err := s.readFn(fd, buf)
		if err != nil {
			s.readBufs.Put(buf)
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			if err == unix.EINTR {
				continue
			}
			return false
		}
		if n == 0 {
			s.readBufs.Put(buf)
			return false
		}

		c.lastActive.Store(time.Now().UnixNano())
		s.metrics.BytesRead.Add(float64(n))

		c.inMu.Lock()
		c.in = append(c.in, buf[:n]...)
		submit := !c.busy && !c.closed.Load()
		if submit {
			c.busy = true
		}
		c.inMu.Unlock()
		s.readBufs.Put(buf)

		if submit {
			if err := s.exec.Submit(func() { s.processConn(c) }); err != nil {
				c.inMu.Lock()
				c.busy = false
				c.inMu.Unlock()
				return false
			}
		}
	}
}

// processConn runs on a worker. At most one instance per connection is in
// flight, which preserves per-fd ordering end to end.
func (s *TCPServer) processConn(c *Conn) {
	for {
		c.inMu.Lock()
		if c.closed.Load() || len(c.in) == 0 {
			c.busy = false
			c.inMu.Unlock()
			return
		}
		data := c.in
		c.in = nil
		inst := c.proto
		c.inMu.Unlock()

		inst, out := s.router.Dispatch(inst, data)
		if out.Consumed > len(data) {
			out.Consumed = len(data)
		}

		c.inMu.Lock()
		if inst != nil && c.proto == nil {
			c.proto = inst
			s.logger.Debug("protocol selected", "fd", c.fd, "protocol", inst.Name())
		}
		leftover := data[out.Consumed:]
		if len(c.in) > 0 {
			merged := make([]byte, 0, len(leftover)+len(c.in))
			merged = append(merged, leftover...)
			merged = append(merged, c.in...)
			c.in = merged
		} else {
			c.in = leftover
		}
		newBytes := len(c.in) > len(leftover)
		pending := len(c.in) > 0
		c.inMu.Unlock()

		for _, frame := range out.Control {
			if err := s.Send(c.fd, frame); err != nil {
				break
			}
		}
		for _, msg := range out.Messages {
			s.metrics.MessagesDispatched.Inc()
			s.app.OnMessage(c.fd, msg)
		}

		if out.Close {
			if out.CloseReason != "" {
				s.metrics.ProtocolErrors.Inc()
			}
			s.closeAfterFlush(c, out.CloseReason)
			c.inMu.Lock()
			c.busy = false
			c.inMu.Unlock()
			return
		}

		c.inMu.Lock()
		stalled := out.Consumed == 0 && !newBytes
		if !pending || stalled {
			c.busy = false
			c.inMu.Unlock()
			return
		}
		c.inMu.Unlock()
	}
}

// Send enqueues one logical frame on fd's send queue under the per-connection
// send lock, attempts an immediate non-blocking drain, and registers WRITE
// interest if bytes remain queued. Success means enqueued, not flushed.
func (s *TCPServer) Send(fd int, frame []byte) error {
	c := s.conn(fd)
	if c == nil {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return ErrConnClosed
	}
	c.sendQ.Add(frame)
	fatal := s.flushLocked(c)
	c.sendMu.Unlock()

	if fatal {
		s.closeConn(fd, "send error")
	}
	return nil
}

// CloseConn closes fd on behalf of the application.
func (s *TCPServer) CloseConn(fd int) {
	s.closeConn(fd, "application request")
}

// flushLocked drains the send queue until EAGAIN or empty and maintains
// WRITE interest. Callers hold c.sendMu. Returns true on a fatal write error.
func (s *TCPServer) flushLocked(c *Conn) (fatal bool) {
	for {
		if len(c.partial) == 0 {
			if c.sendQ.Length() == 0 {
				break
			}
			c.partial = c.sendQ.Remove().([]byte)
		}
		n, err := s.writeFn(c.fd, c.partial)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return true
		}
		s.metrics.BytesWritten.Add(float64(n))
		c.partial = c.partial[n:]
	}

	queued := c.queuedLocked()
	if queued && !c.writeInterest {
		c.writeInterest = true
		_ = s.poller.Modify(c.fd, api.EventRead|api.EventWrite)
	} else if !queued && c.writeInterest {
		c.writeInterest = false
		_ = s.poller.Modify(c.fd, api.EventRead)
	}
	return false
}

// handleWrite resumes a backpressured connection on WRITE readiness.
func (s *TCPServer) handleWrite(fd int) {
	c := s.conn(fd)
	if c == nil {
		return
	}
	c.sendMu.Lock()
	fatal := s.flushLocked(c)
	drained := !c.queuedLocked()
	closeNow := drained && c.closeOnDrain
	reason := c.closeReason
	c.sendMu.Unlock()

	if fatal {
		s.closeConn(fd, "send error")
		return
	}
	if closeNow {
		s.closeConn(fd, reason)
	}
}

// closeAfterFlush closes c once its send queue drains, so a just-enqueued
// close frame still reaches the peer.
func (s *TCPServer) closeAfterFlush(c *Conn, reason string) {
	c.sendMu.Lock()
	drained := !c.queuedLocked()
	if !drained {
		c.closeOnDrain = true
		c.closeReason = reason
	}
	c.sendMu.Unlock()

	if drained {
		s.closeConn(c.fd, reason)
	}
}

// closeConn removes fd from the multiplexer and the connection table, closes
// the socket, and notifies the application. Idempotent and callable from any
// goroutine; errors stay local to this connection.
func (s *TCPServer) closeConn(fd int, reason string) {
	s.mu.Lock()
	c := s.conns[fd]
	if c == nil {
		s.mu.Unlock()
		return
	}
	delete(s.conns, fd)
	s.mu.Unlock()

	c.closed.Store(true)
	_ = s.poller.Remove(fd)
	_ = unix.Close(fd)

	s.metrics.ConnectionsClosed.Inc()
	s.metrics.ActiveConnections.Dec()
	s.app.OnDisconnect(fd)
	if reason == "" {
		reason = "peer closed"
	}
	s.logger.Info("client disconnected", "fd", fd, "reason", reason)
}

// connCount reports live connections, used by the supervisor and tests.
func (s *TCPServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
