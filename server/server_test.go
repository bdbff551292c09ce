//go:build linux

package server

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/app"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/internal/concurrency"
	"github.com/sgly123/netbox/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer boots an engine on an ephemeral port.
func startServer(t *testing.T, application api.Application, mutateCfg func(*control.Config), mutateSrv func(*TCPServer)) *TCPServer {
	t.Helper()
	cfg := control.DefaultConfig()
	cfg.Network.Port = 0
	if mutateCfg != nil {
		mutateCfg(cfg)
	}
	exec := concurrency.NewExecutor(4, testLogger())
	t.Cleanup(exec.Close)

	srv := New(cfg, application, exec, nil, testLogger())
	if mutateSrv != nil {
		mutateSrv(srv)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialServer(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readExact reads exactly n bytes or fails.
func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestEchoEndToEnd(t *testing.T) {
	off := false
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), func(cfg *control.Config) {
		cfg.Engine.HeartbeatEnabled = &off
	}, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("hello netbox"))
	require.NoError(t, err)
	assert.Equal(t, "hello netbox", string(readExact(t, conn, len("hello netbox"))))
}

func heartbeatOff() *control.Config {
	cfg := control.DefaultConfig()
	off := false
	cfg.Engine.HeartbeatEnabled = &off
	return cfg
}

func wsAppConfig() *control.Config {
	cfg := control.DefaultConfig()
	off := false
	cfg.WebSocket.EnablePing = &off
	return cfg
}

func TestRespSetGetEndToEnd(t *testing.T) {
	srv := startServer(t, app.NewRedisApp(control.DefaultConfig(), nil), nil, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(readExact(t, conn, 5)))

	_, err = conn.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "$1\r\nv\r\n", string(readExact(t, conn, 7)))
}

func TestRespHeartbeatMagicTolerated(t *testing.T) {
	srv := startServer(t, app.NewRedisApp(control.DefaultConfig(), nil), nil, nil)
	conn := dialServer(t, srv)

	payload := append(append([]byte{}, protocol.HeartbeatMagic...), []byte("*1\r\n$4\r\nPING\r\n")...)
	_, err := conn.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", string(readExact(t, conn, 7)))
}

func TestRespPipelinedCommands(t *testing.T) {
	srv := startServer(t, app.NewRedisApp(control.DefaultConfig(), nil), nil, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n*2\r\n$3\r\nGET\r\n$1\r\na\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n$1\r\n1\r\n", string(readExact(t, conn, 12)))
}

func TestWebSocketEchoBroadcast(t *testing.T) {
	srv := startServer(t, app.NewWebSocketApp(wsAppConfig(), nil), nil, nil)

	url := "ws://" + srv.Addr() + "/"
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("Hello")))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.True(t, strings.HasPrefix(string(msg), "[client"), "message = %q", msg)
	assert.True(t, strings.HasSuffix(string(msg), "]: Hello"), "message = %q", msg)
}

func TestWebSocketBroadcastReachesOtherClients(t *testing.T) {
	srv := startServer(t, app.NewWebSocketApp(wsAppConfig(), nil), nil, nil)
	url := "ws://" + srv.Addr() + "/"

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer b.Close()

	// b joins the broadcast set by speaking first.
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("join")))
	_ = b.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(msg), "]: join"))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("Hello")))
	_, msg, err = b.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(msg), "]: Hello"), "b saw %q", msg)
}

func TestWebSocketInvalidUTF8ClosesWith1007(t *testing.T) {
	srv := startServer(t, app.NewWebSocketApp(wsAppConfig(), nil), nil, nil)
	conn := dialServer(t, srv)

	upgrade := "GET / HTTP/1.1\r\n" +
		"Host: netbox\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err := conn.Write([]byte(upgrade))
	require.NoError(t, err)

	// Read the 101 response through the blank line.
	var resp []byte
	buf := make([]byte, 1)
	for !bytes.HasSuffix(resp, []byte("\r\n\r\n")) {
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		resp = append(resp, buf[0])
	}
	assert.Contains(t, string(resp), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")

	// Masked TEXT frame decoding to the illegal sequence C3 28.
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	_, err = conn.Write(protocol.EncodeMaskedFrame(protocol.OpText, []byte{0xC3, 0x28}, key))
	require.NoError(t, err)

	// Expect a CLOSE frame carrying 1007, then EOF.
	var raw []byte
	chunk := make([]byte, 256)
	var frame *protocol.Frame
	for frame == nil {
		n, err := conn.Read(chunk)
		if n > 0 {
			raw = append(raw, chunk[:n]...)
			frame, _, err = protocol.DecodeFrame(raw)
			require.NoError(t, err)
			if frame != nil {
				break
			}
		}
		require.NoError(t, err)
	}
	assert.Equal(t, protocol.OpClose, frame.Opcode)
	require.GreaterOrEqual(t, len(frame.Payload), 2)
	code := uint16(frame.Payload[0])<<8 | uint16(frame.Payload[1])
	assert.Equal(t, uint16(1007), code)

	_, err = io.ReadAll(conn)
	assert.NoError(t, err, "connection should close cleanly after the close frame")
}

func TestUnrecognizedProtocolClosed(t *testing.T) {
	srv := startServer(t, app.NewWebSocketApp(wsAppConfig(), nil), nil, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("garbage bytes\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIdleConnectionEvicted(t *testing.T) {
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), func(cfg *control.Config) {
		off := false
		cfg.Engine.HeartbeatEnabled = &off
		cfg.Engine.IdleTimeoutSeconds = 1
	}, func(s *TCPServer) {
		s.kaInterval = 200 * time.Millisecond
	})
	conn := dialServer(t, srv)

	start := time.Now()
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "idle connection not evicted")
	assert.Greater(t, time.Since(start), 900*time.Millisecond, "evicted before the idle timeout")
}

func TestHeartbeatEmittedToEchoClients(t *testing.T) {
	srv := startServer(t, app.NewEchoApp(control.DefaultConfig(), nil), func(cfg *control.Config) {
		cfg.Engine.IdleTimeoutSeconds = 60
	}, func(s *TCPServer) {
		s.kaInterval = 100 * time.Millisecond
	})
	conn := dialServer(t, srv)

	got := readExact(t, conn, 4)
	assert.Equal(t, []byte(protocol.HeartbeatMagic), got)
}

func TestStopClosesEverything(t *testing.T) {
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), nil, nil)
	conn := dialServer(t, srv)

	require.NoError(t, srv.Stop())

	buf := make([]byte, 8)
	_, err := conn.Read(buf)
	assert.Error(t, err)

	assert.Equal(t, ErrNotRunning, srv.Stop())
	assert.Equal(t, 0, srv.connCount())
}

func TestSendToUnknownFd(t *testing.T) {
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), nil, nil)
	assert.Equal(t, ErrConnClosed, srv.Send(424242, []byte("x")))
}

func TestStartTwice(t *testing.T) {
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), nil, nil)
	assert.Equal(t, ErrAlreadyRunning, srv.Start())
}

func TestPollVariantServesTraffic(t *testing.T) {
	off := false
	srv := startServer(t, app.NewEchoApp(heartbeatOff(), nil), func(cfg *control.Config) {
		cfg.Engine.HeartbeatEnabled = &off
		cfg.Network.IOType = "poll"
	}, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("via poll"))
	require.NoError(t, err)
	assert.Equal(t, "via poll", string(readExact(t, conn, 8)))
}

// ---- backpressure unit test over the syscall seam ----

type fakePoller struct {
	mu   sync.Mutex
	mods map[int]api.EventMask
}

func newFakePoller() *fakePoller {
	return &fakePoller{mods: make(map[int]api.EventMask)}
}

func (f *fakePoller) Open() error { return nil }
func (f *fakePoller) Add(fd int, mask api.EventMask) error {
	return f.Modify(fd, mask)
}
func (f *fakePoller) Modify(fd int, mask api.EventMask) error {
	f.mu.Lock()
	f.mods[fd] = mask
	f.mu.Unlock()
	return nil
}
func (f *fakePoller) Remove(fd int) error { return nil }
func (f *fakePoller) Wait(events []api.Event, timeoutMs int) (int, error) {
	return 0, nil
}
func (f *fakePoller) Close() error { return nil }

func (f *fakePoller) mask(fd int) api.EventMask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mods[fd]
}

type stubApp struct{}

func (stubApp) Name() string                      { return "stub" }
func (stubApp) Protocols() []api.ProtocolFactory  { return nil }
func (stubApp) Bind(api.Sender)                   {}
func (stubApp) OnConnect(fd int)                  {}
func (stubApp) OnMessage(fd int, msg []byte)      {}
func (stubApp) OnDisconnect(fd int)               {}
func (stubApp) HeartbeatEnabled() bool            { return false }

func TestPartialSendBackpressure(t *testing.T) {
	srv := New(control.DefaultConfig(), stubApp{}, nil, nil, testLogger())
	poller := newFakePoller()
	srv.poller = poller

	c := newConn(99, "test-peer")
	srv.conns[99] = c

	var wrote []byte
	calls := 0
	srv.writeFn = func(fd int, p []byte) (int, error) {
		calls++
		if calls == 1 {
			// Kernel accepts only 3 of the 10 bytes.
			wrote = append(wrote, p[:3]...)
			return 3, nil
		}
		return 0, unix.EAGAIN
	}

	frame := []byte("0123456789")
	require.NoError(t, srv.Send(99, frame))

	c.sendMu.Lock()
	pendingLen := len(c.partial)
	writeInterest := c.writeInterest
	c.sendMu.Unlock()
	assert.Equal(t, 7, pendingLen, "remaining bytes stay at the queue head")
	assert.True(t, writeInterest)
	assert.Equal(t, api.EventRead|api.EventWrite, poller.mask(99))

	// Next WRITE-ready event: the kernel drains everything.
	srv.writeFn = func(fd int, p []byte) (int, error) {
		wrote = append(wrote, p...)
		return len(p), nil
	}
	srv.handleWrite(99)

	assert.Equal(t, "0123456789", string(wrote), "frame is contiguous on the wire")
	c.sendMu.Lock()
	writeInterest = c.writeInterest
	drained := !c.queuedLocked()
	c.sendMu.Unlock()
	assert.True(t, drained)
	assert.False(t, writeInterest, "WRITE interest cleared once drained")
	assert.Equal(t, api.EventRead, poller.mask(99))
}

func TestFrameAtomicUnderConcurrentSends(t *testing.T) {
	srv := New(control.DefaultConfig(), stubApp{}, nil, nil, testLogger())
	srv.poller = newFakePoller()

	c := newConn(7, "test-peer")
	srv.conns[7] = c

	var mu sync.Mutex
	var wire []byte
	srv.writeFn = func(fd int, p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		// Accept at most 5 bytes per call to force interleaving pressure.
		n := len(p)
		if n > 5 {
			n = 5
		}
		wire = append(wire, p[:n]...)
		return n, nil
	}

	frames := []string{"AAAAAAAAAAAA", "BBBBBBBBBBBB", "CCCCCCCCCCCC"}
	var wg sync.WaitGroup
	for _, f := range frames {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_ = srv.Send(7, []byte(f))
		}(f)
	}
	wg.Wait()
	srv.handleWrite(7)

	got := string(wire)
	for _, f := range frames {
		assert.Contains(t, got, f, "frame interleaved on the wire: %q", got)
	}
}
