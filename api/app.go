// File: api/app.go
// Application surface: what the engine calls up into, and what applications
// may call back down through.

package api

// Sender is the engine capability handed to an application at start. Send
// enqueues one logical frame on the connection's send queue under its send
// lock; the frame reaches the wire contiguously. Both methods are safe from
// any goroutine.
type Sender interface {
	Send(fd int, frame []byte) error
	CloseConn(fd int)
}

// Application is one server personality (websocket chat, redis, echo)
// selected by the registry at startup.
type Application interface {
	Name() string

	// Protocols lists the wire protocols this application accepts. The
	// router sniffs the first bytes of each connection against these, in
	// order, and instantiates the first match.
	Protocols() []ProtocolFactory

	// Bind hands the application its engine surface before the engine
	// starts accepting.
	Bind(s Sender)

	OnConnect(fd int)

	// OnMessage receives one decoded inbound message. Runs on a worker
	// goroutine; per-fd ordering is preserved.
	OnMessage(fd int, msg []byte)

	OnDisconnect(fd int)

	// HeartbeatEnabled reports whether the engine-level magic-byte
	// keepalive may be emitted on this application's connections. Framed
	// protocols own their keepalive and return false.
	HeartbeatEnabled() bool
}
