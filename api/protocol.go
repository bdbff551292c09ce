// File: api/protocol.go
// Per-connection protocol contract.
//
// Protocol instances carry decoding state for exactly one connection and
// report what happened through an Outcome value. They hold no reference back
// into the engine: the engine reads the Outcome and acts on it, which keeps
// the dependency graph acyclic.

package api

// Outcome is a protocol instance's report after being fed inbound bytes.
type Outcome struct {
	// Consumed is the length of the input prefix the instance consumed.
	// Bytes past Consumed stay in the connection's receive buffer and are
	// re-delivered on the next feed. A restartable parser that lacks a full
	// header or payload consumes nothing and reports 0.
	Consumed int

	// Messages are decoded application payloads, delivered in order to the
	// application callback.
	Messages [][]byte

	// Control carries raw outbound frames (handshake response, PONG, CLOSE,
	// RESP replies) that bypass the application and go straight to the
	// engine's send path. Each element is one logical frame.
	Control [][]byte

	// Close requests that the connection be closed once Control has been
	// handed to the send queue.
	Close bool

	// CloseReason is a human-readable reason logged on Close.
	CloseReason string
}

// Protocol consumes a connection's inbound byte stream. Instances are never
// shared across connections; the engine delivers bytes to an instance from
// one worker task at a time, so implementations need no internal locking.
type Protocol interface {
	Name() string
	Feed(data []byte) Outcome
}

// CloseFramer is implemented by protocols that can produce a farewell frame
// for the keepalive supervisor to enqueue before evicting an idle peer.
type CloseFramer interface {
	CloseFrame() []byte
}

// SniffResult is a protocol detector's verdict on the first bytes of a
// connection.
type SniffResult int

const (
	// SniffReject: these bytes can never belong to this protocol.
	SniffReject SniffResult = iota
	// SniffMatch: the protocol claims the connection.
	SniffMatch
	// SniffMore: undecidable yet, wait for more bytes.
	SniffMore
)

// ProtocolFactory binds a wire detector to a constructor for fresh
// per-connection instances.
type ProtocolFactory struct {
	Name  string
	Sniff func(b []byte) SniffResult
	New   func() Protocol
}
