// File: protocol/websocket.go
// Per-connection WebSocket state machine: CONNECTING → OPEN → CLOSED. The
// CLOSING state is declared, and fed like OPEN, but no transition enters it:
// every close goes from OPEN straight to CLOSED. One instance per connection;
// sharing an instance across connections corrupts masking and fragmentation
// state and is forbidden.

package protocol

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/sgly123/netbox/api"
)

// WSState is the connection phase of a WebSocket instance.
type WSState int

const (
	StateConnecting WSState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Close status codes used by the engine (RFC 6455 §7.4.1).
const (
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseInvalidPayload  = 1007
	CloseMessageTooBig   = 1009
)

// WebSocket implements api.Protocol for one connection.
type WebSocket struct {
	state WSState

	// fragmented message assembly
	fragOpcode byte
	fragBuf    []byte
	fragActive bool
}

// NewWebSocket returns a fresh instance in CONNECTING state.
func NewWebSocket() *WebSocket {
	return &WebSocket{state: StateConnecting}
}

func (ws *WebSocket) Name() string { return "websocket" }

// State exposes the current phase, mainly for tests.
func (ws *WebSocket) State() WSState { return ws.state }

// CloseFrame lets the keepalive supervisor say goodbye before eviction.
func (ws *WebSocket) CloseFrame() []byte {
	return EncodeCloseFrame(CloseGoingAway, "idle timeout")
}

func (ws *WebSocket) Feed(data []byte) api.Outcome {
	switch ws.state {
	case StateConnecting:
		return ws.feedHandshake(data)
	case StateOpen, StateClosing:
		return ws.feedFrames(data)
	default:
		// CLOSED swallows everything.
		return api.Outcome{Consumed: len(data)}
	}
}

func (ws *WebSocket) feedHandshake(data []byte) api.Outcome {
	n, ok := hasCompleteHandshake(data)
	if !ok {
		if len(data) > MaxHandshakeSize {
			ws.state = StateClosed
			return api.Outcome{
				Consumed:    len(data),
				Close:       true,
				CloseReason: "handshake headers too large",
			}
		}
		// Wait for the rest; a handshake split across reads completes later.
		return api.Outcome{}
	}

	key, err := parseHandshake(data[:n])
	if err != nil {
		ws.state = StateClosed
		return api.Outcome{
			Consumed:    len(data),
			Close:       true,
			CloseReason: fmt.Sprintf("handshake failed: %v", err),
		}
	}

	ws.state = StateOpen
	out := api.Outcome{
		Consumed: n,
		Control:  [][]byte{handshakeResponse(key)},
	}
	// Frames may ride in the same read as the handshake tail.
	if n < len(data) {
		rest := ws.feedFrames(data[n:])
		out.Consumed += rest.Consumed
		out.Messages = append(out.Messages, rest.Messages...)
		out.Control = append(out.Control, rest.Control...)
		out.Close = rest.Close
		out.CloseReason = rest.CloseReason
	}
	return out
}

func (ws *WebSocket) feedFrames(data []byte) api.Outcome {
	var out api.Outcome
	for out.Consumed < len(data) {
		frame, n, err := DecodeFrame(data[out.Consumed:])
		if err != nil {
			ws.state = StateClosed
			out.Control = append(out.Control, EncodeCloseFrame(CloseMessageTooBig, "frame too large"))
			out.Consumed = len(data)
			out.Close = true
			out.CloseReason = err.Error()
			return out
		}
		if frame == nil {
			break
		}
		out.Consumed += n
		if done := ws.handleFrame(frame, &out); done {
			return out
		}
	}
	return out
}

// handleFrame applies one decoded frame to the state machine. Returns true
// when the connection is finished and no further frames should be parsed.
func (ws *WebSocket) handleFrame(frame *Frame, out *api.Outcome) bool {
	// Client-to-server frames MUST be masked.
	if !frame.Masked {
		ws.state = StateClosed
		out.Control = append(out.Control, EncodeCloseFrame(CloseProtocolError, "unmasked client frame"))
		out.Close = true
		out.CloseReason = "unmasked client frame"
		return true
	}

	switch frame.Opcode {
	case OpText, OpBinary:
		if !frame.Final {
			ws.fragActive = true
			ws.fragOpcode = frame.Opcode
			ws.fragBuf = append(ws.fragBuf[:0], frame.Payload...)
			return false
		}
		return ws.deliver(frame.Opcode, frame.Payload, out)

	case OpContinuation:
		if !ws.fragActive {
			ws.state = StateClosed
			out.Control = append(out.Control, EncodeCloseFrame(CloseProtocolError, "continuation without start"))
			out.Close = true
			out.CloseReason = "continuation without start"
			return true
		}
		ws.fragBuf = append(ws.fragBuf, frame.Payload...)
		if !frame.Final {
			return false
		}
		msg := make([]byte, len(ws.fragBuf))
		copy(msg, ws.fragBuf)
		ws.fragActive = false
		ws.fragBuf = ws.fragBuf[:0]
		return ws.deliver(ws.fragOpcode, msg, out)

	case OpPing:
		// PONG echoes the PING payload and bypasses the worker pool.
		out.Control = append(out.Control, EncodeFrame(OpPong, frame.Payload, true))
		return false

	case OpPong:
		return false

	case OpClose:
		ws.state = StateClosed
		code := uint16(1000)
		if len(frame.Payload) >= 2 {
			code = uint16(frame.Payload[0])<<8 | uint16(frame.Payload[1])
		}
		out.Control = append(out.Control, EncodeCloseFrame(code, ""))
		out.Close = true
		out.CloseReason = "close frame received"
		return true

	default:
		ws.state = StateClosed
		out.Control = append(out.Control, EncodeCloseFrame(CloseUnsupportedData, "unknown frame type"))
		out.Close = true
		out.CloseReason = fmt.Sprintf("unknown opcode 0x%X", frame.Opcode)
		return true
	}
}

// deliver validates and queues one complete message. TEXT payloads must be
// strict UTF-8 after unmasking; violations close with 1007.
func (ws *WebSocket) deliver(opcode byte, payload []byte, out *api.Outcome) bool {
	if opcode == OpText && !utf8.Valid(payload) {
		ws.state = StateClosed
		out.Control = append(out.Control, EncodeCloseFrame(CloseInvalidPayload, "invalid UTF-8 in TEXT frame"))
		out.Close = true
		out.CloseReason = "invalid UTF-8 in TEXT frame"
		return true
	}
	out.Messages = append(out.Messages, payload)
	return false
}

// TextFrame frames an outbound TEXT message, refusing invalid UTF-8.
func TextFrame(payload []byte) ([]byte, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("refusing to frame invalid UTF-8 text")
	}
	return EncodeFrame(OpText, payload, true), nil
}

// BinaryFrame frames an outbound BINARY message.
func BinaryFrame(payload []byte) []byte {
	return EncodeFrame(OpBinary, payload, true)
}

// PingFrame frames an outbound PING with the given payload.
func PingFrame(payload []byte) []byte {
	return EncodeFrame(OpPing, payload, true)
}

// SniffWebSocket detects an upgrade request from the first bytes: a GET
// request line plus an Upgrade: websocket header. Undecidable until the
// header block is complete.
func SniffWebSocket(b []byte) api.SniffResult {
	prefix := []byte("GET ")
	if len(b) < len(prefix) {
		if bytes.HasPrefix(prefix, b) {
			return api.SniffMore
		}
		return api.SniffReject
	}
	if !bytes.HasPrefix(b, prefix) {
		return api.SniffReject
	}
	if _, ok := hasCompleteHandshake(b); !ok {
		if len(b) > MaxHandshakeSize {
			return api.SniffReject
		}
		return api.SniffMore
	}
	upgrade := headerValue(b, "Upgrade")
	if !bytes.Contains(bytes.ToLower([]byte(upgrade)), []byte("websocket")) {
		return api.SniffReject
	}
	return api.SniffMatch
}
