// Package protocol implements the per-connection wire protocols: the
// RFC 6455 WebSocket subset (handshake, framing, masking, control frames),
// the RESP array-form request/response engine, and the raw echo passthrough.
// Every protocol instance belongs to exactly one connection and reports its
// work through api.Outcome values; the router sniffs the first bytes of a
// connection to decide which protocol to instantiate.
package protocol
