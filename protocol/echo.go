// File: protocol/echo.go
// Raw passthrough protocol for the legacy echo application. No framing: every
// read chunk is one message. Tolerates the engine keepalive magic by
// stripping it anywhere a chunk starts with it.

package protocol

import "github.com/sgly123/netbox/api"

// Echo implements api.Protocol as an identity codec.
type Echo struct{}

// NewEcho returns a fresh echo instance.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Feed(data []byte) api.Outcome {
	out := api.Outcome{Consumed: len(data)}
	n := skipNoise(data)
	if n < len(data) {
		msg := make([]byte, len(data)-n)
		copy(msg, data[n:])
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// SniffEcho accepts anything; echo applications register it as the only
// factory, so sniffing never rejects a connection.
func SniffEcho(b []byte) api.SniffResult { return api.SniffMatch }
