// File: protocol/router.go
// The router picks a protocol for a connection's first bytes and forwards
// subsequent bytes to the chosen instance. It keeps no per-connection state
// of its own: the engine stores the instance on the connection record and
// passes it back in, which keeps all per-fd state in one place.

package protocol

import "github.com/sgly123/netbox/api"

// Router dispatches inbound bytes to per-connection protocol instances.
type Router struct {
	factories []api.ProtocolFactory
}

// NewRouter builds a router over the application's protocol factories,
// sniffed in order.
func NewRouter(factories []api.ProtocolFactory) *Router {
	return &Router{factories: factories}
}

// Dispatch feeds buf to inst. When inst is nil the router sniffs buf against
// its factories: the first match is instantiated and fed; if every factory
// rejects, the outcome closes the connection; if any factory needs more
// bytes, nothing is consumed and the caller retries on the next read.
func (r *Router) Dispatch(inst api.Protocol, buf []byte) (api.Protocol, api.Outcome) {
	if inst != nil {
		return inst, inst.Feed(buf)
	}

	undecided := false
	for _, f := range r.factories {
		switch f.Sniff(buf) {
		case api.SniffMatch:
			inst = f.New()
			return inst, inst.Feed(buf)
		case api.SniffMore:
			undecided = true
		}
	}
	if undecided {
		return nil, api.Outcome{}
	}
	return nil, api.Outcome{
		Consumed:    len(buf),
		Close:       true,
		CloseReason: "unrecognized protocol",
	}
}
