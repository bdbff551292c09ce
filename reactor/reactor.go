//go:build linux

// File: reactor/reactor.go
// Poller factory keyed by the network.io_type configuration value.

package reactor

import (
	"fmt"

	"github.com/sgly123/netbox/api"
)

// IO multiplexer type names accepted by New.
const (
	TypeSelect = "select"
	TypePoll   = "poll"
	TypeEpoll  = "epoll"
)

// New constructs an unopened poller of the requested variant.
func New(ioType string) (api.Poller, error) {
	switch ioType {
	case TypeSelect:
		return newSelectPoller(), nil
	case TypePoll:
		return newPollPoller(), nil
	case TypeEpoll, "":
		return newEpollPoller(), nil
	default:
		return nil, fmt.Errorf("unknown io_type %q", ioType)
	}
}
