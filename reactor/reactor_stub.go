//go:build !linux

// File: reactor/reactor_stub.go
// Non-Linux stub so the tree compiles on development machines; the server
// itself requires Linux readiness primitives.

package reactor

import (
	"errors"

	"github.com/sgly123/netbox/api"
)

// ErrUnsupportedPlatform is returned on platforms without select/poll/epoll.
var ErrUnsupportedPlatform = errors.New("reactor: unsupported platform")

// New always fails off Linux.
func New(ioType string) (api.Poller, error) {
	return nil, ErrUnsupportedPlatform
}
