// File: app/registry.go
// Startup-time directory of application constructors. The registry is built
// explicitly in main and handed to whoever needs it; there is no package
// level singleton and no init-time magic, so initialization order is plain:
// registry first, then engine.

package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/control"
)

// ErrUnknownApplication is returned by Create for an unregistered type name.
var ErrUnknownApplication = errors.New("unknown application type")

// Constructor builds one application from configuration.
type Constructor func(cfg *control.Config, logger *slog.Logger) (api.Application, error)

// Registry maps application type names to constructors.
type Registry struct {
	mu    sync.Mutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds name to ctor. Re-registering a name overwrites the previous
// constructor.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" {
		return errors.New("application name must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("nil constructor for application %q", name)
	}
	r.mu.Lock()
	r.ctors[name] = ctor
	r.mu.Unlock()
	return nil
}

// Create instantiates the application registered under name.
func (r *Registry) Create(name string, cfg *control.Config, logger *slog.Logger) (api.Application, error) {
	r.mu.Lock()
	ctor, ok := r.ctors[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApplication, name)
	}
	return ctor(cfg, logger)
}

// Names lists the registered application types, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// RegisterBuiltins installs the bundled applications.
func RegisterBuiltins(r *Registry) {
	_ = r.Register("websocket", func(cfg *control.Config, logger *slog.Logger) (api.Application, error) {
		return NewWebSocketApp(cfg, logger), nil
	})
	_ = r.Register("redis", func(cfg *control.Config, logger *slog.Logger) (api.Application, error) {
		return NewRedisApp(cfg, logger), nil
	})
	_ = r.Register("echo", func(cfg *control.Config, logger *slog.Logger) (api.Application, error) {
		return NewEchoApp(cfg, logger), nil
	})
}
