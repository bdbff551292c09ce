// Package api defines the contracts shared by the netbox components:
// the readiness poller, the per-connection protocol interface, the worker
// executor, and the application surface. Implementations live in their own
// packages (reactor, protocol, server, app); api holds only types, so every
// component depends inward on this package and never on a sibling.
package api
