// Package reactor provides the readiness multiplexer variants behind the
// api.Poller interface: select(2), poll(2), and epoll(7), all level
// triggered. The variants are observationally equivalent; the engine picks
// one by configuration (network.io_type) and treats them identically.
package reactor
