//go:build linux

// File: server/conn.go
// The per-connection record. Everything that used to live in parallel maps
// (clients, protocol instances, send mutexes, last-active stamps) is collapsed
// into this one struct keyed by fd; the hot send path touches only the
// connection's own lock.

package server

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/sgly123/netbox/api"
)

// Conn is the engine's state for one accepted socket.
type Conn struct {
	fd   int
	peer string

	// Inbound. The reactor appends under inMu; at most one worker task per
	// connection drains, so protocol instances never see concurrent feeds.
	inMu  sync.Mutex
	in    []byte
	busy  bool // a worker task is in flight for this fd
	proto api.Protocol

	// Outbound. sendMu is the per-connection send lock: one acquisition
	// covers the enqueue of a whole logical frame plus the best-effort
	// drain, which is what makes frames contiguous on the wire.
	sendMu        sync.Mutex
	sendQ         *queue.Queue // of []byte chunks
	partial       []byte       // unwritten tail of the dequeued head chunk
	writeInterest bool
	closeOnDrain  bool
	closeReason   string

	lastActive atomic.Int64 // unix nanos, updated on successful reads only
	closed     atomic.Bool
}

func newConn(fd int, peer string) *Conn {
	c := &Conn{
		fd:    fd,
		peer:  peer,
		sendQ: queue.New(),
	}
	return c
}

// queuedLocked reports whether unwritten bytes remain. Callers hold sendMu.
func (c *Conn) queuedLocked() bool {
	return len(c.partial) > 0 || c.sendQ.Length() > 0
}
