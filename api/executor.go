// File: api/executor.go

package api

import "errors"

// ErrExecutorClosed is returned by Submit after the executor shut down.
var ErrExecutorClosed = errors.New("executor closed")

// Executor runs CPU-bound or potentially blocking work off the reactor
// thread. The engine guarantees per-connection ordering itself by never
// having more than one task in flight per fd; the executor only promises
// that a submitted task eventually runs and that a panic inside a task does
// not take a worker down.
type Executor interface {
	Submit(task func()) error
	Close()
}
