//go:build linux

// File: reactor/poll_linux.go
// Level-triggered poll(2) poller backed by a dynamic pollfd array. poll has
// no registration handle, so interest lives in a mutex-guarded map and the
// pollfd array is rebuilt per Wait; mutations from other threads take effect
// on the next tick, which the 100 ms reactor timeout bounds.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sgly123/netbox/api"
)

type pollPoller struct {
	mu       sync.Mutex
	interest map[int]api.EventMask
}

func newPollPoller() api.Poller {
	return &pollPoller{}
}

func (p *pollPoller) Open() error {
	p.mu.Lock()
	p.interest = make(map[int]api.EventMask)
	p.mu.Unlock()
	return nil
}

func (p *pollPoller) Add(fd int, mask api.EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("poll add: fd %d already registered", fd)
	}
	p.interest[fd] = mask
	return nil
}

func (p *pollPoller) Modify(fd int, mask api.EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("poll mod: fd %d not registered", fd)
	}
	p.interest[fd] = mask
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("poll del: fd %d not registered", fd)
	}
	delete(p.interest, fd)
	return nil
}

func (p *pollPoller) Wait(events []api.Event, timeoutMs int) (int, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.interest))
	for fd, mask := range p.interest {
		var ev int16
		if mask&api.EventRead != 0 {
			ev |= unix.POLLIN
		}
		if mask&api.EventWrite != 0 {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		// Nothing registered; still honour the timeout so the reactor
		// keeps its tick cadence.
		_ = unix.Nanosleep(&unix.Timespec{Nsec: int64(timeoutMs) * 1e6}, nil)
		return 0, nil
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	out := 0
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		if out >= len(events) {
			break
		}
		var mask api.EventMask
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			mask |= api.EventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			mask |= api.EventWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			mask |= api.EventError
		}
		events[out] = api.Event{FD: int(pfd.Fd), Events: mask}
		out++
	}
	return out, nil
}

func (p *pollPoller) Close() error {
	p.mu.Lock()
	p.interest = nil
	p.mu.Unlock()
	return nil
}
