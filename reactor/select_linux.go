//go:build linux

// File: reactor/select_linux.go
// Level-triggered select(2) poller. Descriptors must stay below the FD_SETSIZE
// limit of 1024; Add rejects anything larger so the engine fails loudly
// instead of corrupting the fd sets.

package reactor

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sgly123/netbox/api"
)

// ErrFdTooLarge is returned when an fd does not fit in an fd_set.
var ErrFdTooLarge = errors.New("select: fd exceeds FD_SETSIZE")

const fdSetSize = 1024

type selectPoller struct {
	mu       sync.Mutex
	interest map[int]api.EventMask
}

func newSelectPoller() api.Poller {
	return &selectPoller{}
}

func (p *selectPoller) Open() error {
	p.mu.Lock()
	p.interest = make(map[int]api.EventMask)
	p.mu.Unlock()
	return nil
}

func (p *selectPoller) Add(fd int, mask api.EventMask) error {
	if fd >= fdSetSize {
		return ErrFdTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; ok {
		return fmt.Errorf("select add: fd %d already registered", fd)
	}
	p.interest[fd] = mask
	return nil
}

func (p *selectPoller) Modify(fd int, mask api.EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("select mod: fd %d not registered", fd)
	}
	p.interest[fd] = mask
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("select del: fd %d not registered", fd)
	}
	delete(p.interest, fd)
	return nil
}

func (p *selectPoller) Wait(events []api.Event, timeoutMs int) (int, error) {
	var rset, wset, eset unix.FdSet
	maxfd := -1

	p.mu.Lock()
	fds := make([]int, 0, len(p.interest))
	masks := make([]api.EventMask, 0, len(p.interest))
	for fd, mask := range p.interest {
		fds = append(fds, fd)
		masks = append(masks, mask)
	}
	p.mu.Unlock()

	for i, fd := range fds {
		if masks[i]&api.EventRead != 0 {
			rset.Set(fd)
		}
		if masks[i]&api.EventWrite != 0 {
			wset.Set(fd)
		}
		eset.Set(fd)
		if fd > maxfd {
			maxfd = fd
		}
	}

	tv := unix.NsecToTimeval(int64(timeoutMs) * 1e6)
	n, err := unix.Select(maxfd+1, &rset, &wset, &eset, &tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	out := 0
	for _, fd := range fds {
		var mask api.EventMask
		if rset.IsSet(fd) {
			mask |= api.EventRead
		}
		if wset.IsSet(fd) {
			mask |= api.EventWrite
		}
		if eset.IsSet(fd) {
			mask |= api.EventError
		}
		if mask == 0 {
			continue
		}
		if out >= len(events) {
			break
		}
		events[out] = api.Event{FD: fd, Events: mask}
		out++
	}
	return out, nil
}

func (p *selectPoller) Close() error {
	p.mu.Lock()
	p.interest = nil
	p.mu.Unlock()
	return nil
}
