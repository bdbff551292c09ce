//go:build linux

// File: reactor/epoll_linux.go
// Level-triggered epoll(7) poller, observationally equivalent to the select
// and poll variants: readiness is re-reported until consumed, which the
// engine's capped accept batch relies on. Mutations are safe concurrently
// with Wait; epoll_ctl and epoll_wait may race freely on the same epfd.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sgly123/netbox/api"
)

type epollPoller struct {
	epfd int
}

func newEpollPoller() api.Poller {
	return &epollPoller{epfd: -1}
}

func (p *epollPoller) Open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll create: %w", err)
	}
	p.epfd = epfd
	return nil
}

func epollEvents(mask api.EventMask) uint32 {
	var ev uint32
	if mask&api.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&api.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Add(fd int, mask api.EventMask) error {
	ev := unix.EpollEvent{Events: epollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, mask api.EventMask) error {
	ev := unix.EpollEvent{Events: epollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) Wait(events []api.Event, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		var mask api.EventMask
		if raw[i].Events&unix.EPOLLIN != 0 {
			mask |= api.EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			mask |= api.EventWrite
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= api.EventError
		}
		events[i] = api.Event{FD: int(raw[i].Fd), Events: mask}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	return unix.Close(p.epfd)
}
