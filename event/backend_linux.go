//go:build linux

// File: event/backend_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll backend.

package event

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.NewError("epoll_create1", api.SyscallError, errnoOf(err), "")
	}
	return &epollBackend{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxPollEvents),
	}, nil
}

func epollMask(events int) uint32 {
	var mask uint32
	if events&api.EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&api.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (b *epollBackend) setEvents(fd, old, events int) {
	if events == 0 {
		if old == 0 {
			return
		}
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	if old == events {
		return
	}

	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if old == 0 {
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	} else {
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (b *epollBackend) removeFd(fd, watched int) {
	if watched != 0 {
		// Failure here is normal if something closed the fd already.
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

func (b *epollBackend) poll(timeoutMs int, ready []readyEvent) (int, error) {
	n, err := unix.EpollWait(b.epfd, b.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := &b.events[i]

		var events int
		if ev.Events&unix.EPOLLIN != 0 {
			events |= api.EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			events |= api.EventWrite
		}

		ready[i] = readyEvent{
			fd:     int(ev.Fd),
			events: events,
			hangup: ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	return n, nil
}

func (b *epollBackend) close() {
	if b.epfd >= 0 {
		_ = unix.Close(b.epfd)
		b.epfd = -1
	}
}
