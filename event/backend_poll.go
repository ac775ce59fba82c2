//go:build !linux && !darwin && !freebsd && !openbsd && !dragonfly && !windows

// File: event/backend_poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable poll(2) fallback backend for platforms without epoll or kqueue.

package event

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

type pollBackend struct {
	fds []unix.PollFd
}

func newBackend() (backend, error) {
	return &pollBackend{}, nil
}

func pollMask(events int) int16 {
	var mask int16
	if events&api.EventRead != 0 {
		mask |= unix.POLLIN
	}
	if events&api.EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	return mask
}

func (b *pollBackend) find(fd int) int {
	for i := range b.fds {
		if int(b.fds[i].Fd) == fd {
			return i
		}
	}
	return -1
}

func (b *pollBackend) setEvents(fd, old, events int) {
	idx := b.find(fd)
	if events == 0 {
		if idx >= 0 {
			b.fds = append(b.fds[:idx], b.fds[idx+1:]...)
		}
		return
	}
	if idx < 0 {
		b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: pollMask(events)})
		return
	}
	b.fds[idx].Events = pollMask(events)
}

func (b *pollBackend) removeFd(fd, watched int) {
	b.setEvents(fd, watched, 0)
}

func (b *pollBackend) poll(timeoutMs int, ready []readyEvent) (int, error) {
	n, err := unix.Poll(b.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n < 1 {
		return 0, nil
	}

	count := 0
	for i := range b.fds {
		if count >= len(ready) {
			break
		}
		re := b.fds[i].Revents
		if re == 0 {
			continue
		}

		var events int
		if re&unix.POLLIN != 0 {
			events |= api.EventRead
		}
		if re&unix.POLLOUT != 0 {
			events |= api.EventWrite
		}

		ready[count] = readyEvent{
			fd:     int(b.fds[i].Fd),
			events: events,
			hangup: re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		}
		count++
	}
	return count, nil
}

func (b *pollBackend) close() {}
