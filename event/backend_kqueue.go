//go:build darwin || freebsd || openbsd || dragonfly

// File: event/backend_kqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BSD/macOS kqueue backend. Read and write interest map to separate
// EVFILT_READ/EVFILT_WRITE registrations.

package event

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

type kqueueBackend struct {
	kqfd   int
	events []unix.Kevent_t
}

func newBackend() (backend, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, api.NewError("kqueue", api.SyscallError, errnoOf(err), "")
	}
	_ = unix.CloseOnExec(kqfd)
	return &kqueueBackend{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, maxPollEvents),
	}, nil
}

func (b *kqueueBackend) change(fd int, filter int16, add bool) {
	flags := uint16(unix.EV_DELETE)
	if add {
		flags = unix.EV_ADD | unix.EV_ENABLE
	}
	kev := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}}
	_, _ = unix.Kevent(b.kqfd, kev, nil, nil)
}

func (b *kqueueBackend) setEvents(fd, old, events int) {
	if (events^old)&api.EventRead != 0 {
		b.change(fd, unix.EVFILT_READ, events&api.EventRead != 0)
	}
	if (events^old)&api.EventWrite != 0 {
		b.change(fd, unix.EVFILT_WRITE, events&api.EventWrite != 0)
	}
}

func (b *kqueueBackend) removeFd(fd, watched int) {
	b.setEvents(fd, watched, 0)
}

func (b *kqueueBackend) poll(timeoutMs int, ready []readyEvent) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(b.kqfd, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := int(ev.Ident)

		var events int
		switch ev.Filter {
		case unix.EVFILT_READ:
			events = api.EventRead
		case unix.EVFILT_WRITE:
			events = api.EventWrite
		default:
			continue
		}

		// Coalesce the two filters of one fd into a single result when
		// they arrive adjacent, matching the epoll-shaped contract.
		if count > 0 && ready[count-1].fd == fd {
			ready[count-1].events |= events
			ready[count-1].hangup = ready[count-1].hangup || ev.Flags&unix.EV_EOF != 0
			continue
		}

		ready[count] = readyEvent{
			fd:     fd,
			events: events,
			hangup: ev.Flags&unix.EV_EOF != 0,
		}
		count++
	}
	return count, nil
}

func (b *kqueueBackend) close() {
	if b.kqfd >= 0 {
		_ = unix.Close(b.kqfd)
		b.kqfd = -1
	}
}
