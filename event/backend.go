// File: event/backend.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness backend contract. Each platform backend translates the api
// event bits to its native representation internally.

package event

import (
	"golang.org/x/sys/unix"
)

// maxPollEvents bounds how many readiness results one poll call returns.
const maxPollEvents = 64

// readyEvent is one readiness result in backend-returned order.
type readyEvent struct {
	fd     int
	events int
	// hangup is set on an error/hangup condition; the loop normalizes it
	// to read or write depending on what the handler watched.
	hangup bool
}

// errnoOf extracts the kernel errno from a syscall error, if any.
func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return 0
}

// backend is the platform readiness dispatcher under a Loop.
type backend interface {
	// setEvents transitions fd's watched event mask from old to events.
	setEvents(fd, old, events int)
	// removeFd forgets fd; watched is its currently armed mask.
	removeFd(fd, watched int)
	// poll blocks for up to timeoutMs (-1 = indefinitely) and fills ready.
	poll(timeoutMs int, ready []readyEvent) (int, error)
	close()
}
