// File: sys/currenttime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Monotonic clock source. The event loop refreshes it after each poll (and
// the timer wheel again before running timers), so callbacks read a cached
// "now" without extra syscalls.

package sys

import (
	"golang.org/x/sys/unix"
)

// Clock provides the current monotonic time. The token bucket takes its time
// from a Clock so tests can drive it manually.
type Clock interface {
	Now() Time
}

// CurrentTime caches the most recent monotonic reading.
// Not safe for concurrent use; each event loop owns its own instance.
type CurrentTime struct {
	cur Time
}

// NewCurrentTime creates a clock and performs the initial reading.
func NewCurrentTime() *CurrentTime {
	c := &CurrentTime{}
	c.Update()
	return c
}

// Update refreshes the cached value from CLOCK_MONOTONIC.
func (c *CurrentTime) Update() {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return
	}
	c.cur = Time{sec: uint32(ts.Sec), msec: uint16(ts.Nsec / 1e6)}
}

// Now returns the cached reading.
func (c *CurrentTime) Now() Time { return c.cur }

// ReadMonotonic performs a fresh CLOCK_MONOTONIC reading.
func ReadMonotonic() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return Time{}
	}
	return Time{sec: uint32(ts.Sec), msec: uint16(ts.Nsec / 1e6)}
}
