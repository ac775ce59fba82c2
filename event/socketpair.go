// File: event/socketpair.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

// SocketPair wraps a connected AF_UNIX stream pair. Side A belongs to the
// consumer (event loop), side B to producers.
type SocketPair struct {
	sockA int
	sockB int
}

// NewSocketPair returns an uninitialized pair.
func NewSocketPair() *SocketPair {
	return &SocketPair{sockA: -1, sockB: -1}
}

// Init creates the connected pair.
func (s *SocketPair) Init() api.Code {
	if s.sockA >= 0 || s.sockB >= 0 {
		return api.AlreadyInitialized
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return api.SocketFailed
	}

	s.sockA, s.sockB = fds[0], fds[1]
	_ = unixCloseOnExec(s.sockA)
	_ = unixCloseOnExec(s.sockB)
	return api.Success
}

// SockA returns the consumer-side descriptor (-1 when uninitialized).
func (s *SocketPair) SockA() int { return s.sockA }

// SockB returns the producer-side descriptor (-1 when uninitialized).
func (s *SocketPair) SockB() int { return s.sockB }

// Close closes both descriptors.
func (s *SocketPair) Close() {
	if s.sockA >= 0 {
		_ = unix.Close(s.sockA)
		s.sockA = -1
	}
	if s.sockB >= 0 {
		_ = unix.Close(s.sockB)
		s.sockB = -1
	}
}
