// File: sys/rlimit.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sys

import (
	"golang.org/x/sys/unix"
)

// SetMaxAddressSpace applies RLIMIT_AS, in kilobytes.
func SetMaxAddressSpace(kb uint64) error {
	lim := unix.Rlimit{Cur: kb * 1024, Max: kb * 1024}
	return unix.Setrlimit(unix.RLIMIT_AS, &lim)
}

// SetMaxOpenFiles applies RLIMIT_NOFILE.
func SetMaxOpenFiles(numFds uint64) error {
	lim := unix.Rlimit{Cur: numFds, Max: numFds}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
