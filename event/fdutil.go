// File: event/fdutil.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

import (
	"golang.org/x/sys/unix"
)

func unixSetNonblock(fd int) error { return unix.SetNonblock(fd, true) }

func unixCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}

func unixClose(fd int) error { return unix.Close(fd) }

func unixPipe(fds []int) error { return unix.Pipe(fds) }

func unixWrite(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func unixRead(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

// CloseRawFd closes a descriptor that is not registered with any loop.
func CloseRawFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
