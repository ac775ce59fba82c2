// Package api
// Author: momentics <momentics@gmail.com>
//
// Error-code taxonomy shared by every subsystem. I/O wrappers return a Code;
// soft failures are retryable and never close descriptors.

package api

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Code is the result of an operation. Success is the zero value.
type Code int

const (
	Success Code = iota
	// SoftFail means the operation could not complete right now and may be
	// retried later (typically after waiting for FD readiness).
	SoftFail
	// TooMuchData means a kernel buffer was grown and the operation should
	// be retried.
	TooMuchData
	Timeout
	Closed
	NotInitialized
	AlreadyInitialized
	InvalidParameter
	MemoryError
	AlreadyExists
	NotFound
	IoctlFailed
	OpenFailed
	SocketFailed
	ReadFailed
	WriteFailed
	IncompleteWrite
	IncompleteData
	ConnectInProgress
	ConnectFailed
	SyscallError
	Unsupported
)

var codeNames = map[Code]string{
	Success:            "Success",
	SoftFail:           "SoftFail",
	TooMuchData:        "TooMuchData",
	Timeout:            "Timeout",
	Closed:             "Closed",
	NotInitialized:     "NotInitialized",
	AlreadyInitialized: "AlreadyInitialized",
	InvalidParameter:   "InvalidParameter",
	MemoryError:        "MemoryError",
	AlreadyExists:      "AlreadyExists",
	NotFound:           "NotFound",
	IoctlFailed:        "IoctlFailed",
	OpenFailed:         "OpenFailed",
	SocketFailed:       "SocketFailed",
	ReadFailed:         "ReadFailed",
	WriteFailed:        "WriteFailed",
	IncompleteWrite:    "IncompleteWrite",
	IncompleteData:     "IncompleteData",
	ConnectInProgress:  "ConnectInProgress",
	ConnectFailed:      "ConnectFailed",
	SyscallError:       "SyscallError",
	Unsupported:        "Unsupported",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error makes a Code usable as a Go error value.
func (c Code) Error() string { return c.String() }

// IsOK reports whether the operation succeeded (Success or TooMuchData).
func (c Code) IsOK() bool { return c == Success || c == TooMuchData }

// Error carries an operation name, a code and an optional kernel errno.
type Error struct {
	Op    string
	Code  Code
	Errno unix.Errno
	Msg   string
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno=%d: %s)", e.Op, msg, int(e.Errno), e.Errno.Error())
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes the Code for errors.Is checks.
func (e *Error) Unwrap() error { return e.Code }

// NewError builds a structured error value.
func NewError(op string, code Code, errno unix.Errno, msg string) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: msg}
}

// CodeForErrno maps common kernel errors to result codes.
// The EAGAIN family maps to SoftFail so callers can wait for readiness.
func CodeForErrno(errno error) Code {
	switch errno {
	case nil:
		return Success
	case unix.EAGAIN, unix.EINTR:
		return SoftFail
	case unix.ENOBUFS:
		return TooMuchData
	case unix.EBADF:
		return Closed
	case unix.EINVAL:
		return InvalidParameter
	case unix.ENOMEM:
		return MemoryError
	case unix.EEXIST:
		return AlreadyExists
	case unix.ENOENT:
		return NotFound
	case unix.EINPROGRESS:
		return ConnectInProgress
	}
	return SyscallError
}
