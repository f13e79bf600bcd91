//go:build unix

package reliability

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// isNetworkErrno matches the error codes that indicate a transient
// network-level failure, using golang.org/x/sys/unix so the comparison is
// against real syscall.Errno values rather than brittle substring matching.
func isNetworkErrno(errno syscall.Errno) bool {
	switch errno {
	case unix.EHOSTUNREACH, unix.ENETUNREACH, unix.ECONNREFUSED, unix.ETIMEDOUT:
		return true
	default:
		return false
	}
}
