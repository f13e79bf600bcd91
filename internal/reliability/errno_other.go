//go:build !unix

package reliability

import "syscall"

// isNetworkErrno falls back to syscall's own (Windows) errno constants;
// golang.org/x/sys/unix is unix-only so it has no home on this platform.
func isNetworkErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNREFUSED, syscall.ETIMEDOUT:
		return true
	default:
		return false
	}
}
