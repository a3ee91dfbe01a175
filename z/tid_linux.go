//go:build linux
// +build linux

package z

import "golang.org/x/sys/unix"

// ThreadID returns the id of the OS thread the caller is running on. It is only meaningful for goroutines that have
// called runtime.LockOSThread.
func ThreadID() int {
	return unix.Gettid()
}
