//go:build !linux
// +build !linux

package z

// ThreadID is not available off linux, diagnostics print 0 instead.
func ThreadID() int {
	return 0
}
