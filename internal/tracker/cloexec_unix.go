//go:build unix

package tracker

import "golang.org/x/sys/unix"

// markCloseOnExec keeps an inherited command descriptor from leaking into
// further children spawned by this process.
func markCloseOnExec(fd int) {
	unix.CloseOnExec(fd)
}
