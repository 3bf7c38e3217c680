//go:build unix

package procinfo

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalAlive sends signal 0. EPERM means the process exists but belongs to
// another user.
func signalAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
