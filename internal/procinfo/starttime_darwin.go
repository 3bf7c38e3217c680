//go:build darwin

package procinfo

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StartTime returns the process start time in Unix seconds.
func StartTime(pid int) (int64, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid: %w", err)
	}
	if kp.Proc.P_pid != int32(pid) {
		return 0, fmt.Errorf("sysctl kern.proc.pid: no such process %d", pid)
	}
	return int64(kp.Proc.P_starttime.Sec), nil
}
