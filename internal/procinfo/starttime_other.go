//go:build !linux && !darwin

package procinfo

// StartTime is not available on this platform.
func StartTime(pid int) (int64, error) {
	return 0, ErrUnsupported
}
