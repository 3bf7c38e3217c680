//go:build !unix

package procinfo

// signalAlive has no signal-0 equivalent here; never claim liveness.
func signalAlive(pid int) bool {
	return false
}
