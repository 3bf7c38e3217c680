// Package procinfo answers whether a PID still belongs to the process that
// was originally observed. A bare signal-0 probe cannot tell a live process
// from a reused PID, so every answer is qualified by a start-time check when
// the caller supplies the start time it saw.
package procinfo

import (
	"errors"
	"time"
)

// ErrUnsupported is returned when the platform cannot report start times.
var ErrUnsupported = errors.New("procinfo: process start time unsupported on this platform")

// DefaultTolerance absorbs rounding between start-time sources.
const DefaultTolerance = time.Second

// Status is the outcome of a liveness check.
type Status struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
	// Verified is true when the answer cannot be fooled by PID reuse: the
	// process is gone, or its start time matched the expected one.
	Verified bool `json:"verified"`
}

// Prober checks processes. System is the real implementation.
type Prober interface {
	Check(pid int, procStarted int64) Status
}

// System probes the running kernel.
type System struct {
	Tolerance time.Duration
}

// Check reports whether pid is alive. procStarted is the expected start
// time in Unix seconds, or zero when unknown.
func (s System) Check(pid int, procStarted int64) Status {
	st := Status{PID: pid}
	if pid <= 0 {
		st.Verified = true
		return st
	}
	if !signalAlive(pid) {
		st.Verified = true
		return st
	}
	if procStarted == 0 {
		st.Alive = true
		return st
	}

	observed, err := StartTime(pid)
	if err != nil {
		// Expected start time known but unreadable: do not claim liveness.
		return st
	}
	tol := s.Tolerance
	if tol == 0 {
		tol = DefaultTolerance
	}
	st.Verified = true
	st.Alive = absDuration(time.Duration(observed-procStarted)*time.Second) <= tol
	return st
}

// Alive is a shorthand for System{}.Check(pid, procStarted).Alive.
func Alive(pid int, procStarted int64) bool {
	return System{}.Check(pid, procStarted).Alive
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Static is a fixed process table, keyed by PID with start times as values.
// It is used where liveness must be deterministic, such as replay and tests.
type Static map[int]int64

// Check implements Prober against the table.
func (t Static) Check(pid int, procStarted int64) Status {
	started, ok := t[pid]
	if !ok {
		return Status{PID: pid, Verified: true}
	}
	if procStarted == 0 {
		return Status{PID: pid, Alive: true}
	}
	return Status{PID: pid, Alive: started == procStarted, Verified: true}
}
