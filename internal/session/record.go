// Package session holds the persisted per-session record and its state set.
package session

import (
	"fmt"
	"time"
)

// State is the canonical state of one work session.
type State string

const (
	Working    State = "working"
	Ready      State = "ready"
	Idle       State = "idle"
	Compacting State = "compacting"
	Waiting    State = "waiting"
)

// States lists every state.
func States() []State {
	return []State{Working, Ready, Idle, Compacting, Waiting}
}

// ParseState resolves a stored state name.
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// Busy reports whether the session is mid-turn.
func (s State) Busy() bool {
	return s == Working || s == Waiting || s == Compacting
}

// Record is the reduced state of one session.
type Record struct {
	SessionID   string `json:"session_id"`
	PID         int    `json:"pid"`
	ProcStarted int64  `json:"proc_started,omitempty"`
	State       State  `json:"state"`
	Cwd         string `json:"cwd"`
	FilePath    string `json:"file_path,omitempty"`
	// ProjectPath is the nearest enclosing project boundary of Location.
	ProjectPath    string    `json:"project_path"`
	UpdatedAt      time.Time `json:"updated_at"`
	StateChangedAt time.Time `json:"state_changed_at"`
	LastEvent      string    `json:"last_event"`
	LastEventID    string    `json:"last_event_id"`
}

// Location is the path the record was last reported at.
func (r *Record) Location() string {
	if r.FilePath != "" {
		return r.FilePath
	}
	return r.Cwd
}

// Clone returns a copy safe to hand to readers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
