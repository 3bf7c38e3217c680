// Package state owns all mutable daemon state behind a single writer.
//
// One goroutine holds the store, the journal and the lock directory. Every
// mutation is a request on its channel. After each commit the writer
// publishes an immutable Snapshot that readers load without blocking.
package state

import (
	"time"

	"sessiond/internal/event"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

// Snapshot is a committed, read-only view of the store. Callers must not
// modify it.
type Snapshot struct {
	Version  uint64
	TakenAt  time.Time
	Sessions []*session.Record
	Shells   []event.ShellEntry
	Projects []store.Project
}

// Session returns the record for id, or nil.
func (s *Snapshot) Session(id string) *session.Record {
	for _, r := range s.Sessions {
		if r.SessionID == id {
			return r
		}
	}
	return nil
}

// ProjectPaths lists the tracked project paths.
func (s *Snapshot) ProjectPaths() []string {
	out := make([]string, len(s.Projects))
	for i, p := range s.Projects {
		out[i] = p.Path
	}
	return out
}
