package project

import (
	"fmt"
	"sort"

	"sessiond/internal/event"
	"sessiond/internal/lock"
	"sessiond/internal/pathmatch"
	"sessiond/internal/procinfo"
	"sessiond/internal/ranking"
	"sessiond/internal/session"
)

// Resolution names how a project's session was found.
type Resolution string

const (
	// ResolvedByLock: the selected lock belongs to the session.
	ResolvedByLock Resolution = "lock"
	// ResolvedByLockPID: the lock's session id is unknown but its pid
	// belongs to a session.
	ResolvedByLockPID Resolution = "lock_pid"
	// ResolvedByOrphanFallback: the lock is orphaned and a session at the
	// path under another pid was used instead.
	ResolvedByOrphanFallback Resolution = "orphan_fallback"
	// ResolvedBySessionPath: no live lock matched; a session's own location
	// did.
	ResolvedBySessionPath Resolution = "session_path"
	// ResolvedNone: nothing matched.
	ResolvedNone Resolution = "none"
)

// SessionMatch is a session whose location relates to the queried path.
type SessionMatch struct {
	*session.Record
	MatchType pathmatch.MatchType `json:"match_type"`
}

// State is the derived state of one project path.
type State struct {
	Path        string             `json:"path"`
	State       session.State      `json:"state"`
	Session     *session.Record    `json:"session"`
	Sessions    []SessionMatch     `json:"sessions"`
	Lock        *lock.Match        `json:"lock"`
	Resolution  Resolution         `json:"resolution"`
	ActiveShell *ranking.Candidate `json:"active_shell"`
	Trace       []ranking.Decision `json:"trace"`
}

// Inputs is the evidence a View reads.
type Inputs struct {
	Sessions []*session.Record
	Shells   []event.ShellEntry
	Locks    []lock.Info
}

// View composes project states. It holds no state between calls.
type View struct {
	Matcher pathmatch.Matcher
	Prober  procinfo.Prober
	Policy  ranking.Policy
}

func (v View) resolver() lock.Resolver {
	return lock.Resolver{Matcher: v.Matcher, Prober: v.Prober}
}

// Resolve derives the state of query from in.
func (v View) Resolve(query string, in Inputs) (State, error) {
	q, err := pathmatch.Parse(query)
	if err != nil {
		return State{}, fmt.Errorf("project path %q: %w", query, err)
	}
	st := State{Path: q.String(), State: session.Idle, Resolution: ResolvedNone}
	st.Sessions = v.matchSessions(q, in.Sessions)

	r := v.resolver()
	if lm := r.Resolve(q, in.Locks); lm != nil {
		st.Lock = lm
		rec, res := v.sessionForLock(lm, st.Sessions, in.Sessions)
		if rec != nil {
			st.Session, st.Resolution = rec, res
		}
	} else if len(st.Sessions) > 0 {
		best := st.Sessions[0].Record
		st.Session, st.Resolution = best, ResolvedBySessionPath
		st.Lock = r.FindByPID(best.PID, q, in.Locks)
	}
	if st.Session != nil {
		st.State = st.Session.State
	}

	st.ActiveShell, st.Trace = v.Policy.Select(v.candidates(q, in.Shells))
	return st, nil
}

// sessionForLock finds the session behind a selected lock. Locks record
// where a session started, so the owner's record may have moved away from
// the queried path and is looked up among all sessions.
func (v View) sessionForLock(lm *lock.Match, matched []SessionMatch, all []*session.Record) (*session.Record, Resolution) {
	for _, rec := range all {
		if rec.SessionID == lm.SessionID {
			return rec, ResolvedByLock
		}
	}
	for _, rec := range all {
		if lm.PID > 0 && rec.PID == lm.PID {
			return rec, ResolvedByLockPID
		}
	}
	// The lock is orphaned. A live session at the path must not be masked.
	for _, m := range matched {
		if m.PID != lm.PID {
			return m.Record, ResolvedByOrphanFallback
		}
	}
	return nil, ResolvedNone
}

// matchSessions returns the sessions related to q, most specific first,
// then most recently updated, then by id.
func (v View) matchSessions(q pathmatch.Path, recs []*session.Record) []SessionMatch {
	var out []SessionMatch
	for _, rec := range recs {
		loc, err := pathmatch.Parse(rec.Location())
		if err != nil {
			continue
		}
		if mt, ok := v.Matcher.Match(q, loc); ok {
			out = append(out, SessionMatch{Record: rec, MatchType: mt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MatchType != b.MatchType {
			return a.MatchType > b.MatchType
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.SessionID < b.SessionID
	})
	return out
}

func (v View) candidates(q pathmatch.Path, shells []event.ShellEntry) []ranking.Candidate {
	var out []ranking.Candidate
	for _, sh := range shells {
		cwd, err := pathmatch.Parse(sh.Cwd)
		if err != nil {
			continue
		}
		mt, ok := v.Matcher.Match(q, cwd)
		if !ok {
			continue
		}
		out = append(out, ranking.Candidate{
			PID:       sh.PID,
			Cwd:       sh.Cwd,
			TTY:       sh.TTY,
			ParentApp: sh.ParentApp,
			IsLive:    v.Prober.Check(sh.PID, 0).Alive,
			HasTmux:   sh.TmuxSession != "",
			MatchType: mt,
			UpdatedAt: sh.UpdatedAt,
		})
	}
	return out
}

// LiveShells returns a copy of shells with IsLive computed now.
func (v View) LiveShells(shells []event.ShellEntry) []event.ShellEntry {
	out := make([]event.ShellEntry, len(shells))
	for i, sh := range shells {
		sh.IsLive = v.Prober.Check(sh.PID, 0).Alive
		out[i] = sh
	}
	return out
}

// Index answers which locks are referenced by a session.
type Index struct {
	ids  map[string]bool
	pids map[int]bool
}

// NewIndex indexes recs by session id and pid.
func NewIndex(recs []*session.Record) Index {
	idx := Index{ids: make(map[string]bool, len(recs)), pids: make(map[int]bool, len(recs))}
	for _, r := range recs {
		idx.ids[r.SessionID] = true
		if r.PID > 0 {
			idx.pids[r.PID] = true
		}
	}
	return idx
}

// References implements lock.Referrer.
func (idx Index) References(sessionID string, pid int) bool {
	return idx.ids[sessionID] || (pid > 0 && idx.pids[pid])
}
