package lock

import (
	"sort"

	"sessiond/internal/pathmatch"
	"sessiond/internal/procinfo"
)

// Match is a lock together with how its path relates to a query.
type Match struct {
	Info
	MatchType pathmatch.MatchType `json:"match_type"`
}

// Less orders matches for selection: newer first, then more specific, then
// by session id.
func Less(a, b Match) bool {
	if a.Created != b.Created {
		return a.Created > b.Created
	}
	if a.MatchType != b.MatchType {
		return a.MatchType > b.MatchType
	}
	return a.SessionID < b.SessionID
}

// Select returns the preferred match, or nil. The input is not modified.
func Select(matches []Match) *Match {
	if len(matches) == 0 {
		return nil
	}
	sorted := append([]Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })
	return &sorted[0]
}

// Resolver matches locks against query paths and filters them by liveness.
type Resolver struct {
	Matcher pathmatch.Matcher
	Prober  procinfo.Prober
}

// Live reports whether the lock's owner is verified alive.
func (r Resolver) Live(info Info) bool {
	return r.Prober.Check(info.PID, info.ProcStarted).Alive
}

// Matches returns every lock whose path relates to query, live or not.
func (r Resolver) Matches(query pathmatch.Path, locks []Info) []Match {
	var out []Match
	for _, l := range locks {
		p, err := pathmatch.Parse(l.Path)
		if err != nil {
			continue
		}
		if mt, ok := r.Matcher.Match(query, p); ok {
			out = append(out, Match{Info: l, MatchType: mt})
		}
	}
	return out
}

// Resolve selects among the live locks that match query.
func (r Resolver) Resolve(query pathmatch.Path, locks []Info) *Match {
	return Select(r.live(r.Matches(query, locks)))
}

// FindByPID selects among the live locks owned by pid that match query.
// Exact, child and parent evidence are all eligible.
func (r Resolver) FindByPID(pid int, query pathmatch.Path, locks []Info) *Match {
	var owned []Match
	for _, m := range r.Matches(query, locks) {
		if m.PID == pid {
			owned = append(owned, m)
		}
	}
	return Select(r.live(owned))
}

func (r Resolver) live(matches []Match) []Match {
	out := matches[:0:0]
	for _, m := range matches {
		if r.Live(m.Info) {
			out = append(out, m)
		}
	}
	return out
}

// Referrer answers whether any session record references a lock owner.
type Referrer interface {
	References(sessionID string, pid int) bool
}

// Stale returns the locks matching query that should be removed: those
// whose owner is verifiably dead, and orphans whose owner is alive but
// referenced by no session. Locks whose liveness cannot be settled are kept.
func (r Resolver) Stale(query pathmatch.Path, locks []Info, refs Referrer) (dead, orphaned []Info) {
	for _, m := range r.Matches(query, locks) {
		st := r.Prober.Check(m.PID, m.ProcStarted)
		switch {
		case !st.Alive && st.Verified:
			dead = append(dead, m.Info)
		case st.Alive && !refs.References(m.SessionID, m.PID):
			orphaned = append(orphaned, m.Info)
		}
	}
	return dead, orphaned
}
