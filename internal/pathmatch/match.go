package pathmatch

import "fmt"

// MatchType describes how evidence relates to a query path. Higher values
// are more specific.
type MatchType int

const (
	// Parent means the evidence lies strictly below the query path.
	Parent MatchType = iota
	// Child means the query path lies strictly below the evidence.
	Child
	// Exact means both paths are the same location.
	Exact
)

func (m MatchType) String() string {
	switch m {
	case Parent:
		return "parent"
	case Child:
		return "child"
	case Exact:
		return "exact"
	default:
		return fmt.Sprintf("MatchType(%d)", int(m))
	}
}

// MarshalText encodes the match type by name.
func (m MatchType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a match type name.
func (m *MatchType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "parent":
		*m = Parent
	case "child":
		*m = Child
	case "exact":
		*m = Exact
	default:
		return fmt.Errorf("pathmatch: unknown match type %q", b)
	}
	return nil
}

// Match relates evidence to query with no environment-specific exclusions.
// Siblings never match.
func Match(query, evidence Path) (MatchType, bool) {
	switch {
	case query.Equal(evidence):
		return Exact, true
	case evidence.IsRoot():
		// Every non-root path is below the root, at any depth.
		return Child, true
	case query.IsDescendantOf(evidence):
		return Child, true
	case evidence.IsDescendantOf(query):
		return Parent, true
	default:
		return 0, false
	}
}

// Matcher applies Match plus the home-directory and managed-worktree
// exclusions.
type Matcher struct {
	// Home is the user's home directory. A query equal to Home does not
	// collect evidence from below it.
	Home Path
	// HasHome is false when the home directory is unknown.
	HasHome bool
	// ManagedDir is the relative location of derived workspaces inside a
	// project (for example ".sessiond/worktrees"). Evidence under
	// <query>/<ManagedDir> never matches the query as Parent.
	ManagedDir string
}

// NewMatcher builds a Matcher for the given home directory and managed
// worktree directory. An empty or relative home disables the home rule.
func NewMatcher(home, managedDir string) Matcher {
	m := Matcher{ManagedDir: managedDir}
	if p, err := Parse(home); err == nil && !p.IsRoot() {
		m.Home = p
		m.HasHome = true
	}
	return m
}

// Match relates evidence to query and applies the exclusions.
func (m Matcher) Match(query, evidence Path) (MatchType, bool) {
	mt, ok := Match(query, evidence)
	if !ok || mt != Parent {
		return mt, ok
	}
	if m.HasHome && query.Equal(m.Home) {
		return 0, false
	}
	if m.ManagedDir != "" {
		managed := query.Join(m.ManagedDir)
		if !managed.Equal(query) && evidence.HasPrefix(managed) {
			return 0, false
		}
	}
	return Parent, true
}

// MatchStrings parses both paths and matches them. Unparsable paths never
// match.
func (m Matcher) MatchStrings(query, evidence string) (MatchType, bool) {
	q, err := Parse(query)
	if err != nil {
		return 0, false
	}
	e, err := Parse(evidence)
	if err != nil {
		return 0, false
	}
	return m.Match(q, e)
}
