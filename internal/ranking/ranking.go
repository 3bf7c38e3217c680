// Package ranking picks the active shell among several live candidates for
// one project.
//
// A Policy is an ordered list of named comparators. The first rule that
// separates two candidates decides between them, so the rule that fired is
// always known and can be reported in a trace.
package ranking

import (
	"fmt"
	"strings"
	"time"

	"sessiond/internal/pathmatch"
)

// Rule names.
const (
	RuleLiveness    = "liveness"
	RuleSpecificity = "specificity"
	RuleTmux        = "tmux"
	RuleParentApp   = "parent_app"
	RuleRecency     = "recency"
	RulePID         = "pid"

	// DecisionTie is recorded when every rule tied.
	DecisionTie = "tie"
)

// DefaultOrder is the built-in precedence.
var DefaultOrder = []string{RuleLiveness, RuleSpecificity, RuleTmux, RuleParentApp, RuleRecency, RulePID}

// Candidate is one shell that could be considered active for a path.
type Candidate struct {
	PID       int                 `json:"pid"`
	Cwd       string              `json:"cwd"`
	TTY       string              `json:"tty,omitempty"`
	ParentApp string              `json:"parent_app,omitempty"`
	IsLive    bool                `json:"is_live"`
	HasTmux   bool                `json:"has_tmux"`
	MatchType pathmatch.MatchType `json:"match_type"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Rule compares two candidates. A positive result means a is preferred.
type Rule struct {
	Name    string
	Compare func(a, b Candidate) int
}

// Decision records one round of the tournament.
type Decision struct {
	Challenger int    `json:"challenger_pid"`
	Incumbent  int    `json:"incumbent_pid"`
	Rule       string `json:"rule"`
	Winner     int    `json:"winner_pid"`
}

// Policy is an ordered rule list.
type Policy struct {
	Rules []Rule
}

// NewPolicy builds a policy from rule names. An empty list means
// DefaultOrder. tmux only breaks specificity ties, so it must be listed
// after specificity.
func NewPolicy(names []string, preferTmux bool) (Policy, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}
	seen := make(map[string]bool, len(names))
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if seen[name] {
			return Policy{}, fmt.Errorf("ranking rule %q listed twice", name)
		}
		if name == RuleTmux && !seen[RuleSpecificity] {
			return Policy{}, fmt.Errorf("ranking rule %q must follow %q", RuleTmux, RuleSpecificity)
		}
		seen[name] = true
		r, err := ruleByName(name, preferTmux)
		if err != nil {
			return Policy{}, err
		}
		rules = append(rules, r)
	}
	return Policy{Rules: rules}, nil
}

// DefaultPolicy is NewPolicy(DefaultOrder, preferTmux).
func DefaultPolicy(preferTmux bool) Policy {
	p, _ := NewPolicy(DefaultOrder, preferTmux)
	return p
}

// KnownRule reports whether name is a rule NewPolicy accepts.
func KnownRule(name string) bool {
	_, err := ruleByName(name, false)
	return err == nil
}

func ruleByName(name string, preferTmux bool) (Rule, error) {
	switch name {
	case RuleLiveness:
		return Rule{Name: name, Compare: func(a, b Candidate) int { return boolCmp(a.IsLive, b.IsLive) }}, nil
	case RuleSpecificity:
		return Rule{Name: name, Compare: func(a, b Candidate) int { return int(a.MatchType) - int(b.MatchType) }}, nil
	case RuleTmux:
		return Rule{Name: name, Compare: func(a, b Candidate) int {
			if !preferTmux {
				return 0
			}
			return boolCmp(a.HasTmux, b.HasTmux)
		}}, nil
	case RuleParentApp:
		return Rule{Name: name, Compare: func(a, b Candidate) int {
			return boolCmp(knownApp(a.ParentApp), knownApp(b.ParentApp))
		}}, nil
	case RuleRecency:
		return Rule{Name: name, Compare: compareRecency}, nil
	case RulePID:
		return Rule{Name: name, Compare: func(a, b Candidate) int { return intCmp(a.PID, b.PID) }}, nil
	}
	return Rule{}, fmt.Errorf("unknown ranking rule %q", name)
}

func compareRecency(a, b Candidate) int {
	az, bz := a.UpdatedAt.IsZero(), b.UpdatedAt.IsZero()
	switch {
	case az && bz:
		return 0
	case az:
		return -1
	case bz:
		return 1
	}
	return a.UpdatedAt.Compare(b.UpdatedAt)
}

func knownApp(app string) bool {
	app = strings.TrimSpace(app)
	return app != "" && !strings.EqualFold(app, "unknown")
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

func intCmp(a, b int) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// Compare runs the rules in order and returns the first non-zero verdict
// with the rule that produced it.
func (p Policy) Compare(a, b Candidate) (int, string) {
	for _, r := range p.Rules {
		if c := r.Compare(a, b); c != 0 {
			return c, r.Name
		}
	}
	return 0, DecisionTie
}

// Names lists the rule names in order.
func (p Policy) Names() []string {
	out := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		out[i] = r.Name
	}
	return out
}

// Select returns the winning candidate and one decision per challenger.
// Ties keep the incumbent, so the result depends only on the candidate set
// and its order when every rule ties.
func (p Policy) Select(cands []Candidate) (*Candidate, []Decision) {
	if len(cands) == 0 {
		return nil, nil
	}
	best := cands[0]
	trace := make([]Decision, 0, len(cands)-1)
	for _, c := range cands[1:] {
		verdict, rule := p.Compare(c, best)
		d := Decision{Challenger: c.PID, Incumbent: best.PID, Rule: rule, Winner: best.PID}
		if verdict > 0 {
			best = c
			d.Winner = c.PID
		}
		trace = append(trace, d)
	}
	return &best, trace
}
