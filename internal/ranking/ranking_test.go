package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/pathmatch"
)

func TestLivenessOutranksSpecificity(t *testing.T) {
	cands := []Candidate{
		{PID: 1, IsLive: false, MatchType: pathmatch.Exact},
		{PID: 2, IsLive: true, MatchType: pathmatch.Child},
	}
	winner, trace := DefaultPolicy(false).Select(cands)
	require.NotNil(t, winner)
	assert.Equal(t, 2, winner.PID)
	require.Len(t, trace, 1)
	assert.Equal(t, RuleLiveness, trace[0].Rule)
	assert.Equal(t, 2, trace[0].Winner)
}

func TestRuleOrder(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		preferTmux bool
		a, b       Candidate
		winner     int
		rule       string
	}{
		{
			name:   "specificity",
			a:      Candidate{PID: 1, IsLive: true, MatchType: pathmatch.Parent},
			b:      Candidate{PID: 2, IsLive: true, MatchType: pathmatch.Exact},
			winner: 2,
			rule:   RuleSpecificity,
		},
		{
			name:   "tmux ignored without preference",
			a:      Candidate{PID: 1, IsLive: true, HasTmux: true, UpdatedAt: now},
			b:      Candidate{PID: 2, IsLive: true, UpdatedAt: now},
			winner: 2,
			rule:   RulePID,
		},
		{
			name:       "tmux preferred",
			preferTmux: true,
			a:          Candidate{PID: 1, IsLive: true, HasTmux: true},
			b:          Candidate{PID: 2, IsLive: true},
			winner:     1,
			rule:       RuleTmux,
		},
		{
			name:   "known parent app",
			a:      Candidate{PID: 1, IsLive: true, ParentApp: "unknown"},
			b:      Candidate{PID: 2, IsLive: true, ParentApp: "ghostty"},
			winner: 2,
			rule:   RuleParentApp,
		},
		{
			name:   "recency",
			a:      Candidate{PID: 9, IsLive: true, UpdatedAt: now.Add(-time.Minute)},
			b:      Candidate{PID: 2, IsLive: true, UpdatedAt: now},
			winner: 2,
			rule:   RuleRecency,
		},
		{
			name:   "zero timestamp loses",
			a:      Candidate{PID: 9, IsLive: true},
			b:      Candidate{PID: 2, IsLive: true, UpdatedAt: now},
			winner: 2,
			rule:   RuleRecency,
		},
		{
			name:   "pid",
			a:      Candidate{PID: 9, IsLive: true},
			b:      Candidate{PID: 2, IsLive: true},
			winner: 9,
			rule:   RulePID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, trace := DefaultPolicy(tt.preferTmux).Select([]Candidate{tt.a, tt.b})
			require.NotNil(t, winner)
			assert.Equal(t, tt.winner, winner.PID)
			assert.Equal(t, tt.rule, trace[0].Rule)
		})
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{PID: 10, IsLive: true, MatchType: pathmatch.Child, UpdatedAt: now},
		{PID: 11, IsLive: true, MatchType: pathmatch.Exact, UpdatedAt: now.Add(-time.Hour)},
		{PID: 12, IsLive: false, MatchType: pathmatch.Exact, UpdatedAt: now},
		{PID: 13, IsLive: true, MatchType: pathmatch.Exact, UpdatedAt: now},
	}
	p := DefaultPolicy(false)
	first, _ := p.Select(cands)
	for i := 0; i < 20; i++ {
		w, _ := p.Select(cands)
		assert.Equal(t, first.PID, w.PID)
	}
	assert.Equal(t, 13, first.PID)

	// Renumbering the weakest candidate does not move the winner.
	cands[2].PID = 99
	w, _ := p.Select(cands)
	assert.Equal(t, 13, w.PID)
}

func TestSelectEmpty(t *testing.T) {
	w, trace := DefaultPolicy(false).Select(nil)
	assert.Nil(t, w)
	assert.Empty(t, trace)
}

func TestTieKeepsIncumbent(t *testing.T) {
	p, err := NewPolicy([]string{RuleLiveness}, false)
	require.NoError(t, err)
	w, trace := p.Select([]Candidate{{PID: 1, IsLive: true}, {PID: 2, IsLive: true}})
	assert.Equal(t, 1, w.PID)
	assert.Equal(t, DecisionTie, trace[0].Rule)
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy(nil, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder, p.Names())

	_, err = NewPolicy([]string{"liveness", "vibes"}, false)
	assert.Error(t, err)

	_, err = NewPolicy([]string{"pid", "pid"}, false)
	assert.Error(t, err)

	_, err = NewPolicy([]string{"liveness", "tmux", "specificity"}, true)
	assert.Error(t, err)
	_, err = NewPolicy([]string{"tmux", "recency"}, true)
	assert.Error(t, err)
	_, err = NewPolicy([]string{"specificity", "tmux"}, true)
	assert.NoError(t, err)

	assert.True(t, KnownRule("recency"))
	assert.False(t, KnownRule("vibes"))
}
