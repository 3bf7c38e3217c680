package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/pathmatch"
	"sessiond/internal/procinfo"
)

func createTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := OpenDir(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)
	return d
}

func TestCreateReadRemove(t *testing.T) {
	d := createTestDir(t)

	info, err := d.Create(Info{SessionID: "s1", Path: "/proj", PID: 42, ProcStarted: 1000})
	require.NoError(t, err)
	assert.NotZero(t, info.Created)

	got, err := d.Read("s1")
	require.NoError(t, err)
	assert.Equal(t, info, got)

	raw, err := os.ReadFile(filepath.Join(d.Root(), Key("s1"), "pid"))
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(raw))

	require.NoError(t, d.Remove("s1"))
	_, err = d.Read("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, d.Remove("s1"))
}

func TestCreatePreservesCreated(t *testing.T) {
	d := createTestDir(t)
	first, err := d.Create(Info{SessionID: "s1", Path: "/proj", PID: 42, Created: 100})
	require.NoError(t, err)

	second, err := d.Create(Info{SessionID: "s1", Path: "/proj/sub", PID: 43, Created: 900})
	require.NoError(t, err)
	assert.Equal(t, first.Created, second.Created)
	assert.Equal(t, "/proj/sub", second.Path)
	assert.Equal(t, 43, second.PID)
}

func TestListSkipsCorruptEntries(t *testing.T) {
	d := createTestDir(t)
	_, err := d.Create(Info{SessionID: "a", Path: "/a", PID: 1})
	require.NoError(t, err)

	bad := filepath.Join(d.Root(), "deadbeef.lock")
	require.NoError(t, os.MkdirAll(bad, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "meta.json"), []byte("{"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), "stray.txt"), nil, 0600))

	locks, skipped, err := d.List()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "a", locks[0].SessionID)
	assert.Equal(t, []string{"deadbeef.lock"}, skipped)
}

func TestSelectTieBreak(t *testing.T) {
	matches := []Match{
		{Info: Info{SessionID: "b", Created: 100}, MatchType: pathmatch.Exact},
		{Info: Info{SessionID: "a", Created: 100}, MatchType: pathmatch.Exact},
		{Info: Info{SessionID: "c", Created: 100}, MatchType: pathmatch.Child},
		{Info: Info{SessionID: "d", Created: 50}, MatchType: pathmatch.Exact},
	}
	assert.Equal(t, "a", Select(matches).SessionID)
	assert.Equal(t, "b", matches[0].SessionID, "input order untouched")

	assert.Equal(t, "c", Select(matches[2:]).SessionID)
	assert.Nil(t, Select(nil))
}

func TestNewerLockWinsRegardlessOfOrder(t *testing.T) {
	r := Resolver{Matcher: pathmatch.NewMatcher("", ""), Prober: procinfo.Static{42: 0}}
	older := Info{SessionID: "old", Path: "/proj", PID: 42, Created: 100}
	newer := Info{SessionID: "new", Path: "/proj", PID: 42, Created: 200}
	q := pathmatch.MustParse("/proj")

	for _, locks := range [][]Info{{older, newer}, {newer, older}} {
		got := r.Resolve(q, locks)
		require.NotNil(t, got)
		assert.Equal(t, int64(200), got.Created)

		byPID := r.FindByPID(42, q, locks)
		require.NotNil(t, byPID)
		assert.Equal(t, "new", byPID.SessionID)
	}
}

func TestResolveIgnoresDeadAndReusedPIDs(t *testing.T) {
	r := Resolver{Matcher: pathmatch.NewMatcher("", ""), Prober: procinfo.Static{7: 5000}}
	q := pathmatch.MustParse("/proj/src")
	locks := []Info{
		{SessionID: "dead", Path: "/proj", PID: 6, Created: 300},
		{SessionID: "reused", Path: "/proj", PID: 7, ProcStarted: 4000, Created: 200},
		{SessionID: "live", Path: "/proj", PID: 7, ProcStarted: 5000, Created: 100},
		{SessionID: "sibling", Path: "/other", PID: 7, ProcStarted: 5000, Created: 400},
	}
	got := r.Resolve(q, locks)
	require.NotNil(t, got)
	assert.Equal(t, "live", got.SessionID)
	assert.Equal(t, pathmatch.Child, got.MatchType)
}

func TestFindByPIDIncludesExact(t *testing.T) {
	r := Resolver{Matcher: pathmatch.NewMatcher("", ""), Prober: procinfo.Static{9: 0}}
	q := pathmatch.MustParse("/proj")
	locks := []Info{
		{SessionID: "exact", Path: "/proj", PID: 9, Created: 100},
		{SessionID: "parent", Path: "/proj/sub", PID: 9, Created: 100},
	}
	got := r.FindByPID(9, q, locks)
	require.NotNil(t, got)
	assert.Equal(t, "exact", got.SessionID)
	assert.Nil(t, r.FindByPID(10, q, locks))
}

type refSet map[string]bool

func (s refSet) References(sessionID string, pid int) bool { return s[sessionID] }

func TestStale(t *testing.T) {
	r := Resolver{Matcher: pathmatch.NewMatcher("", ""), Prober: procinfo.Static{1: 0, 2: 0}}
	q := pathmatch.MustParse("/proj")
	locks := []Info{
		{SessionID: "owned", Path: "/proj", PID: 1},
		{SessionID: "orphan", Path: "/proj", PID: 2},
		{SessionID: "gone", Path: "/proj", PID: 3},
		{SessionID: "elsewhere", Path: "/other", PID: 3},
	}
	dead, orphaned := r.Stale(q, locks, refSet{"owned": true})
	require.Len(t, dead, 1)
	assert.Equal(t, "gone", dead[0].SessionID)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "orphan", orphaned[0].SessionID)
}
