package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/event"
	"sessiond/internal/lock"
	"sessiond/internal/pathmatch"
	"sessiond/internal/procinfo"
	"sessiond/internal/ranking"
	"sessiond/internal/session"
)

func testView(live procinfo.Static) View {
	return View{
		Matcher: pathmatch.NewMatcher("/Users/me", ".sessiond/worktrees"),
		Prober:  live,
		Policy:  ranking.DefaultPolicy(false),
	}
}

func TestBoundaryFindsMarker(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo", ".git"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo", "src", "pkg"), 0700))

	b := NewBoundary(nil)
	assert.Equal(t, filepath.Join(root, "repo"), b.Root(filepath.Join(root, "repo", "src", "pkg")))
	assert.Equal(t, filepath.Join(root, "repo"), b.Root(filepath.Join(root, "repo", "src", "pkg", "main.go")))

	loose := filepath.Join(root, "loose")
	assert.Equal(t, loose, b.Root(loose))
}

func TestBoundaryCustomMarkers(t *testing.T) {
	b := Boundary{
		Markers: []string{"go.mod"},
		Exists:  func(p string) bool { return p == "/w/mod/go.mod" },
	}
	assert.Equal(t, "/w/mod", b.Root("/w/mod/internal/x"))
	assert.Equal(t, "/w/other", b.Root("/w/other"))
}

func TestOrphanLockDoesNotMaskLiveSession(t *testing.T) {
	now := time.Now()
	v := testView(procinfo.Static{100: 0, 200: 0})
	in := Inputs{
		Locks: []lock.Info{{SessionID: "gone", Path: "/proj", PID: 100, Created: 500}},
		Sessions: []*session.Record{
			{SessionID: "b", PID: 200, State: session.Working, Cwd: "/proj", UpdatedAt: now},
		},
	}
	st, err := v.Resolve("/proj", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedByOrphanFallback, st.Resolution)
	require.NotNil(t, st.Session)
	assert.Equal(t, "b", st.Session.SessionID)
	assert.Equal(t, session.Working, st.State)
}

func TestResolveByLock(t *testing.T) {
	now := time.Now()
	v := testView(procinfo.Static{100: 0})
	in := Inputs{
		Locks: []lock.Info{{SessionID: "a", Path: "/proj", PID: 100, Created: 1}},
		Sessions: []*session.Record{
			// The session moved away after starting at /proj.
			{SessionID: "a", PID: 100, State: session.Waiting, Cwd: "/elsewhere", UpdatedAt: now},
		},
	}
	st, err := v.Resolve("/proj/", in)
	require.NoError(t, err)
	assert.Equal(t, "/proj", st.Path)
	assert.Equal(t, ResolvedByLock, st.Resolution)
	assert.Equal(t, session.Waiting, st.State)
	assert.Empty(t, st.Sessions)
}

func TestResolveByLockPID(t *testing.T) {
	v := testView(procinfo.Static{100: 0})
	in := Inputs{
		Locks:    []lock.Info{{SessionID: "old-id", Path: "/proj", PID: 100, Created: 1}},
		Sessions: []*session.Record{{SessionID: "new-id", PID: 100, State: session.Ready, Cwd: "/proj"}},
	}
	st, err := v.Resolve("/proj", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedByLockPID, st.Resolution)
	assert.Equal(t, "new-id", st.Session.SessionID)
}

func TestResolveBySessionPathAndNone(t *testing.T) {
	now := time.Now()
	v := testView(procinfo.Static{})
	in := Inputs{
		// Dead lock owner: ignored.
		Locks: []lock.Info{{SessionID: "x", Path: "/proj", PID: 9, Created: 1}},
		Sessions: []*session.Record{
			{SessionID: "child", PID: 1, State: session.Ready, Cwd: "/proj/sub", UpdatedAt: now},
			{SessionID: "exact", PID: 2, State: session.Working, Cwd: "/proj", UpdatedAt: now.Add(-time.Hour)},
		},
	}
	st, err := v.Resolve("/proj", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedBySessionPath, st.Resolution)
	assert.Equal(t, "exact", st.Session.SessionID)
	assert.Nil(t, st.Lock)
	require.Len(t, st.Sessions, 2)
	assert.Equal(t, pathmatch.Parent, st.Sessions[1].MatchType)

	st, err = v.Resolve("/unrelated", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedNone, st.Resolution)
	assert.Equal(t, session.Idle, st.State)
	assert.Nil(t, st.Session)

	_, err = v.Resolve("relative", in)
	assert.Error(t, err)
}

func TestNoSiblingLeakage(t *testing.T) {
	v := testView(procinfo.Static{1: 0})
	in := Inputs{
		Locks:    []lock.Info{{SessionID: "p1", Path: "/Users/me/project1", PID: 1, Created: 1}},
		Sessions: []*session.Record{{SessionID: "p1", PID: 1, State: session.Working, Cwd: "/Users/me/project1"}},
	}
	st, err := v.Resolve("/Users/me/project2", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedNone, st.Resolution)
	assert.Nil(t, st.Lock)

	// Home does not swallow its children.
	st, err = v.Resolve("/Users/me", in)
	require.NoError(t, err)
	assert.Equal(t, ResolvedNone, st.Resolution)
}

func TestActiveShell(t *testing.T) {
	now := time.Now()
	v := testView(procinfo.Static{11: 0})
	in := Inputs{Shells: []event.ShellEntry{
		{PID: 10, Cwd: "/proj", UpdatedAt: now},
		{PID: 11, Cwd: "/proj/sub", UpdatedAt: now},
		{PID: 12, Cwd: "/other", UpdatedAt: now},
	}}
	st, err := v.Resolve("/proj", in)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveShell)
	assert.Equal(t, 11, st.ActiveShell.PID)
	require.Len(t, st.Trace, 1)
	assert.Equal(t, ranking.RuleLiveness, st.Trace[0].Rule)

	live := v.LiveShells(in.Shells)
	assert.False(t, live[0].IsLive)
	assert.True(t, live[1].IsLive)
	assert.False(t, in.Shells[1].IsLive)
}

func TestIndex(t *testing.T) {
	idx := NewIndex([]*session.Record{{SessionID: "a", PID: 5}})
	assert.True(t, idx.References("a", 0))
	assert.True(t, idx.References("z", 5))
	assert.False(t, idx.References("z", 6))
	assert.False(t, idx.References("z", 0))
}
