package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/event"
	"sessiond/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEnvelope(id string, at time.Time) *event.Envelope {
	return &event.Envelope{
		EventID:    id,
		SessionID:  "s1",
		PID:        10,
		Type:       event.UserPromptSubmit,
		Cwd:        "/proj",
		RecordedAt: event.FormatTime(at),
		ReceivedAt: at,
	}
}

func upsertWorking(at time.Time) ApplyFunc {
	return func(cur *session.Record) (Mutation, error) {
		return Mutation{Upsert: &session.Record{
			SessionID: "s1", PID: 10, State: session.Working, Cwd: "/proj",
			UpdatedAt: at, StateChangedAt: at, LastEvent: "UserPromptSubmit",
		}}, nil
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "state.db"), Options{BusyTimeout: time.Second})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.QuickCheck(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestApplyEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	env := testEnvelope("e1", at)

	calls := 0
	fn := func(cur *session.Record) (Mutation, error) {
		calls++
		return upsertWorking(at)(cur)
	}

	applied, err := s.ApplyEvent(ctx, env, ApplyOptions{JournalSeq: 1}, fn)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyEvent(ctx, env, ApplyOptions{JournalSeq: 2}, fn)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, calls)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A duplicate still counts as committed journal progress.
	seq, err := s.JournalSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestApplyEventPassesCurrentRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)

	_, err := s.ApplyEvent(ctx, testEnvelope("e1", at), ApplyOptions{}, upsertWorking(at))
	require.NoError(t, err)

	var seen *session.Record
	_, err = s.ApplyEvent(ctx, testEnvelope("e2", at.Add(time.Second)), ApplyOptions{}, func(cur *session.Record) (Mutation, error) {
		seen = cur
		return Mutation{Delete: true}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, session.Working, seen.State)
	assert.Equal(t, at, seen.UpdatedAt)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournalSeqNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Now().UTC()
	noop := func(*session.Record) (Mutation, error) { return Mutation{}, nil }

	_, err := s.ApplyEvent(ctx, testEnvelope("a", at), ApplyOptions{JournalSeq: 9}, noop)
	require.NoError(t, err)
	_, err = s.ApplyEvent(ctx, testEnvelope("b", at), ApplyOptions{JournalSeq: 4}, noop)
	require.NoError(t, err)

	seq, err := s.JournalSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

func TestShellsAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &event.Envelope{EventID: "sh1", Type: event.ShellCwd, PID: 77, Cwd: "/w", RecordedAt: event.FormatTime(old), ReceivedAt: old}
	sh := event.ShellFromEnvelope(env)

	_, err := s.ApplyEvent(ctx, env, ApplyOptions{}, func(cur *session.Record) (Mutation, error) {
		assert.Nil(t, cur)
		return Mutation{Shell: &sh}, nil
	})
	require.NoError(t, err)

	shells, err := s.ListShells(ctx)
	require.NoError(t, err)
	require.Len(t, shells, 1)
	assert.Equal(t, "/w", shells[0].Cwd)
	assert.Equal(t, old, shells[0].UpdatedAt)

	n, err := s.PruneShells(ctx, old.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProjects(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	p, err := s.UpsertProject(ctx, "/b", first)
	require.NoError(t, err)
	assert.Equal(t, first, p.RegisteredAt)

	p, err = s.UpsertProject(ctx, "/b", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, p.RegisteredAt)

	_, err = s.UpsertProject(ctx, "/a", first)
	require.NoError(t, err)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "/a", projects[0].Path)
}

func TestReplayOrderAndReset(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	noop := func(*session.Record) (Mutation, error) { return Mutation{}, nil }

	for i, off := range []int{3, 1, 2} {
		env := testEnvelope(string(rune('a'+i)), base.Add(time.Duration(off)*time.Second))
		_, err := s.ApplyEvent(ctx, env, ApplyOptions{}, noop)
		require.NoError(t, err)
	}
	_, err := s.ApplyEvent(ctx, testEnvelope("w", base), ApplyOptions{}, upsertWorking(base))
	require.NoError(t, err)

	events, bad, err := s.ReplayEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, events, 4)
	ids := []string{events[0].EventID, events[1].EventID, events[2].EventID, events[3].EventID}
	assert.Equal(t, []string{"w", "b", "c", "a"}, ids)

	require.NoError(t, s.ResetDerived(ctx))
	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestPruneEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	noop := func(*session.Record) (Mutation, error) { return Mutation{}, nil }

	_, err := s.ApplyEvent(ctx, testEnvelope("old", base), ApplyOptions{}, noop)
	require.NoError(t, err)
	_, err = s.ApplyEvent(ctx, testEnvelope("new", base.Add(48*time.Hour)), ApplyOptions{}, noop)
	require.NoError(t, err)

	n, err := s.PruneEvents(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPruneEventsKeepsLatestSessionEvent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	noop := func(*session.Record) (Mutation, error) { return Mutation{}, nil }
	latest := func(cur *session.Record) (Mutation, error) {
		m, err := upsertWorking(base.Add(time.Second))(cur)
		m.Upsert.LastEventID = "latest"
		return m, err
	}

	_, err := s.ApplyEvent(ctx, testEnvelope("first", base), ApplyOptions{}, noop)
	require.NoError(t, err)
	_, err = s.ApplyEvent(ctx, testEnvelope("latest", base.Add(time.Second)), ApplyOptions{}, latest)
	require.NoError(t, err)

	n, err := s.PruneEvents(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, _, err := s.ReplayEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "latest", events[0].EventID)
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s := openTestStore(t)
	status, err := GetMigrationStatus(s.db)
	require.NoError(t, err)
	assert.Equal(t, status.LatestVersion, status.CurrentVersion)
	assert.Empty(t, status.Pending)

	require.NoError(t, RollbackMigration(s.db))
	status, err = GetMigrationStatus(s.db)
	require.NoError(t, err)
	assert.Len(t, status.Pending, 1)

	require.NoError(t, MigrateDB(s.db))
	_, err = s.ListProjects(context.Background())
	assert.NoError(t, err)
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	v, err := s.Meta(ctx, "legacy_imported")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta(ctx, "legacy_imported", "1"))
	v, err = s.Meta(ctx, "legacy_imported")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}
