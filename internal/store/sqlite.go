package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sessiond/internal/event"
	"sessiond/internal/session"
)

// DefaultBusyTimeout is used when Options leaves it unset.
const DefaultBusyTimeout = 5 * time.Second

const metaJournalSeq = "journal_seq"

// ErrCorrupt is returned when the database fails its integrity check.
var ErrCorrupt = errors.New("store: database is corrupt")

// Options configures Open.
type Options struct {
	BusyTimeout time.Duration
}

// Store represents the SQLite state store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database at the given path and runs
// migrations.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: the writer is the only user and transactions must
	// not interleave.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// QuickCheck runs SQLite's quick integrity check.
func (s *Store) QuickCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Mutation is the write an ApplyFunc asks for.
type Mutation struct {
	// Upsert replaces the session record when non-nil.
	Upsert *session.Record
	// Delete removes the session record.
	Delete bool
	// Shell replaces the shell entry for its PID when non-nil.
	Shell *event.ShellEntry
}

// ApplyFunc computes a Mutation from the current record, which is nil when
// the session has none.
type ApplyFunc func(current *session.Record) (Mutation, error)

// ApplyOptions qualify one ApplyEvent call.
type ApplyOptions struct {
	// JournalSeq is the journal sequence of the event, or zero.
	JournalSeq uint64
	// Replay skips recording the event, which is already in the events
	// table.
	Replay bool
}

// ApplyEvent records env and applies fn's mutation in one transaction. It
// reports false without calling fn when the event id was already recorded.
func (s *Store) ApplyEvent(ctx context.Context, env *event.Envelope, opts ApplyOptions, fn ApplyFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied := true
	if !opts.Replay {
		inserted, err := insertEvent(ctx, tx, env)
		if err != nil {
			return false, err
		}
		applied = inserted
	}

	if applied {
		var current *session.Record
		if env.SessionID != "" {
			current, err = loadSession(ctx, tx, env.SessionID)
			if err != nil {
				return false, err
			}
		}
		m, err := fn(current)
		if err != nil {
			return false, err
		}
		if err := writeMutation(ctx, tx, env.SessionID, m); err != nil {
			return false, err
		}
	}

	if opts.JournalSeq > 0 {
		if err := advanceJournalSeq(ctx, tx, opts.JournalSeq); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event: %w", err)
	}
	return applied, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, env *event.Envelope) (bool, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, session_id, event_type, recorded_at, sort_ns, received_ns, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.EventID, env.SessionID, env.Type.String(), env.RecordedAt,
		env.EffectiveTime().UnixNano(), env.ReceivedAt.UnixNano(), string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n == 1, nil
}

func writeMutation(ctx context.Context, tx *sql.Tx, sessionID string, m Mutation) error {
	if m.Delete && sessionID != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if m.Upsert != nil {
		if err := upsertSession(ctx, tx, m.Upsert); err != nil {
			return err
		}
	}
	if m.Shell != nil {
		if err := upsertShell(ctx, tx, m.Shell); err != nil {
			return err
		}
	}
	return nil
}

func advanceJournalSeq(ctx context.Context, tx *sql.Tx, seq uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(meta.value AS INTEGER)`,
		metaJournalSeq, strconv.FormatUint(seq, 10),
	)
	if err != nil {
		return fmt.Errorf("advance journal seq: %w", err)
	}
	return nil
}

// JournalSeq returns the highest journal sequence committed to the store.
func (s *Store) JournalSeq(ctx context.Context) (uint64, error) {
	v, err := s.Meta(ctx, metaJournalSeq)
	if err != nil || v == "" {
		return 0, err
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse journal seq %q: %w", v, err)
	}
	return seq, nil
}

// Meta returns a meta value, or "" when unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta stores a meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const sessionColumns = `session_id, pid, proc_started, state, cwd, file_path, project_path,
	updated_at, state_changed_at, last_event, last_event_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Record, error) {
	var (
		r                  session.Record
		state              string
		updated, changedAt int64
	)
	if err := row.Scan(&r.SessionID, &r.PID, &r.ProcStarted, &state, &r.Cwd, &r.FilePath,
		&r.ProjectPath, &updated, &changedAt, &r.LastEvent, &r.LastEventID); err != nil {
		return nil, err
	}
	st, err := session.ParseState(state)
	if err != nil {
		return nil, err
	}
	r.State = st
	r.UpdatedAt = time.Unix(0, updated).UTC()
	r.StateChangedAt = time.Unix(0, changedAt).UTC()
	return &r, nil
}

func loadSession(ctx context.Context, q queryer, id string) (*session.Record, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return r, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, r *session.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pid = excluded.pid,
			proc_started = excluded.proc_started,
			state = excluded.state,
			cwd = excluded.cwd,
			file_path = excluded.file_path,
			project_path = excluded.project_path,
			updated_at = excluded.updated_at,
			state_changed_at = excluded.state_changed_at,
			last_event = excluded.last_event,
			last_event_id = excluded.last_event_id`,
		r.SessionID, r.PID, r.ProcStarted, string(r.State), r.Cwd, r.FilePath, r.ProjectPath,
		r.UpdatedAt.UnixNano(), r.StateChangedAt.UnixNano(), r.LastEvent, r.LastEventID,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", r.SessionID, err)
	}
	return nil
}

// GetSession returns one session record, or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Record, error) {
	return loadSession(ctx, s.db, id)
}

// ListSessions returns every session record ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func upsertShell(ctx context.Context, tx *sql.Tx, sh *event.ShellEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shells (pid, cwd, tty, parent_app, tmux_session, tmux_client_tty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			cwd = excluded.cwd,
			tty = excluded.tty,
			parent_app = excluded.parent_app,
			tmux_session = excluded.tmux_session,
			tmux_client_tty = excluded.tmux_client_tty,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= shells.updated_at`,
		sh.PID, sh.Cwd, sh.TTY, sh.ParentApp, sh.TmuxSession, sh.TmuxClientTTY, sh.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert shell %d: %w", sh.PID, err)
	}
	return nil
}

// ListShells returns every shell entry ordered by pid. IsLive is left unset.
func (s *Store) ListShells(ctx context.Context) ([]event.ShellEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, cwd, tty, parent_app, tmux_session, tmux_client_tty, updated_at
		FROM shells ORDER BY pid`)
	if err != nil {
		return nil, fmt.Errorf("list shells: %w", err)
	}
	defer rows.Close()

	var out []event.ShellEntry
	for rows.Next() {
		var sh event.ShellEntry
		var updated int64
		if err := rows.Scan(&sh.PID, &sh.Cwd, &sh.TTY, &sh.ParentApp, &sh.TmuxSession, &sh.TmuxClientTTY, &updated); err != nil {
			return nil, fmt.Errorf("scan shell: %w", err)
		}
		sh.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, sh)
	}
	return out, rows.Err()
}

// PruneShells removes shell entries last updated before cutoff.
func (s *Store) PruneShells(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM shells WHERE updated_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune shells: %w", err)
	}
	return res.RowsAffected()
}

// UpsertProject tracks path. An existing project keeps its registration
// time, which is returned.
func (s *Store) UpsertProject(ctx context.Context, path string, at time.Time) (Project, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO projects (path, registered_at) VALUES (?, ?)", path, at.UnixNano()); err != nil {
		return Project{}, fmt.Errorf("register project: %w", err)
	}
	var registered int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT registered_at FROM projects WHERE path = ?", path).Scan(&registered); err != nil {
		return Project{}, fmt.Errorf("load project: %w", err)
	}
	return Project{Path: path, RegisteredAt: time.Unix(0, registered).UTC()}, nil
}

// ListProjects returns tracked projects ordered by path.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, registered_at FROM projects ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var registered int64
		if err := rows.Scan(&p.Path, &registered); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.RegisteredAt = time.Unix(0, registered).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountEvents returns the number of recorded events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// PruneEvents removes events received before cutoff. The event each stored
// session was last built from is kept so that a rebuild still finds it.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM events
WHERE received_ns < ?
  AND event_id NOT IN (SELECT last_event_id FROM sessions WHERE last_event_id != '')`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// ReplayEvents loads every recorded event in replay order: recorded time,
// then receive time, then insertion order. Rows whose envelope cannot be
// decoded are reported through bad and skipped.
func (s *Store) ReplayEvents(ctx context.Context) (events []event.Envelope, bad []BadEvent, err error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, event_id, envelope FROM events ORDER BY sort_ns, received_ns, id")
	if err != nil {
		return nil, nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      int64
			eventID string
			payload string
		)
		if err := rows.Scan(&id, &eventID, &payload); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			bad = append(bad, BadEvent{RowID: id, EventID: eventID, Err: err})
			continue
		}
		events = append(events, env)
	}
	return events, bad, rows.Err()
}

// ResetDerived clears the state that replay rebuilds: sessions and shells.
func (s *Store) ResetDerived(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{"DELETE FROM sessions", "DELETE FROM shells"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset derived state: %w", err)
		}
	}
	return tx.Commit()
}

// IsEmpty reports whether the store holds no events, sessions or projects.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM events) + (SELECT COUNT(*) FROM sessions) + (SELECT COUNT(*) FROM projects)`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check empty: %w", err)
	}
	return n == 0, nil
}
