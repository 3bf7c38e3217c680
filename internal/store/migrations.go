// Package store provides the SQLite-backed state store for sessiond.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with sessions, events and meta",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add shells table for terminal evidence",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add projects table for tracked locations",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
-- Current reduced state, one row per session
CREATE TABLE IF NOT EXISTS sessions (
    session_id       TEXT PRIMARY KEY,
    pid              INTEGER NOT NULL DEFAULT 0,
    proc_started     INTEGER NOT NULL DEFAULT 0,
    state            TEXT NOT NULL,
    cwd              TEXT NOT NULL,
    file_path        TEXT NOT NULL DEFAULT '',
    project_path     TEXT NOT NULL DEFAULT '',
    updated_at       INTEGER NOT NULL,
    state_changed_at INTEGER NOT NULL,
    last_event       TEXT NOT NULL DEFAULT '',
    last_event_id    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(pid);

-- Accepted events, append-only, kept for replay
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    session_id  TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    recorded_at TEXT NOT NULL DEFAULT '',
    sort_ns     INTEGER NOT NULL,
    received_ns INTEGER NOT NULL,
    envelope    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_order ON events(sort_ns, received_ns, id);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_ns);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS meta;
DROP INDEX IF EXISTS idx_events_received;
DROP INDEX IF EXISTS idx_events_order;
DROP TABLE IF EXISTS events;
DROP INDEX IF EXISTS idx_sessions_pid;
DROP TABLE IF EXISTS sessions;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS shells (
    pid             INTEGER PRIMARY KEY,
    cwd             TEXT NOT NULL,
    tty             TEXT NOT NULL DEFAULT '',
    parent_app      TEXT NOT NULL DEFAULT '',
    tmux_session    TEXT NOT NULL DEFAULT '',
    tmux_client_tty TEXT NOT NULL DEFAULT '',
    updated_at      INTEGER NOT NULL
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS shells;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS projects (
    path          TEXT PRIMARY KEY,
    registered_at INTEGER NOT NULL
);
`

const migrationV3Down = `
DROP TABLE IF EXISTS projects;
`

// MigrateDB applies all pending migrations.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(db *sql.DB) error {
	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus describes the schema state of a database.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus reports the applied and pending migrations.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		applied[v] = true
		if v > status.CurrentVersion {
			status.CurrentVersion = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}
