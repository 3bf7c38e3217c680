// Package legacy imports the flat-file session snapshot written by older
// releases.
//
// The snapshot is read once, into an empty store, as synthetic events
// through the normal write path. It is then renamed so it is never read
// again.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/session"
	"sessiond/internal/state"
)

// MigratedSuffix is appended to an imported snapshot.
const MigratedSuffix = ".migrated"

// Submitter accepts events.
type Submitter interface {
	Submit(ctx context.Context, env event.Envelope) (state.Result, error)
}

// EmptyChecker reports whether the store holds any state.
type EmptyChecker interface {
	IsEmpty(ctx context.Context) (bool, error)
}

// Entry is one session in the snapshot.
type Entry struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Cwd         string `json:"cwd"`
	FilePath    string `json:"file_path,omitempty"`
	PID         int    `json:"pid"`
	ProcStarted int64  `json:"proc_started,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// Report summarizes an import.
type Report struct {
	Path     string `json:"path"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	// MovedTo is where the snapshot was renamed, empty when none existed.
	MovedTo string `json:"moved_to,omitempty"`
}

// Importer moves a legacy snapshot into the store.
type Importer struct {
	Store  EmptyChecker
	Writer Submitter
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Import reads the snapshot at path. A missing file is not an error. When
// the store already holds state, the snapshot is set aside unread.
func (im Importer) Import(ctx context.Context, path string) (Report, error) {
	rep := Report{Path: path}
	logger := im.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "legacy")
	now := time.Now
	if im.Now != nil {
		now = im.Now
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("read legacy snapshot: %w", err)
	}

	empty, err := im.Store.IsEmpty(ctx)
	if err != nil {
		return rep, fmt.Errorf("check store: %w", err)
	}
	if !empty {
		logger.Info("store already populated, setting legacy snapshot aside", "path", path)
	} else {
		entries, err := Decode(data)
		if err != nil {
			// Unparsable snapshots are moved aside too; they hold nothing usable.
			logger.Warn("legacy snapshot unreadable", "path", path, "error", err)
		}
		for _, e := range entries {
			n, err := im.submit(ctx, e, now())
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, state.ErrUnavailable) || errors.Is(err, state.ErrWriterStopped) {
					return rep, err
				}
				logger.Debug("legacy entry skipped", "session_id", e.SessionID, "error", err)
				rep.Skipped++
				continue
			}
			if n == 0 {
				rep.Skipped++
				continue
			}
			rep.Imported++
		}
	}

	rep.MovedTo = path + MigratedSuffix
	if err := os.Rename(path, rep.MovedTo); err != nil {
		return rep, fmt.Errorf("set legacy snapshot aside: %w", err)
	}
	logger.Info("legacy snapshot imported",
		"imported", rep.Imported, "skipped", rep.Skipped, "moved_to", rep.MovedTo)
	return rep, nil
}

// submit replays one entry as a SessionStart followed, for busy states, by
// the event that produces that state. It returns the number of applied
// events.
func (im Importer) submit(ctx context.Context, e Entry, now time.Time) (int, error) {
	st, err := session.ParseState(e.State)
	if err != nil {
		return 0, err
	}
	if st == session.Idle {
		return 0, nil
	}

	raws := []event.Raw{{EventType: event.SessionStart.String()}}
	switch st {
	case session.Working:
		raws = append(raws, event.Raw{EventType: event.UserPromptSubmit.String()})
	case session.Waiting:
		raws = append(raws, event.Raw{EventType: event.PermissionRequest.String()})
	case session.Compacting:
		raws = append(raws, event.Raw{EventType: event.PreCompact.String(), Trigger: event.TriggerAuto})
	}

	applied := 0
	for i, raw := range raws {
		raw.EventID = fmt.Sprintf("legacy:%s:%d", e.SessionID, i)
		raw.SessionID = e.SessionID
		raw.PID = e.PID
		raw.ProcStarted = e.ProcStarted
		raw.Cwd = e.Cwd
		raw.FilePath = e.FilePath
		raw.RecordedAt = e.UpdatedAt

		env, err := event.NormalizeRaw(raw, now)
		if err != nil {
			return applied, err
		}
		res, err := im.Writer.Submit(ctx, env)
		if err != nil {
			return applied, err
		}
		if res.Outcome == state.OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// Decode parses a snapshot. Sessions may be a list or an object keyed by
// session id; the returned entries are ordered by session id.
func Decode(data []byte) ([]Entry, error) {
	var doc struct {
		Sessions json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode legacy snapshot: %w", err)
	}
	if len(doc.Sessions) == 0 || string(doc.Sessions) == "null" {
		return nil, nil
	}

	var entries []Entry
	if err := json.Unmarshal(doc.Sessions, &entries); err != nil {
		var byID map[string]Entry
		if err := json.Unmarshal(doc.Sessions, &byID); err != nil {
			return nil, fmt.Errorf("decode legacy sessions: %w", err)
		}
		for id, e := range byID {
			if e.SessionID == "" {
				e.SessionID = id
			}
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionID < entries[j].SessionID })
	return entries, nil
}
