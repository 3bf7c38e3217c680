package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/journal"
	"sessiond/internal/store"
)

// OpenStore opens the database at path. A database that cannot be opened
// or fails its quick check is moved aside to path.corrupt-<unix> together
// with its WAL files, and a fresh one is created. quarantined is the new
// location of the old file, or empty.
func OpenStore(ctx context.Context, path string, opts store.Options, logger *slog.Logger) (s *store.Store, quarantined string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err = store.Open(path, opts)
	if err == nil {
		if err = s.QuickCheck(ctx); err == nil {
			return s, "", nil
		}
		s.Close()
	}
	if _, statErr := os.Stat(path); statErr != nil {
		// Nothing to move aside; the failure is not the file's fault.
		return nil, "", err
	}

	quarantined = fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	logger.Error("state database unusable, moving aside",
		"component", "writer", "path", path, "moved_to", quarantined, "error", err)
	if mvErr := os.Rename(path, quarantined); mvErr != nil {
		return nil, "", fmt.Errorf("quarantine database: %w", mvErr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, statErr := os.Stat(path + suffix); statErr == nil {
			os.Rename(path+suffix, quarantined+suffix)
		}
	}

	s, err = store.Open(path, opts)
	if err != nil {
		return nil, quarantined, fmt.Errorf("recreate database: %w", err)
	}
	return s, quarantined, nil
}

type pending struct {
	seq uint64
	env event.Envelope
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	Replayed   int `json:"replayed"`
	Unreadable int `json:"unreadable"`
}

// Recover replays the journal entries the store has not committed. It must
// run before Start.
func (w *Writer) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if w.started.Load() {
		return rep, fmt.Errorf("state: recover after start")
	}
	if n := w.cfg.Journal.TruncatedTail(); n > 0 {
		w.logger.Warn("journal tail was corrupt and has been truncated", "bytes", n)
	}

	committed, err := w.cfg.Store.JournalSeq(ctx)
	if err != nil {
		return rep, fmt.Errorf("read journal position: %w", err)
	}
	entries, err := w.cfg.Journal.ReadAfter(committed)
	if err != nil {
		return rep, fmt.Errorf("read journal: %w", err)
	}

	var todo []pending
	for _, e := range entries {
		if e.Type != journal.EntryEvent {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal(e.Payload, &env); err != nil {
			w.logger.Warn("skipping unreadable journal entry", "seq", e.Sequence, "error", err)
			rep.Unreadable++
			continue
		}
		todo = append(todo, pending{seq: e.Sequence, env: env})
	}
	sort.SliceStable(todo, func(i, j int) bool {
		a, b := todo[i], todo[j]
		ta, tb := a.env.EffectiveTime(), b.env.EffectiveTime()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if !a.env.ReceivedAt.Equal(b.env.ReceivedAt) {
			return a.env.ReceivedAt.Before(b.env.ReceivedAt)
		}
		return a.seq < b.seq
	})

	for i := range todo {
		p := &todo[i]
		if _, err := w.apply(ctx, &p.env, store.ApplyOptions{JournalSeq: p.seq}, true); err != nil {
			return rep, err
		}
		rep.Replayed++
	}
	if rep.Replayed > 0 {
		w.logger.Info("replayed journal", "entries", rep.Replayed, "from_seq", committed+1)
	}
	if err := w.publish(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

// RebuildReport summarizes Rebuild.
type RebuildReport struct {
	Events    int `json:"events"`
	BadEvents int `json:"bad_events"`
	Sessions  int `json:"sessions"`
	Shells    int `json:"shells"`
}

// Rebuild clears the derived tables and replays every recorded event in
// time order. Lock files are left alone.
func (w *Writer) Rebuild(ctx context.Context) (RebuildReport, error) {
	v, err := w.do(ctx, func(ctx context.Context) (any, error) {
		if err := w.unavailable(); err != nil {
			return RebuildReport{}, err
		}
		return w.rebuild(ctx)
	})
	if err != nil {
		return RebuildReport{}, err
	}
	return v.(RebuildReport), nil
}

func (w *Writer) rebuild(ctx context.Context) (RebuildReport, error) {
	var rep RebuildReport
	events, bad, err := w.cfg.Store.ReplayEvents(ctx)
	if err != nil {
		return rep, w.setFatal(err)
	}
	for _, b := range bad {
		w.logger.Warn("skipping corrupt event row", "row", b.RowID, "event_id", b.EventID, "error", b.Err)
	}
	rep.BadEvents = len(bad)

	if err := w.cfg.Store.ResetDerived(ctx); err != nil {
		return rep, w.setFatal(err)
	}
	for i := range events {
		if _, err := w.apply(ctx, &events[i], store.ApplyOptions{Replay: true}, false); err != nil {
			return rep, err
		}
		rep.Events++
	}
	if err := w.publish(ctx); err != nil {
		return rep, w.setFatal(err)
	}
	snap := w.Snapshot()
	rep.Sessions, rep.Shells = len(snap.Sessions), len(snap.Shells)
	w.logger.Info("rebuilt state", "events", rep.Events, "bad_events", rep.BadEvents,
		"sessions", rep.Sessions, "shells", rep.Shells)
	return rep, nil
}
