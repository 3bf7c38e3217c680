package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/journal"
	"sessiond/internal/lock"
	"sessiond/internal/pathmatch"
	"sessiond/internal/project"
	"sessiond/internal/reducer"
	"sessiond/internal/session"
	"sessiond/internal/store"
)

var (
	// ErrWriterStopped is returned once the writer has shut down.
	ErrWriterStopped = errors.New("state: writer stopped")
	// ErrUnavailable is returned for writes after a fatal error.
	ErrUnavailable = errors.New("state: writer unavailable")
)

// Outcome is the fate of one submitted event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeHeartbeat Outcome = "heartbeat"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes what Submit did.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	State   session.State `json:"state,omitempty"`
	EventID string        `json:"event_id"`
}

// Recorder receives writer telemetry. Nil disables it.
type Recorder interface {
	EventProcessed(eventType, outcome string)
	OrphansRemoved(n int)
	SnapshotPublished(version uint64, sessions int)
}

// Config wires a Writer.
type Config struct {
	Store    *store.Store
	Journal  *journal.Journal
	Locks    *lock.Dir
	Resolver lock.Resolver
	Boundary project.Boundary

	// ShellTTL bounds how long shell evidence is kept. Zero keeps it.
	ShellTTL time.Duration
	// EventRetention bounds how long events are kept. Zero keeps them.
	EventRetention time.Duration

	Logger   *slog.Logger
	Recorder Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

type request struct {
	ctx   context.Context
	run   func(ctx context.Context) (any, error)
	reply chan response
}

type response struct {
	val any
	err error
}

// Writer is the single owner of mutable state.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	reqs chan request
	done chan struct{}
	wg   sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once

	snap    atomic.Pointer[Snapshot]
	version uint64
	fatal   atomic.Pointer[fatalError]
}

type fatalError struct{ err error }

// NewWriter builds a writer and publishes the initial snapshot. Call Start
// to begin serving requests.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Store == nil || cfg.Journal == nil || cfg.Locks == nil {
		return nil, errors.New("state: store, journal and lock dir are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Writer{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "writer"),
		reqs:   make(chan request),
		done:   make(chan struct{}),
	}
	if err := w.publish(context.Background()); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.loop()
}

// Stop drains the writer goroutine. Pending callers get ErrWriterStopped.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case req := <-w.reqs:
			val, err := req.run(req.ctx)
			req.reply <- response{val: val, err: err}
		}
	}
}

// do runs fn on the writer goroutine.
func (w *Writer) do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if !w.started.Load() {
		return nil, ErrWriterStopped
	}
	req := request{ctx: ctx, run: fn, reply: make(chan response, 1)}
	select {
	case w.reqs <- req:
	case <-w.done:
		return nil, ErrWriterStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.val, resp.err
	case <-ctx.Done():
		// The request still completes on the writer.
		return nil, ctx.Err()
	}
}

// Snapshot returns the latest committed snapshot.
func (w *Writer) Snapshot() *Snapshot {
	return w.snap.Load()
}

// Fatal returns the error that stopped the writer from making progress.
func (w *Writer) Fatal() error {
	if f := w.fatal.Load(); f != nil {
		return f.err
	}
	return nil
}

// Check reports whether the writer accepts writes.
func (w *Writer) Check(ctx context.Context) error {
	if err := w.Fatal(); err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrWriterStopped
	default:
	}
	if !w.started.Load() {
		return ErrWriterStopped
	}
	return nil
}

func (w *Writer) setFatal(err error) error {
	w.fatal.CompareAndSwap(nil, &fatalError{err: err})
	w.logger.Error("writer cannot make progress", "error", err)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (w *Writer) unavailable() error {
	if err := w.Fatal(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Submit journals and applies one event.
func (w *Writer) Submit(ctx context.Context, env event.Envelope) (Result, error) {
	v, err := w.do(ctx, func(ctx context.Context) (any, error) {
		if err := w.unavailable(); err != nil {
			return Result{}, err
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return Result{}, fmt.Errorf("encode event: %w", err)
		}
		seq, err := w.cfg.Journal.Append(journal.EntryEvent, payload)
		if err != nil {
			return Result{}, w.setFatal(fmt.Errorf("journal append: %w", err))
		}
		res, err := w.apply(ctx, &env, store.ApplyOptions{JournalSeq: seq}, true)
		if err != nil {
			return Result{}, err
		}
		if res.Outcome != OutcomeDuplicate {
			if err := w.publish(ctx); err != nil {
				return res, w.setFatal(err)
			}
		}
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// apply reduces env inside a store transaction and performs the lock side
// effects of session start and end.
func (w *Writer) apply(ctx context.Context, env *event.Envelope, opts store.ApplyOptions, lockEffects bool) (Result, error) {
	res := Result{EventID: env.EventID}
	var upd reducer.Update

	applied, err := w.cfg.Store.ApplyEvent(ctx, env, opts, func(cur *session.Record) (store.Mutation, error) {
		if env.Type == event.ShellCwd {
			sh := event.ShellFromEnvelope(env)
			res.Outcome = OutcomeApplied
			res.Reason = reducer.ReasonShellEvidence
			return store.Mutation{Shell: &sh}, nil
		}

		upd = reducer.Reduce(cur, env)
		switch upd.Kind {
		case reducer.Skip:
			res.Outcome, res.Reason = OutcomeSkipped, upd.Reason
			if cur != nil {
				res.State = cur.State
			}
			return store.Mutation{}, nil
		case reducer.Delete:
			res.Outcome = OutcomeDeleted
			return store.Mutation{Delete: true}, nil
		}

		next := reducer.Materialize(cur, env, upd, w.cfg.Boundary.Root(env.Location()))
		res.State = next.State
		res.Outcome = OutcomeApplied
		if upd.Kind == reducer.Heartbeat {
			res.Outcome = OutcomeHeartbeat
		}
		return store.Mutation{Upsert: next}, nil
	})
	if err != nil {
		return Result{}, w.setFatal(fmt.Errorf("apply event: %w", err))
	}
	if !applied {
		res = Result{Outcome: OutcomeDuplicate, EventID: env.EventID}
	}
	w.record(env.Type.String(), res)

	if res.Outcome == OutcomeSkipped {
		w.logger.Debug("event skipped",
			"event_type", env.Type.String(), "event_id", env.EventID,
			"reason", res.Reason, "recorded_at", env.RecordedAt)
	}

	if !applied || !lockEffects {
		return res, nil
	}
	switch {
	case env.Type == event.SessionStart && upd.Kind != reducer.Skip:
		_, err := w.cfg.Locks.Create(lock.Info{
			SessionID:   env.SessionID,
			Path:        env.Location(),
			PID:         env.PID,
			ProcStarted: env.ProcStarted,
		})
		if err != nil {
			return res, w.setFatal(err)
		}
	case upd.Kind == reducer.Delete:
		if err := w.cfg.Locks.Remove(env.SessionID); err != nil {
			return res, w.setFatal(err)
		}
	}
	return res, nil
}

func (w *Writer) record(eventType string, res Result) {
	if w.cfg.Recorder != nil {
		w.cfg.Recorder.EventProcessed(eventType, string(res.Outcome))
	}
}

// publish reloads the committed state into a new snapshot.
func (w *Writer) publish(ctx context.Context) error {
	sessions, err := w.cfg.Store.ListSessions(ctx)
	if err != nil {
		return err
	}
	shells, err := w.cfg.Store.ListShells(ctx)
	if err != nil {
		return err
	}
	projects, err := w.cfg.Store.ListProjects(ctx)
	if err != nil {
		return err
	}
	w.version++
	snap := &Snapshot{
		Version:  w.version,
		TakenAt:  w.cfg.Now().UTC(),
		Sessions: sessions,
		Shells:   shells,
		Projects: projects,
	}
	w.snap.Store(snap)
	if w.cfg.Recorder != nil {
		w.cfg.Recorder.SnapshotPublished(snap.Version, len(sessions))
	}
	return nil
}

// Registration is the result of RegisterProject.
type Registration struct {
	Path           string `json:"path"`
	OrphansRemoved int    `json:"orphans_removed"`
}

// RegisterProject tracks path and removes the stale locks that match it.
func (w *Writer) RegisterProject(ctx context.Context, path string) (Registration, error) {
	p, err := pathmatch.Parse(path)
	if err != nil {
		return Registration{}, fmt.Errorf("project path %q: %w", path, err)
	}
	v, err := w.do(ctx, func(ctx context.Context) (any, error) {
		if err := w.unavailable(); err != nil {
			return Registration{}, err
		}
		if _, err := w.cfg.Store.UpsertProject(ctx, p.String(), w.cfg.Now()); err != nil {
			return Registration{}, w.setFatal(err)
		}
		removed, err := w.reconcile(ctx, p)
		if err != nil {
			return Registration{}, err
		}
		if err := w.publish(ctx); err != nil {
			return Registration{}, w.setFatal(err)
		}
		return Registration{Path: p.String(), OrphansRemoved: removed}, nil
	})
	if err != nil {
		return Registration{}, err
	}
	return v.(Registration), nil
}

// Reconcile removes the stale locks matching path without tracking it.
func (w *Writer) Reconcile(ctx context.Context, path string) (int, error) {
	p, err := pathmatch.Parse(path)
	if err != nil {
		return 0, fmt.Errorf("reconcile path %q: %w", path, err)
	}
	v, err := w.do(ctx, func(ctx context.Context) (any, error) {
		if err := w.unavailable(); err != nil {
			return 0, err
		}
		return w.reconcile(ctx, p)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// reconcile removes dead and orphaned locks matching q.
func (w *Writer) reconcile(ctx context.Context, q pathmatch.Path) (int, error) {
	locks, skipped, err := w.cfg.Locks.List()
	if err != nil {
		return 0, w.setFatal(err)
	}
	for _, name := range skipped {
		w.logger.Warn("unreadable lock entry", "entry", name)
	}
	sessions, err := w.cfg.Store.ListSessions(ctx)
	if err != nil {
		return 0, w.setFatal(err)
	}

	dead, orphaned := w.cfg.Resolver.Stale(q, locks, project.NewIndex(sessions))
	removed := 0
	for _, l := range append(dead, orphaned...) {
		if err := w.cfg.Locks.Remove(l.SessionID); err != nil {
			return removed, w.setFatal(err)
		}
		removed++
	}
	if len(orphaned) > 0 {
		w.logger.Info("removed orphaned locks", "path", q.String(), "count", len(orphaned))
		if w.cfg.Recorder != nil {
			w.cfg.Recorder.OrphansRemoved(len(orphaned))
		}
	}
	return removed, nil
}

// PruneReport summarizes a Prune call.
type PruneReport struct {
	Events         int64 `json:"events"`
	Shells         int64 `json:"shells"`
	JournalEntries int   `json:"journal_entries"`
	DeadLocks      int   `json:"dead_locks"`
}

// Prune applies the retention windows and drops dead-owner locks.
func (w *Writer) Prune(ctx context.Context) (PruneReport, error) {
	v, err := w.do(ctx, func(ctx context.Context) (any, error) {
		if err := w.unavailable(); err != nil {
			return PruneReport{}, err
		}
		return w.prune(ctx)
	})
	if err != nil {
		return PruneReport{}, err
	}
	return v.(PruneReport), nil
}

func (w *Writer) prune(ctx context.Context) (PruneReport, error) {
	var rep PruneReport
	now := w.cfg.Now()

	if ttl := w.cfg.ShellTTL; ttl > 0 {
		n, err := w.cfg.Store.PruneShells(ctx, now.Add(-ttl))
		if err != nil {
			return rep, w.setFatal(err)
		}
		rep.Shells = n
	}

	if keep := w.cfg.EventRetention; keep > 0 {
		cutoff := now.Add(-keep)
		n, err := w.cfg.Store.PruneEvents(ctx, cutoff)
		if err != nil {
			return rep, w.setFatal(err)
		}
		rep.Events = n

		removed, err := w.truncateJournal(ctx, cutoff)
		if err != nil {
			return rep, w.setFatal(err)
		}
		rep.JournalEntries = removed
	}

	locks, _, err := w.cfg.Locks.List()
	if err != nil {
		return rep, w.setFatal(err)
	}
	for _, l := range locks {
		st := w.cfg.Resolver.Prober.Check(l.PID, l.ProcStarted)
		if st.Alive || !st.Verified {
			continue
		}
		if err := w.cfg.Locks.Remove(l.SessionID); err != nil {
			return rep, w.setFatal(err)
		}
		rep.DeadLocks++
	}

	if err := w.publish(ctx); err != nil {
		return rep, w.setFatal(err)
	}
	w.logger.Debug("pruned", "events", rep.Events, "shells", rep.Shells,
		"journal_entries", rep.JournalEntries, "dead_locks", rep.DeadLocks)
	return rep, nil
}

// truncateJournal drops the leading entries that are both committed and
// older than cutoff.
func (w *Writer) truncateJournal(ctx context.Context, cutoff time.Time) (int, error) {
	committed, err := w.cfg.Store.JournalSeq(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := w.cfg.Journal.ReadAll()
	if err != nil {
		return 0, err
	}
	before := w.cfg.Journal.LastSequence() + 1
	for _, e := range entries {
		if e.Sequence > committed || !e.Time().Before(cutoff) {
			before = e.Sequence
			break
		}
	}
	return w.cfg.Journal.Truncate(before)
}
