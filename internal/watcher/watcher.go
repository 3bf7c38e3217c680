// Package watcher observes the lock directory for entries written by
// something other than the daemon.
//
// Older hook shims create lock entries directly. Those entries are never
// trusted: each one is logged and triggers an orphan sweep of its path
// through the writer, which removes it if no live session stands behind it.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sessiond/internal/lock"
)

// DefaultSettle is how long an entry must go unchanged before it is read.
const DefaultSettle = 250 * time.Millisecond

// Reconciler sweeps orphaned locks under a path.
type Reconciler interface {
	Reconcile(ctx context.Context, path string) (int, error)
}

// Event reports one settled external lock entry.
type Event struct {
	Name      string
	Lock      lock.Info
	Removed   int
	Timestamp time.Time
}

// Config configures a Watcher.
type Config struct {
	Locks      *lock.Dir
	Reconciler Reconciler
	// Known reports whether the daemon tracks a session. Locks of known
	// sessions are the daemon's own writes.
	Known  func(sessionID string) bool
	Settle time.Duration
	Logger *slog.Logger
}

// Watcher monitors the lock directory.
type Watcher struct {
	cfg       Config
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger

	// pending maps entry name to the time it last changed.
	pending   map[string]time.Time
	pendingMu sync.Mutex

	events chan Event
	errors chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a lock directory watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Locks == nil || cfg.Reconciler == nil {
		return nil, errors.New("watcher: lock dir and reconciler are required")
	}
	if cfg.Known == nil {
		cfg.Known = func(string) bool { return false }
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:       cfg,
		fsWatcher: fsWatcher,
		logger:    cfg.Logger.With("component", "watcher"),
		pending:   make(map[string]time.Time),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
	}, nil
}

// Events returns settled external entries.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching the lock directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsWatcher.Add(w.cfg.Locks.Root()); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.settleLoop(ctx)
	w.logger.Debug("watching lock directory", "dir", w.cfg.Locks.Root())
	return nil
}

// Stop shuts the watcher down. It must follow a successful Start.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// Pending returns the number of entries waiting to settle.
func (w *Watcher) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !lock.IsEntry(name) {
				continue
			}
			w.pendingMu.Lock()
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.pending[name] = time.Now()
			} else if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(w.pending, name)
			}
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) settleLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.checkSettled(ctx, now)
		}
	}
}

// checkSettled handles entries that have not changed for the settle
// interval. The pending lock is released before any I/O.
func (w *Watcher) checkSettled(ctx context.Context, now time.Time) {
	threshold := now.Add(-w.cfg.Settle)

	var settled []string
	w.pendingMu.Lock()
	for name, changed := range w.pending {
		if changed.Before(threshold) {
			settled = append(settled, name)
			delete(w.pending, name)
		}
	}
	w.pendingMu.Unlock()

	for _, name := range settled {
		w.handle(ctx, name, now)
	}
}

func (w *Watcher) handle(ctx context.Context, name string, now time.Time) {
	info, err := w.cfg.Locks.ReadEntry(name)
	if errors.Is(err, lock.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Warn("unreadable lock entry", "entry", name, "error", err)
		return
	}
	if w.cfg.Known(info.SessionID) {
		return
	}

	w.logger.Info("lock written outside the daemon",
		"entry", name, "session_id", info.SessionID, "path", info.Path, "pid", info.PID)
	removed, err := w.cfg.Reconciler.Reconcile(ctx, info.Path)
	if err != nil {
		w.logger.Warn("orphan sweep failed", "path", info.Path, "error", err)
		select {
		case w.errors <- err:
		default:
		}
		return
	}
	if removed > 0 {
		w.logger.Info("orphan sweep removed locks", "path", info.Path, "removed", removed)
	}

	select {
	case w.events <- Event{Name: name, Lock: info, Removed: removed, Timestamp: now}:
	default:
	}
}
