package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce coalesces bursts of writes from editors.
const ReloadDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	logger   *slog.Logger
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	done     chan struct{}
}

// NewLoader creates a new configuration loader. An empty path means the
// first config file found in the data directory.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		path = ConfigPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		logger:  logger.With("component", "config"),
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	findings := Check(cfg)
	for _, w := range findings.Warnings() {
		l.logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}
	if errs := findings.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("validation failed: %w", errs)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked after a successful reload. Register
// callbacks before Watch.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file for changes. The directory
// is watched so that editors replacing the file are seen.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(ReloadDebounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(fmt.Errorf("watch config: %w", err))
		}
	}
}

func (l *Loader) report(err error) {
	l.logger.Warn("config reload failed", "error", err)
	select {
	case l.errChan <- err:
	default:
	}
}

// reload keeps the old configuration when the new one is invalid.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.RLock()
	old := l.config
	l.mu.RUnlock()

	cfg, err := l.Load()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}
	if old == nil {
		old = DefaultConfig()
	}

	changes := Diff(old, cfg)
	if len(changes) == 0 {
		return
	}
	for _, ch := range changes {
		if ch.Reloadable {
			l.logger.Info("config changed", "section", ch.Section)
		} else {
			l.logger.Warn("config change requires restart", "section", ch.Section)
		}
	}
	for _, cb := range l.onChange {
		cb(old, cfg)
	}
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// Change is one differing configuration section.
type Change struct {
	Section string
	// Reloadable changes take effect without a restart.
	Reloadable bool
}

// Diff lists the sections that differ between old and new. Only
// logging.level and the policy section apply at runtime.
func Diff(old, new *Config) []Change {
	var changes []Change
	add := func(section string, reloadable bool, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, Change{Section: section, Reloadable: reloadable})
		}
	}

	add("logging.level", true, old.Logging.Level, new.Logging.Level)
	add("policy", true, old.Policy, new.Policy)

	oldLog, newLog := old.Logging, new.Logging
	oldLog.Level, newLog.Level = "", ""
	add("logging", false, oldLog, newLog)
	add("storage", false, old.Storage, new.Storage)
	add("locks", false, old.Locks, new.Locks)
	add("ipc", false, old.IPC, new.IPC)
	add("shells", false, old.Shells, new.Shells)
	add("projects", false, old.Projects, new.Projects)
	add("metrics", false, old.Metrics, new.Metrics)
	add("legacy", false, old.Legacy, new.Legacy)
	return changes
}
