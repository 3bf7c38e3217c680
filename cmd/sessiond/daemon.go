package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/health"
	"sessiond/internal/ipc"
	"sessiond/internal/journal"
	"sessiond/internal/legacy"
	"sessiond/internal/lock"
	"sessiond/internal/logging"
	"sessiond/internal/metrics"
	"sessiond/internal/pathmatch"
	"sessiond/internal/procinfo"
	"sessiond/internal/project"
	"sessiond/internal/state"
	"sessiond/internal/store"
	"sessiond/internal/watcher"
)

// shutdownTimeout bounds the metrics listener shutdown.
const shutdownTimeout = 5 * time.Second

// daemon owns every long-lived component of a running sessiond.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	log    *logging.Logger
	logger *slog.Logger

	store   *store.Store
	journal *journal.Journal
	locks   *lock.Dir
	writer  *state.Writer

	matcher pathmatch.Matcher
	prober  procinfo.Prober

	checker    *health.Checker
	metrics    *metrics.Metrics
	handler    *ipc.DaemonHandler
	server     *ipc.Server
	watcher    *watcher.Watcher
	metricsSrv *metrics.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// setupLogging builds the process logger from cfg. verbose forces debug.
func setupLogging(cfg *config.Config, verbose bool) (*logging.Logger, error) {
	lc, err := cfg.Logging.Build()
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	if verbose {
		lc.Level = logging.LevelDebug
	}
	l, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(l)
	return l, nil
}

// loadConfig reads the configuration and prepares the process logger.
func loadConfig(opts *options) (*config.Config, *config.Loader, *logging.Logger, error) {
	boot, err := config.Load(opts.configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := setupLogging(boot, opts.verbose)
	if err != nil {
		return nil, nil, nil, err
	}
	loader := config.NewLoader(opts.configFile, log.Logger)
	cfg, err := loader.Load()
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Close()
		return nil, nil, nil, err
	}
	return cfg, loader, log, nil
}

// openState opens the journal, store and lock directory and builds the
// writer on top of them. The writer is not started.
func (d *daemon) openState(ctx context.Context) error {
	// The journal lock is taken before the database is touched, so a second
	// daemon fails here instead of quarantining the live database.
	var err error
	if d.journal, err = journal.Open(d.cfg.Storage.JournalPath); err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if n := d.journal.TruncatedTail(); n > 0 {
		d.logger.Warn("journal tail truncated", "bytes", n)
	}

	st, quarantined, err := state.OpenStore(ctx, d.cfg.Storage.Path,
		store.Options{BusyTimeout: d.cfg.Storage.BusyTimeout()}, d.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st
	if quarantined != "" {
		d.logger.Warn("started with a fresh database", "quarantined", quarantined)
	}

	if d.locks, err = lock.OpenDir(d.cfg.Locks.Dir); err != nil {
		return fmt.Errorf("open lock dir: %w", err)
	}

	home, _ := os.UserHomeDir()
	d.matcher = pathmatch.NewMatcher(home, d.cfg.Locks.ManagedWorktreeDir)
	d.prober = procinfo.System{Tolerance: procinfo.DefaultTolerance}

	var recorder state.Recorder
	if d.metrics != nil {
		recorder = d.metrics
	}
	d.writer, err = state.NewWriter(state.Config{
		Store:          d.store,
		Journal:        d.journal,
		Locks:          d.locks,
		Resolver:       lock.Resolver{Matcher: d.matcher, Prober: d.prober},
		Boundary:       project.NewBoundary(d.cfg.Locks.ProjectMarkers),
		ShellTTL:       d.cfg.Shells.TTL(),
		EventRetention: d.cfg.Storage.EventRetention(),
		Logger:         d.logger,
		Recorder:       recorder,
	})
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	rep, err := d.writer.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if rep.Replayed > 0 || rep.Unreadable > 0 {
		d.logger.Info("journal recovered", "replayed", rep.Replayed, "unreadable", rep.Unreadable)
	}
	return nil
}

// closeState releases what openState acquired, in reverse order.
func (d *daemon) closeState() {
	if d.writer != nil {
		d.writer.Stop()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("close journal", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
	}
}

func (d *daemon) registerHealth() {
	d.checker = health.NewChecker()
	d.checker.RegisterFunc("store", true, health.DatabaseCheck(d.store.Ping))
	d.checker.RegisterFunc("journal", true, health.ErrorCheck("journal writable",
		func(context.Context) error { return d.journal.Check() }))
	d.checker.RegisterFunc("lock_dir", false, health.ErrorCheck("lock directory writable",
		func(context.Context) error { return d.locks.Check() }))
	d.checker.RegisterFunc("writer", true, health.ErrorCheck("writer running", d.writer.Check))
}

func (d *daemon) view(cfg *config.Config) (project.View, error) {
	policy, err := cfg.Policy.Build()
	if err != nil {
		return project.View{}, fmt.Errorf("ranking policy: %w", err)
	}
	return project.View{Matcher: d.matcher, Prober: d.prober, Policy: policy}, nil
}

// Start brings the daemon up. On error everything already started is
// torn down.
func (d *daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	d.metrics = metrics.New()
	if err := d.openState(ctx); err != nil {
		return err
	}
	d.writer.Start()

	imp := legacy.Importer{Store: d.store, Writer: d.writer, Logger: d.logger}
	if _, err := imp.Import(ctx, d.cfg.Legacy.SnapshotPath); err != nil {
		d.logger.Warn("legacy import failed", "path", d.cfg.Legacy.SnapshotPath, "error", err)
	}
	for _, p := range d.cfg.Projects.Paths {
		reg, err := d.writer.RegisterProject(ctx, p)
		if err != nil {
			d.logger.Warn("register configured project", "path", p, "error", err)
			continue
		}
		d.logger.Debug("project registered", "path", reg.Path, "orphans_removed", reg.OrphansRemoved)
	}

	d.registerHealth()
	v, err := d.view(d.cfg)
	if err != nil {
		return err
	}
	d.handler = ipc.NewDaemonHandler(ipc.HandlerConfig{
		Writer:  d.writer,
		Locks:   d.locks,
		View:    v,
		Health:  d.checker,
		Version: Version,
		Logger:  d.logger,
	})

	srvCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	srvCfg.Permissions = d.cfg.IPC.FileMode()
	srvCfg.MaxConnections = d.cfg.IPC.MaxConnections
	srvCfg.ReadTimeout = d.cfg.IPC.ReadTimeout()
	srvCfg.AllowOtherUsers = d.cfg.IPC.AllowOtherUsers
	srvCfg.Logger = d.logger
	srvCfg.Observer = d.metrics
	if d.server, err = ipc.NewServer(srvCfg, d.handler); err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := d.server.Start(); err != nil {
		d.server = nil
		return fmt.Errorf("start server: %w", err)
	}

	d.watcher, err = watcher.New(watcher.Config{
		Locks:      d.locks,
		Reconciler: d.writer,
		Known: func(id string) bool {
			return d.writer.Snapshot().Session(id) != nil
		},
		Logger: d.logger,
	})
	if err != nil {
		return fmt.Errorf("create lock watcher: %w", err)
	}
	if err := d.watcher.Start(ctx); err != nil {
		d.watcher = nil
		return fmt.Errorf("watch lock dir: %w", err)
	}

	if addr := d.cfg.Metrics.ListenAddr; addr != "" {
		if d.metricsSrv, err = metrics.Listen(addr, d.metrics, d.checker.Handler(), d.logger); err != nil {
			return err
		}
		go func() {
			if err := d.metricsSrv.Serve(); err != nil {
				d.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	d.loader.OnChange(d.applyConfig)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "path", d.loader.Path(), "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.pruneLoop(loopCtx)

	d.checker.SetReady(true)
	d.logger.Info("sessiond started",
		"version", Version,
		"socket", d.cfg.IPC.SocketPath,
		"store", d.cfg.Storage.Path,
		"pid", os.Getpid())
	return nil
}

// applyConfig carries the reloadable settings of a new configuration.
func (d *daemon) applyConfig(old, cfg *config.Config) {
	if old.Logging.Level != cfg.Logging.Level {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			d.logger.Warn("ignoring log level", "level", cfg.Logging.Level, "error", err)
		} else {
			d.log.SetLevel(level)
			d.logger.Info("log level changed", "level", cfg.Logging.Level)
		}
	}
	v, err := d.view(cfg)
	if err != nil {
		d.logger.Warn("ignoring policy change", "error", err)
		return
	}
	d.handler.SetView(v)
	d.logger.Info("ranking policy applied", "order", v.Policy.Names())
}

func (d *daemon) pruneLoop(ctx context.Context) {
	defer close(d.done)

	interval := d.cfg.Storage.PruneInterval()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := d.writer.Prune(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("prune failed", "error", err)
				}
				continue
			}
			d.logger.Debug("pruned",
				"events", rep.Events,
				"shells", rep.Shells,
				"journal_entries", rep.JournalEntries,
				"dead_locks", rep.DeadLocks)
		}
	}
}

// Stop shuts every component down, clients first and storage last.
func (d *daemon) Stop() {
	if d.checker != nil {
		d.checker.SetReady(false)
	}
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.loader != nil {
		d.loader.Close()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.logger.Warn("metrics shutdown", "error", err)
		}
		cancel()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop server", "error", err)
		}
	}
	d.closeState()
}

func runServe(ctx context.Context, opts *options) error {
	cfg, loader, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer log.Close()

	d := &daemon{cfg: cfg, loader: loader, log: log, logger: log.WithComponent("daemon")}
	if err := d.Start(ctx); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) || errors.Is(err, journal.ErrLocked) {
			return fmt.Errorf("another sessiond is serving %s", cfg.IPC.SocketPath)
		}
		d.logger.Error("startup failed", "error", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		d.logger.Info("shutting down", "reason", ctx.Err())
	}
	d.Stop()
	d.logger.Info("sessiond stopped")
	return nil
}
