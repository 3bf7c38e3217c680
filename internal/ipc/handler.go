package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/health"
	"sessiond/internal/lock"
	"sessiond/internal/logging"
	"sessiond/internal/procinfo"
	"sessiond/internal/project"
	"sessiond/internal/state"
)

// Writer is the write side the handler drives.
type Writer interface {
	Submit(ctx context.Context, env event.Envelope) (state.Result, error)
	RegisterProject(ctx context.Context, path string) (state.Registration, error)
	Snapshot() *state.Snapshot
	Fatal() error
}

// LockLister lists the lock directory.
type LockLister interface {
	List() (locks []lock.Info, skipped []string, err error)
}

// HandlerConfig configures the daemon handler.
type HandlerConfig struct {
	Writer  Writer
	Locks   LockLister
	View    project.View
	Health  *health.Checker
	Version string
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// DaemonHandler answers every method from the latest snapshot, except the
// write methods, which go through the writer.
type DaemonHandler struct {
	writer  Writer
	locks   LockLister
	view    atomic.Pointer[project.View]
	health  *health.Checker
	version string
	logger  *slog.Logger
	now     func() time.Time
}

// NewDaemonHandler creates a new daemon handler.
func NewDaemonHandler(cfg HandlerConfig) *DaemonHandler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Health == nil {
		cfg.Health = health.NewChecker()
	}
	h := &DaemonHandler{
		writer:  cfg.Writer,
		locks:   cfg.Locks,
		health:  cfg.Health,
		version: cfg.Version,
		logger:  cfg.Logger.With("component", "ipc"),
		now:     cfg.Now,
	}
	v := cfg.View
	h.view.Store(&v)
	return h
}

// SetView replaces the project view, for example after a policy reload.
func (h *DaemonHandler) SetView(v project.View) {
	h.view.Store(&v)
}

// Handle dispatches one validated request.
func (h *DaemonHandler) Handle(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case MethodGetHealth:
		return h.handleHealth(ctx)
	case MethodGetSessions:
		return h.handleSessions()
	case MethodGetProjectStates:
		return h.handleProjectStates(req.Params)
	case MethodGetShellState:
		return h.handleShellState()
	case MethodGetProcessLiveness:
		return h.handleLiveness(req.Params)
	case MethodEvent:
		return h.handleEvent(ctx, req.Params)
	case MethodRegisterProject:
		return h.handleRegisterProject(ctx, req.Params)
	default:
		return nil, errorf(KindUnknownMethod, "unknown method %q", req.Method)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errorf(KindInvalidParams, "%v", err)
	}
	return nil
}

func (h *DaemonHandler) handleHealth(ctx context.Context) (*HealthResult, error) {
	rep := h.health.Report(ctx)
	res := &HealthResult{
		Status:          rep.Status,
		Version:         h.version,
		ProtocolVersion: ProtocolVersion,
		UptimeSeconds:   int64(rep.Uptime / time.Second),
		StartedAt:       h.health.StartTime().UTC(),
		Components:      rep.Components,
	}
	if err := h.writer.Fatal(); err != nil {
		res.Status = health.StatusUnhealthy
		res.Fatal = err.Error()
	}
	return res, nil
}

func (h *DaemonHandler) handleSessions() (*SessionsResult, error) {
	snap := h.writer.Snapshot()
	return &SessionsResult{Sessions: snap.Sessions, SnapshotVersion: snap.Version}, nil
}

func (h *DaemonHandler) handleProjectStates(raw json.RawMessage) (*ProjectStatesResult, error) {
	var params ProjectStatesParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	snap := h.writer.Snapshot()
	paths := params.Paths
	if len(paths) == 0 {
		paths = snap.ProjectPaths()
	}

	locks, skipped, err := h.locks.List()
	if err != nil {
		return nil, err
	}
	for _, name := range skipped {
		h.logger.Debug("unreadable lock entry", "entry", name)
	}

	view := h.view.Load()
	in := project.Inputs{Sessions: snap.Sessions, Shells: snap.Shells, Locks: locks}
	res := &ProjectStatesResult{Projects: make([]project.State, 0, len(paths))}
	for _, p := range paths {
		st, err := view.Resolve(p, in)
		if err != nil {
			return nil, errorf(KindInvalidParams, "%v", err)
		}
		res.Projects = append(res.Projects, st)
	}
	return res, nil
}

func (h *DaemonHandler) handleShellState() (*ShellStateResult, error) {
	snap := h.writer.Snapshot()
	return &ShellStateResult{Shells: h.view.Load().LiveShells(snap.Shells)}, nil
}

func (h *DaemonHandler) handleLiveness(raw json.RawMessage) (*LivenessResult, error) {
	var params LivenessParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	prober := h.view.Load().Prober
	res := &LivenessResult{Results: make([]procinfo.Status, 0, len(params.Processes))}
	for _, p := range params.Processes {
		res.Results = append(res.Results, prober.Check(p.PID, p.ProcStarted))
	}
	return res, nil
}

func (h *DaemonHandler) handleEvent(ctx context.Context, raw json.RawMessage) (*EventResult, error) {
	logger := logging.WithRequestID(ctx, h.logger)
	env, err := event.Normalize(raw, h.now())
	if err != nil {
		logger.Debug("ignoring malformed event", "error", err)
		return &EventResult{Outcome: state.OutcomeIgnored, Reason: err.Error()}, nil
	}
	res, err := h.writer.Submit(ctx, env)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errorf(KindUnavailable, "event not confirmed: %v", err)
		}
		return nil, err
	}
	return &res, nil
}

func (h *DaemonHandler) handleRegisterProject(ctx context.Context, raw json.RawMessage) (*RegisterProjectResult, error) {
	var params RegisterProjectParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, errorf(KindInvalidParams, "path is required")
	}
	reg, err := h.writer.RegisterProject(ctx, params.Path)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrUnavailable), errors.Is(err, state.ErrWriterStopped):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, errorf(KindUnavailable, "registration not confirmed: %v", err)
	default:
		return nil, errorf(KindInvalidParams, "%v", err)
	}
	return &reg, nil
}
