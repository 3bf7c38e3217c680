// Package ipc carries requests between sessiond and its clients.
//
// The transport is a Unix socket. Each request and each response is one
// JSON object on its own line, and a connection may carry any number of
// them in sequence.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"sessiond/internal/event"
	"sessiond/internal/health"
	"sessiond/internal/procinfo"
	"sessiond/internal/project"
	"sessiond/internal/session"
	"sessiond/internal/state"
)

// ProtocolVersion is the only version this build speaks.
const ProtocolVersion = 1

// MaxLineSize bounds one request or response line.
const MaxLineSize = 1 << 20

// Methods.
const (
	MethodGetHealth          = "get_health"
	MethodGetSessions        = "get_sessions"
	MethodGetProjectStates   = "get_project_states"
	MethodGetShellState      = "get_shell_state"
	MethodGetProcessLiveness = "get_process_liveness"
	MethodEvent              = "event"
	MethodRegisterProject    = "register_project"
)

// Methods lists every method the server answers.
func Methods() []string {
	return []string{
		MethodGetHealth,
		MethodGetSessions,
		MethodGetProjectStates,
		MethodGetShellState,
		MethodGetProcessLiveness,
		MethodEvent,
		MethodRegisterProject,
	}
}

// Request is one call.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Method          string          `json:"method"`
	ID              string          `json:"id,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ProtocolVersion int             `json:"protocol_version"`
	ID              string          `json:"id"`
	OK              bool            `json:"ok"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
}

// ErrorKind is a stable error category.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindUnsupportedVersion ErrorKind = "unsupported_version"
	KindUnknownMethod      ErrorKind = "unknown_method"
	KindInvalidParams      ErrorKind = "invalid_params"
	KindUnavailable        ErrorKind = "unavailable"
	KindInternal           ErrorKind = "internal"
)

// Error is a failed call.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// kindFor maps an error to its wire kind.
func kindFor(err error) ErrorKind {
	var ipcErr *Error
	switch {
	case errors.As(err, &ipcErr):
		return ipcErr.Kind
	case errors.Is(err, state.ErrUnavailable), errors.Is(err, state.ErrWriterStopped):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// asError converts err into a wire error.
func asError(err error) *Error {
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		return ipcErr
	}
	return &Error{Kind: kindFor(err), Message: err.Error()}
}

// ReadLine reads one newline-terminated message.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, fmt.Errorf("message exceeds %d bytes", MaxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// WriteLine writes v as one JSON line.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// HealthResult answers get_health.
type HealthResult struct {
	Status          health.Status                 `json:"status"`
	Version         string                        `json:"version"`
	ProtocolVersion int                           `json:"protocol_version"`
	UptimeSeconds   int64                         `json:"uptime_seconds"`
	StartedAt       time.Time                     `json:"started_at"`
	Components      map[string]health.CheckResult `json:"components"`
	Fatal           string                        `json:"fatal,omitempty"`
}

// SessionsResult answers get_sessions.
type SessionsResult struct {
	Sessions        []*session.Record `json:"sessions"`
	SnapshotVersion uint64            `json:"snapshot_version"`
}

// ProjectStatesParams are the params of get_project_states.
type ProjectStatesParams struct {
	Paths []string `json:"paths,omitempty"`
}

// ProjectStatesResult answers get_project_states.
type ProjectStatesResult struct {
	Projects []project.State `json:"projects"`
}

// ShellStateResult answers get_shell_state.
type ShellStateResult struct {
	Shells []event.ShellEntry `json:"shells"`
}

// ProcessRef names a process to probe.
type ProcessRef struct {
	PID         int   `json:"pid"`
	ProcStarted int64 `json:"proc_started,omitempty"`
}

// LivenessParams are the params of get_process_liveness.
type LivenessParams struct {
	Processes []ProcessRef `json:"processes"`
}

// LivenessResult answers get_process_liveness.
type LivenessResult struct {
	Results []procinfo.Status `json:"results"`
}

// EventResult answers event.
type EventResult = state.Result

// RegisterProjectParams are the params of register_project.
type RegisterProjectParams struct {
	Path string `json:"path"`
}

// RegisterProjectResult answers register_project.
type RegisterProjectResult = state.Registration
