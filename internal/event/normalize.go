package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/pathmatch"
)

// ErrMalformed marks input that cannot become an Envelope. Callers answer
// such input with a no-op rather than an error.
var ErrMalformed = errors.New("malformed event")

// Raw is the wire form of a hook payload. It accepts both the hook's own
// field names and the canonical ones.
type Raw struct {
	EventID       string `json:"event_id"`
	SessionID     string `json:"session_id"`
	HookEventName string `json:"hook_event_name"`
	EventType     string `json:"event_type"`
	PID           int    `json:"pid"`
	ProcStarted   int64  `json:"proc_started"`
	Cwd           string `json:"cwd"`
	FilePath      string `json:"file_path"`
	RecordedAt    string `json:"recorded_at"`

	NotificationType string     `json:"notification_type"`
	Trigger          string     `json:"trigger"`
	StopHookActive   bool       `json:"stop_hook_active"`
	ToolName         string     `json:"tool_name"`
	ToolInput        *toolInput `json:"tool_input,omitempty"`

	TTY           string `json:"tty"`
	ParentApp     string `json:"parent_app"`
	TmuxSession   string `json:"tmux_session"`
	TmuxClientTTY string `json:"tmux_client_tty"`
}

type toolInput struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
}

// Normalize decodes a raw payload and builds an Envelope. now is the
// receive time.
func Normalize(data []byte, now time.Time) (Envelope, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return NormalizeRaw(raw, now)
}

// NormalizeRaw validates raw and builds an Envelope.
func NormalizeRaw(raw Raw, now time.Time) (Envelope, error) {
	name := raw.EventType
	if name == "" {
		name = raw.HookEventName
	}
	if name == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}
	typ, err := ParseType(name)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if raw.Cwd == "" {
		return Envelope{}, fmt.Errorf("%w: missing cwd", ErrMalformed)
	}
	cwd, err := pathmatch.Parse(raw.Cwd)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: cwd %q is not absolute", ErrMalformed, raw.Cwd)
	}

	if typ == ShellCwd {
		if raw.PID <= 0 {
			return Envelope{}, fmt.Errorf("%w: shell event without pid", ErrMalformed)
		}
	} else if strings.TrimSpace(raw.SessionID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing session_id", ErrMalformed)
	}

	env := Envelope{
		EventID:          strings.TrimSpace(raw.EventID),
		SessionID:        strings.TrimSpace(raw.SessionID),
		PID:              raw.PID,
		ProcStarted:      raw.ProcStarted,
		Type:             typ,
		Cwd:              cwd.String(),
		FilePath:         resolveFilePath(cwd, raw),
		RecordedAt:       strings.TrimSpace(raw.RecordedAt),
		ReceivedAt:       now.UTC(),
		NotificationType: raw.NotificationType,
		Trigger:          raw.Trigger,
		StopHookActive:   raw.StopHookActive,
		ToolName:         raw.ToolName,
		TTY:              raw.TTY,
		ParentApp:        raw.ParentApp,
		TmuxSession:      raw.TmuxSession,
		TmuxClientTTY:    raw.TmuxClientTTY,
	}

	switch {
	case env.EventID != "":
	case env.RecordedAt == "":
		// Without a timestamp nothing separates one occurrence from the
		// next, so every delivery is its own event.
		env.EventID = uuid.NewString()
	default:
		id, err := Fingerprint(&env)
		if err != nil {
			return Envelope{}, fmt.Errorf("fingerprint event: %w", err)
		}
		env.EventID = id
	}
	if env.RecordedAt == "" {
		env.RecordedAt = FormatTime(now)
	}
	return env, nil
}

// resolveFilePath picks the explicit file_path, falling back to the tool's
// target file. Relative paths are taken against cwd; anything unusable is
// dropped so cwd applies.
func resolveFilePath(cwd pathmatch.Path, raw Raw) string {
	fp := raw.FilePath
	if fp == "" && raw.ToolInput != nil {
		fp = raw.ToolInput.FilePath
		if fp == "" {
			fp = raw.ToolInput.NotebookPath
		}
	}
	if fp == "" {
		return ""
	}
	if !path.IsAbs(fp) {
		return cwd.Join(fp).String()
	}
	p, err := pathmatch.Parse(fp)
	if err != nil {
		return ""
	}
	return p.String()
}
