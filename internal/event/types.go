// Package event defines the canonical evidence types produced from raw hook
// payloads and shell snapshots, and the normalizer that builds them.
package event

import (
	"fmt"
	"time"
)

// Type is the closed set of hook event kinds.
type Type int

const (
	TypeUnknown Type = iota
	SessionStart
	UserPromptSubmit
	PreToolUse
	PostToolUse
	PostToolUseFailure
	PermissionRequest
	PreCompact
	Notification
	TaskCompleted
	Stop
	SubagentStart
	SubagentStop
	TeammateIdle
	SessionEnd
	ShellCwd
)

var typeNames = [...]string{
	TypeUnknown:        "Unknown",
	SessionStart:       "SessionStart",
	UserPromptSubmit:   "UserPromptSubmit",
	PreToolUse:         "PreToolUse",
	PostToolUse:        "PostToolUse",
	PostToolUseFailure: "PostToolUseFailure",
	PermissionRequest:  "PermissionRequest",
	PreCompact:         "PreCompact",
	Notification:       "Notification",
	TaskCompleted:      "TaskCompleted",
	Stop:               "Stop",
	SubagentStart:      "SubagentStart",
	SubagentStop:       "SubagentStop",
	TeammateIdle:       "TeammateIdle",
	SessionEnd:         "SessionEnd",
	ShellCwd:           "ShellCwd",
}

// Types lists every known event kind.
func Types() []Type {
	out := make([]Type, 0, len(typeNames)-1)
	for t := SessionStart; t <= ShellCwd; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType resolves a hook event name.
func ParseType(s string) (Type, error) {
	for t := SessionStart; t <= ShellCwd; t++ {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// MarshalText encodes the event kind by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes an event kind name.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Notification subtypes with state meaning.
const (
	NotifyIdlePrompt       = "idle_prompt"
	NotifyPermissionPrompt = "permission_prompt"
)

// TriggerAuto marks an automatic compaction.
const TriggerAuto = "auto"

// Envelope is one hook-reported occurrence in canonical form.
type Envelope struct {
	// EventID is the idempotency key. Clients retrying a delivery reuse it.
	EventID     string `json:"event_id"`
	SessionID   string `json:"session_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
	ProcStarted int64  `json:"proc_started,omitempty"`
	Type        Type   `json:"event_type"`
	Cwd         string `json:"cwd"`
	FilePath    string `json:"file_path,omitempty"`
	// RecordedAt is kept as received; see RecordedTime.
	RecordedAt string    `json:"recorded_at"`
	ReceivedAt time.Time `json:"received_at"`

	NotificationType string `json:"notification_type,omitempty"`
	Trigger          string `json:"trigger,omitempty"`
	StopHookActive   bool   `json:"stop_hook_active,omitempty"`
	ToolName         string `json:"tool_name,omitempty"`

	// Shell evidence, set on ShellCwd.
	TTY           string `json:"tty,omitempty"`
	ParentApp     string `json:"parent_app,omitempty"`
	TmuxSession   string `json:"tmux_session,omitempty"`
	TmuxClientTTY string `json:"tmux_client_tty,omitempty"`
}

// RecordedTime parses RecordedAt. ok is false when it is missing or malformed.
func (e *Envelope) RecordedTime() (time.Time, bool) {
	return ParseTime(e.RecordedAt)
}

// EffectiveTime is RecordedAt when it parses, otherwise ReceivedAt.
func (e *Envelope) EffectiveTime() time.Time {
	if t, ok := e.RecordedTime(); ok {
		return t
	}
	return e.ReceivedAt
}

// Location is the path used for matching: FilePath when present, otherwise Cwd.
func (e *Envelope) Location() string {
	if e.FilePath != "" {
		return e.FilePath
	}
	return e.Cwd
}

// ParseTime accepts RFC 3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTime renders t in the form ParseTime reads.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ShellEntry is live terminal evidence, independent of any session.
type ShellEntry struct {
	PID           int       `json:"pid"`
	Cwd           string    `json:"cwd"`
	TTY           string    `json:"tty,omitempty"`
	ParentApp     string    `json:"parent_app,omitempty"`
	TmuxSession   string    `json:"tmux_session,omitempty"`
	TmuxClientTTY string    `json:"tmux_client_tty,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	// IsLive is computed when a snapshot is read and never stored.
	IsLive bool `json:"is_live"`
}

// ShellFromEnvelope extracts shell evidence from a ShellCwd event.
func ShellFromEnvelope(e *Envelope) ShellEntry {
	return ShellEntry{
		PID:           e.PID,
		Cwd:           e.Cwd,
		TTY:           e.TTY,
		ParentApp:     e.ParentApp,
		TmuxSession:   e.TmuxSession,
		TmuxClientTTY: e.TmuxClientTTY,
		UpdatedAt:     e.EffectiveTime(),
	}
}
