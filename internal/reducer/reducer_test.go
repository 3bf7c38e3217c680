package reducer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/event"
	"sessiond/internal/session"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func ev(typ event.Type, at time.Time) *event.Envelope {
	return &event.Envelope{
		EventID:    typ.String() + at.Format(time.RFC3339Nano),
		SessionID:  "s1",
		PID:        100,
		Type:       typ,
		Cwd:        "/proj",
		RecordedAt: event.FormatTime(at),
		ReceivedAt: at,
	}
}

// step reduces and materializes one event.
func step(cur *session.Record, e *event.Envelope) (*session.Record, Update) {
	u := Reduce(cur, e)
	return Materialize(cur, e, u, "/proj"), u
}

func TestScenarioStartPromptReplay(t *testing.T) {
	rec, u := step(nil, ev(event.SessionStart, t0))
	require.Equal(t, Apply, u.Kind)
	require.Equal(t, session.Ready, rec.State)

	rec, u = step(rec, ev(event.UserPromptSubmit, t0.Add(time.Second)))
	require.Equal(t, Apply, u.Kind)
	require.Equal(t, session.Working, rec.State)

	replay := ev(event.UserPromptSubmit, t0)
	after, u := step(rec, replay)
	assert.Equal(t, Skip, u.Kind)
	assert.Equal(t, ReasonStale, u.Reason)
	assert.Equal(t, session.Working, after.State)
	assert.Same(t, rec, after)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*event.Envelope)
		typ   event.Type
		kind  Kind
		state session.State
	}{
		{"session start", nil, event.SessionStart, Apply, session.Ready},
		{"prompt", nil, event.UserPromptSubmit, Apply, session.Working},
		{"pre tool", nil, event.PreToolUse, Apply, session.Working},
		{"post tool", nil, event.PostToolUse, Apply, session.Working},
		{"post tool failure", nil, event.PostToolUseFailure, Apply, session.Working},
		{"permission", nil, event.PermissionRequest, Apply, session.Waiting},
		{"auto compact", func(e *event.Envelope) { e.Trigger = "auto" }, event.PreCompact, Apply, session.Compacting},
		{"manual compact", func(e *event.Envelope) { e.Trigger = "manual" }, event.PreCompact, Skip, ""},
		{"idle prompt", func(e *event.Envelope) { e.NotificationType = event.NotifyIdlePrompt }, event.Notification, Apply, session.Ready},
		{"permission prompt", func(e *event.Envelope) { e.NotificationType = event.NotifyPermissionPrompt }, event.Notification, Apply, session.Waiting},
		{"other notification", func(e *event.Envelope) { e.NotificationType = "auth_success" }, event.Notification, Skip, ""},
		{"task completed", nil, event.TaskCompleted, Apply, session.Ready},
		{"stop", nil, event.Stop, Apply, session.Ready},
		{"stop reentry", func(e *event.Envelope) { e.StopHookActive = true }, event.Stop, Skip, ""},
		{"subagent start", nil, event.SubagentStart, Skip, ""},
		{"subagent stop", nil, event.SubagentStop, Skip, ""},
		{"teammate idle", nil, event.TeammateIdle, Skip, ""},
		{"shell cwd", nil, event.ShellCwd, Skip, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &session.Record{SessionID: "s1", PID: 100, State: session.Idle, Cwd: "/proj", UpdatedAt: t0}
			e := ev(tt.typ, t0.Add(time.Second))
			if tt.mod != nil {
				tt.mod(e)
			}
			u := Reduce(cur, e)
			assert.Equal(t, tt.kind, u.Kind)
			if tt.kind == Apply {
				assert.Equal(t, tt.state, u.State)
			} else {
				assert.NotEmpty(t, u.Reason)
			}
		})
	}
}

func TestSessionStartConflict(t *testing.T) {
	busy := &session.Record{SessionID: "s1", PID: 100, State: session.Working, Cwd: "/proj", UpdatedAt: t0}
	u := Reduce(busy, ev(event.SessionStart, t0.Add(time.Second)))
	assert.Equal(t, Skip, u.Kind)
	assert.Equal(t, ReasonAlreadyActive, u.Reason)

	// A different pid is a restarted process.
	restart := ev(event.SessionStart, t0.Add(time.Second))
	restart.PID = 200
	u = Reduce(busy, restart)
	assert.Equal(t, Apply, u.Kind)
	assert.Equal(t, session.Ready, u.State)

	ready := &session.Record{SessionID: "s1", PID: 100, State: session.Ready, Cwd: "/elsewhere", UpdatedAt: t0}
	u = Reduce(ready, ev(event.SessionStart, t0.Add(time.Second)))
	assert.Equal(t, Apply, u.Kind)
}

func TestSessionEnd(t *testing.T) {
	u := Reduce(nil, ev(event.SessionEnd, t0))
	assert.Equal(t, Skip, u.Kind)
	assert.Equal(t, ReasonNoSession, u.Reason)

	cur := &session.Record{SessionID: "s1", State: session.Ready, UpdatedAt: t0}
	u = Reduce(cur, ev(event.SessionEnd, t0.Add(time.Second)))
	assert.Equal(t, Delete, u.Kind)
	assert.Nil(t, Materialize(cur, ev(event.SessionEnd, t0.Add(time.Second)), u, "/proj"))

	// End events are also ordered.
	u = Reduce(cur, ev(event.SessionEnd, t0.Add(-time.Second)))
	assert.Equal(t, Skip, u.Kind)
	assert.Equal(t, ReasonStale, u.Reason)
}

func TestHeartbeatKeepsStateChangedAt(t *testing.T) {
	rec, _ := step(nil, ev(event.UserPromptSubmit, t0))
	changed := rec.StateChangedAt

	next, u := step(rec, ev(event.PreToolUse, t0.Add(5*time.Second)))
	assert.Equal(t, Heartbeat, u.Kind)
	assert.Equal(t, changed, next.StateChangedAt)
	assert.Equal(t, t0.Add(5*time.Second), next.UpdatedAt)
	assert.Equal(t, "PreToolUse", next.LastEvent)
}

func TestSameStateNewLocationIsApply(t *testing.T) {
	rec, _ := step(nil, ev(event.UserPromptSubmit, t0))
	moved := ev(event.PostToolUse, t0.Add(time.Second))
	moved.FilePath = "/proj/sub/file.go"
	next, u := step(rec, moved)
	assert.Equal(t, Apply, u.Kind)
	assert.Equal(t, "/proj/sub/file.go", next.Location())
	assert.Equal(t, rec.StateChangedAt, next.StateChangedAt)
}

func TestUnparsableTimestampNeverStale(t *testing.T) {
	cur := &session.Record{SessionID: "s1", PID: 100, State: session.Ready, Cwd: "/proj", UpdatedAt: t0}
	e := ev(event.UserPromptSubmit, t0)
	e.RecordedAt = "not a time"
	e.ReceivedAt = t0.Add(time.Minute)
	next, u := step(cur, e)
	assert.Equal(t, Apply, u.Kind)
	assert.Equal(t, t0.Add(time.Minute), next.UpdatedAt)
}

func TestStaleNeverChangesState(t *testing.T) {
	cur := &session.Record{SessionID: "s1", PID: 100, State: session.Waiting, Cwd: "/proj", UpdatedAt: t0}
	for _, typ := range event.Types() {
		e := ev(typ, t0.Add(-time.Millisecond))
		e.Trigger = event.TriggerAuto
		e.NotificationType = event.NotifyIdlePrompt
		next, _ := step(cur, e)
		require.NotNil(t, next, typ.String())
		assert.Equal(t, session.Waiting, next.State, typ.String())
	}
}
