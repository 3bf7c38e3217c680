// Package reducer folds hook events into session records.
//
// Reduce is pure: it inspects the current record and one event and says what
// should happen. Materialize turns that decision into the next record. The
// store runs both inside one transaction.
package reducer

import (
	"fmt"

	"sessiond/internal/event"
	"sessiond/internal/session"
)

// Kind classifies an Update.
type Kind int

const (
	// Apply moves the session to State.
	Apply Kind = iota
	// Heartbeat refreshes the record without a state change.
	Heartbeat
	// Skip leaves the record untouched.
	Skip
	// Delete removes the record.
	Delete
)

func (k Kind) String() string {
	switch k {
	case Apply:
		return "apply"
	case Heartbeat:
		return "heartbeat"
	case Skip:
		return "skip"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Skip reasons.
const (
	ReasonStale          = "stale"
	ReasonAlreadyActive  = "session already active"
	ReasonManualCompact  = "manual compaction"
	ReasonNotification   = "notification not state-bearing"
	ReasonStopReentry    = "stop hook re-entry"
	ReasonInformational  = "informational event"
	ReasonNoSession      = "no session"
	ReasonShellEvidence  = "shell evidence"
	ReasonUnhandledEvent = "unhandled event type"
)

// Update is the reducer's verdict for one event.
type Update struct {
	Kind   Kind
	State  session.State
	Reason string
}

func apply(s session.State) Update { return Update{Kind: Apply, State: s} }
func skip(reason string) Update { return Update{Kind: Skip, Reason: reason} }

// Reduce decides the effect of ev on current. current is nil when the
// session has no record.
func Reduce(current *session.Record, ev *event.Envelope) Update {
	if isStale(current, ev) {
		return skip(ReasonStale)
	}

	u := transition(current, ev)
	if u.Kind == Apply && current != nil &&
		current.State == u.State && current.Location() == ev.Location() {
		return Update{Kind: Heartbeat, State: u.State}
	}
	return u
}

// isStale reports whether ev predates the record. Either timestamp failing
// to parse means the event is accepted.
func isStale(current *session.Record, ev *event.Envelope) bool {
	if current == nil || current.UpdatedAt.IsZero() {
		return false
	}
	recorded, ok := ev.RecordedTime()
	if !ok {
		return false
	}
	return recorded.Before(current.UpdatedAt)
}

func transition(current *session.Record, ev *event.Envelope) Update {
	switch ev.Type {
	case event.SessionStart:
		if current != nil && current.PID == ev.PID && current.State.Busy() {
			return skip(ReasonAlreadyActive)
		}
		return apply(session.Ready)

	case event.UserPromptSubmit, event.PreToolUse, event.PostToolUse, event.PostToolUseFailure:
		return apply(session.Working)

	case event.PermissionRequest:
		return apply(session.Waiting)

	case event.PreCompact:
		if ev.Trigger == event.TriggerAuto {
			return apply(session.Compacting)
		}
		return skip(ReasonManualCompact)

	case event.Notification:
		switch ev.NotificationType {
		case event.NotifyIdlePrompt:
			return apply(session.Ready)
		case event.NotifyPermissionPrompt:
			return apply(session.Waiting)
		}
		return skip(ReasonNotification)

	case event.TaskCompleted:
		return apply(session.Ready)

	case event.Stop:
		if ev.StopHookActive {
			return skip(ReasonStopReentry)
		}
		return apply(session.Ready)

	case event.SubagentStart, event.SubagentStop, event.TeammateIdle:
		return skip(ReasonInformational)

	case event.SessionEnd:
		if current == nil {
			return skip(ReasonNoSession)
		}
		return Update{Kind: Delete}

	case event.ShellCwd:
		return skip(ReasonShellEvidence)
	}
	return skip(ReasonUnhandledEvent)
}

// Materialize returns the record that results from u. It returns nil for
// Delete and current unchanged for Skip. projectPath is the boundary derived
// for ev's location.
func Materialize(current *session.Record, ev *event.Envelope, u Update, projectPath string) *session.Record {
	switch u.Kind {
	case Skip:
		return current
	case Delete:
		return nil
	}

	at := ev.EffectiveTime().UTC()
	next := &session.Record{SessionID: ev.SessionID}
	if current != nil {
		*next = *current
		if at.Before(current.UpdatedAt) {
			at = current.UpdatedAt
		}
	}
	next.UpdatedAt = at
	next.LastEvent = ev.Type.String()
	next.LastEventID = ev.EventID

	if ev.PID > 0 {
		if ev.ProcStarted > 0 || ev.PID != next.PID {
			next.ProcStarted = ev.ProcStarted
		}
		next.PID = ev.PID
	}
	if u.Kind == Heartbeat {
		return next
	}

	next.Cwd = ev.Cwd
	next.FilePath = ev.FilePath
	next.ProjectPath = projectPath
	if current == nil || current.State != u.State {
		next.State = u.State
		if next.StateChangedAt.Before(at) {
			next.StateChangedAt = at
		}
	}
	return next
}
