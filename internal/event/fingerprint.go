package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// fingerprintFields is the identity of a logical event. The receive time is
// excluded so that a redelivered payload hashes the same.
type fingerprintFields struct {
	SessionID        string `json:"session_id"`
	EventType        string `json:"event_type"`
	RecordedAt       string `json:"recorded_at"`
	Cwd              string `json:"cwd"`
	PID              int    `json:"pid"`
	FilePath         string `json:"file_path"`
	NotificationType string `json:"notification_type"`
	Trigger          string `json:"trigger"`
	StopHookActive   bool   `json:"stop_hook_active"`
}

// Fingerprint derives an idempotency key from the RFC 8785 canonical form
// of the event's identifying fields.
func Fingerprint(e *Envelope) (string, error) {
	raw, err := json.Marshal(fingerprintFields{
		SessionID:        e.SessionID,
		EventType:        e.Type.String(),
		RecordedAt:       e.RecordedAt,
		Cwd:              e.Cwd,
		PID:              e.PID,
		FilePath:         e.FilePath,
		NotificationType: e.NotificationType,
		Trigger:          e.Trigger,
		StopHookActive:   e.StopHookActive,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "fp-" + hex.EncodeToString(sum[:16]), nil
}
