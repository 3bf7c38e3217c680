package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseTypeRoundTrip(t *testing.T) {
	for _, typ := range Types() {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("Bogus")
	assert.Error(t, err)
	assert.Len(t, Types(), 15)
}

func TestNormalizeHookPayload(t *testing.T) {
	payload := `{
		"session_id": "s-1",
		"hook_event_name": "PostToolUse",
		"cwd": "/work/proj/",
		"pid": 4242,
		"recorded_at": "2026-03-01T11:59:00Z",
		"tool_name": "Edit",
		"tool_input": {"file_path": "src/main.go"}
	}`
	env, err := Normalize([]byte(payload), testNow)
	require.NoError(t, err)

	assert.Equal(t, PostToolUse, env.Type)
	assert.Equal(t, "s-1", env.SessionID)
	assert.Equal(t, "/work/proj", env.Cwd)
	assert.Equal(t, "/work/proj/src/main.go", env.FilePath)
	assert.Equal(t, "/work/proj/src/main.go", env.Location())
	assert.Equal(t, 4242, env.PID)
	assert.Equal(t, testNow, env.ReceivedAt)
	assert.NotEmpty(t, env.EventID)

	rt, ok := env.RecordedTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), rt)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"missing cwd":        `{"session_id":"s","event_type":"Stop"}`,
		"missing event_type": `{"session_id":"s","cwd":"/a"}`,
		"unknown event_type": `{"session_id":"s","cwd":"/a","event_type":"Explode"}`,
		"relative cwd":       `{"session_id":"s","cwd":"a/b","event_type":"Stop"}`,
		"missing session":    `{"cwd":"/a","event_type":"Stop"}`,
		"shell without pid":  `{"cwd":"/a","event_type":"ShellCwd"}`,
		"not json":           `{`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(payload), testNow)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNormalizeKeepsUnparsableTimestamp(t *testing.T) {
	env, err := Normalize([]byte(`{"session_id":"s","cwd":"/a","event_type":"Stop","recorded_at":"yesterday"}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, "yesterday", env.RecordedAt)
	_, ok := env.RecordedTime()
	assert.False(t, ok)
	assert.Equal(t, testNow, env.EffectiveTime())
}

func TestNormalizeDefaultsMissingTimestamp(t *testing.T) {
	env, err := Normalize([]byte(`{"session_id":"s","cwd":"/a","event_type":"Stop"}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, FormatTime(testNow), env.RecordedAt)
}

func TestFingerprintStableAcrossRedelivery(t *testing.T) {
	payload := []byte(`{"session_id":"s","cwd":"/a","event_type":"UserPromptSubmit","recorded_at":"2026-03-01T00:00:01Z"}`)
	first, err := Normalize(payload, testNow)
	require.NoError(t, err)
	second, err := Normalize(payload, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)

	other, err := Normalize([]byte(`{"session_id":"s","cwd":"/a","event_type":"UserPromptSubmit","recorded_at":"2026-03-01T00:00:02Z"}`), testNow)
	require.NoError(t, err)
	assert.NotEqual(t, first.EventID, other.EventID)
}

func TestEventsWithoutTimestampAreDistinct(t *testing.T) {
	payload := []byte(`{"session_id":"s","cwd":"/a","event_type":"Stop","pid":100}`)
	first, err := Normalize(payload, testNow)
	require.NoError(t, err)
	second, err := Normalize(payload, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, first.EventID)
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestExplicitEventIDWins(t *testing.T) {
	env, err := Normalize([]byte(`{"event_id":"corr-1","session_id":"s","cwd":"/a","event_type":"Stop"}`), testNow)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", env.EventID)
}

func TestEnvelopeJSONUsesEventNames(t *testing.T) {
	env := Envelope{EventID: "e", SessionID: "s", Type: SessionStart, Cwd: "/a"}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"SessionStart"`)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, SessionStart, back.Type)
}

func TestShellFromEnvelope(t *testing.T) {
	env, err := Normalize([]byte(`{"event_type":"ShellCwd","pid":900,"cwd":"/w","tty":"/dev/ttys003","parent_app":"iterm2","tmux_session":"main","recorded_at":"2026-03-01T10:00:00Z"}`), testNow)
	require.NoError(t, err)
	sh := ShellFromEnvelope(&env)
	assert.Equal(t, 900, sh.PID)
	assert.Equal(t, "/dev/ttys003", sh.TTY)
	assert.Equal(t, "main", sh.TmuxSession)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), sh.UpdatedAt)
}
