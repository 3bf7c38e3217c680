package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/health"
	"sessiond/internal/ipc"
	"sessiond/internal/journal"
	"sessiond/internal/state"
)

func testOptions(t *testing.T) (*options, string) {
	t.Helper()
	// Short directory so the socket path fits.
	dir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("SESSIOND_DATA_DIR", dir)
	t.Setenv("XDG_RUNTIME_DIR", "")

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"error\"\n"), 0600))
	return &options{configFile: path}, dir
}

func startTestDaemon(t *testing.T, opts *options) *daemon {
	t.Helper()
	cfg, loader, log, err := loadConfig(opts)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d := &daemon{cfg: cfg, loader: loader, log: log, logger: log.WithComponent("daemon")}
	require.NoError(t, d.Start(context.Background()))
	return d
}

func TestDaemonLifecycle(t *testing.T) {
	opts, dir := testOptions(t)
	d := startTestDaemon(t, opts)
	ctx := context.Background()

	c := ipc.NewClient(ipc.ClientConfig{SocketPath: d.cfg.IPC.SocketPath, Timeout: 2 * time.Second})
	defer c.Close()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, h.Status)
	assert.Equal(t, Version, h.Version)
	assert.Contains(t, h.Components, "store")
	assert.Contains(t, h.Components, "writer")

	payload := fmt.Sprintf(`{"event_id":"e1","event_type":"SessionStart","session_id":"s1","pid":%d,"cwd":%q}`,
		os.Getpid(), dir)
	res, err := c.SendEvent(ctx, json.RawMessage(payload))
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeApplied, res.Outcome)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "s1", sessions.Sessions[0].SessionID)

	var out bytes.Buffer
	err = runRebuild(ctx, &out, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running")

	d.Stop()
	after := ipc.NewClient(ipc.DefaultClientConfig(d.cfg.IPC.SocketPath))
	defer after.Close()
	_, err = after.Health(ctx)
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)

	out.Reset()
	require.NoError(t, runRebuild(ctx, &out, opts))
	assert.Contains(t, out.String(), "Replayed 1 events")
	assert.Contains(t, out.String(), "Sessions: 1")
}

func TestSecondDaemonRefused(t *testing.T) {
	opts, _ := testOptions(t)
	d := startTestDaemon(t, opts)
	defer d.Stop()

	err := runServe(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another sessiond")
}

func TestSecondOpenLeavesDatabaseAlone(t *testing.T) {
	opts, _ := testOptions(t)
	d := startTestDaemon(t, opts)
	defer d.Stop()

	other := &daemon{cfg: d.cfg, log: d.log, logger: d.logger}
	err := other.openState(context.Background())
	assert.ErrorIs(t, err, journal.ErrLocked)
	assert.Nil(t, other.store)
	other.closeState()

	moved, err := filepath.Glob(d.cfg.Storage.Path + ".corrupt-*")
	require.NoError(t, err)
	assert.Empty(t, moved)
	require.NoError(t, d.writer.Check(context.Background()))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})
	require.NoError(t, root.Execute())

	var got map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, Version, got["version"])
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	opts, dir := testOptions(t)
	var out bytes.Buffer
	require.NoError(t, runConfig(&out, opts))
	assert.Contains(t, out.String(), `level = "error"`)
	assert.Contains(t, out.String(), filepath.Join(dir, "state.db"))
}
