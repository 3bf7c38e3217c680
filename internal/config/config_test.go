package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SESSIOND_DATA_DIR", dir)
	t.Setenv("XDG_RUNTIME_DIR", "")
	return dir
}

func TestDefaultConfig(t *testing.T) {
	dir := withDataDir(t)
	cfg := DefaultConfig()

	if cfg.Storage.Path != filepath.Join(dir, "state.db") {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Storage.JournalPath != filepath.Join(dir, "events.journal") {
		t.Errorf("unexpected journal path: %s", cfg.Storage.JournalPath)
	}
	if cfg.Locks.Dir != filepath.Join(dir, "locks") {
		t.Errorf("unexpected lock dir: %s", cfg.Locks.Dir)
	}
	if cfg.IPC.SocketPath != filepath.Join(dir, "sessiond.sock") {
		t.Errorf("unexpected socket path: %s", cfg.IPC.SocketPath)
	}
	if cfg.IPC.ClientTimeout() != 500*time.Millisecond {
		t.Errorf("expected 500ms client timeout, got %v", cfg.IPC.ClientTimeout())
	}
	if cfg.IPC.FileMode() != 0600 {
		t.Errorf("expected 0600, got %o", cfg.IPC.FileMode())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestSocketPrefersRuntimeDir(t *testing.T) {
	withDataDir(t)
	runtime := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", runtime)

	if got := DefaultSocketPath(); got != filepath.Join(runtime, "sessiond.sock") {
		t.Errorf("expected socket in runtime dir, got %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	withDataDir(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default level, got %s", cfg.Logging.Level)
	}
}

func TestLoadFormats(t *testing.T) {
	withDataDir(t)
	dir := t.TempDir()

	files := map[string]string{
		"config.toml": "version = 1\n[policy]\nprefer_tmux = true\norder = [\"liveness\", \"pid\"]\n[shells]\nttl_sec = 120\n",
		"config.yaml": "version: 1\npolicy:\n  prefer_tmux: true\n  order: [liveness, pid]\nshells:\n  ttl_sec: 120\n",
		"config.json": `{"version": 1, "policy": {"prefer_tmux": true, "order": ["liveness", "pid"]}, "shells": {"ttl_sec": 120}}`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !cfg.Policy.PreferTmux {
				t.Error("expected prefer_tmux")
			}
			if len(cfg.Policy.Order) != 2 || cfg.Policy.Order[1] != "pid" {
				t.Errorf("unexpected order: %v", cfg.Policy.Order)
			}
			if cfg.Shells.TTL() != 2*time.Minute {
				t.Errorf("unexpected ttl: %v", cfg.Shells.TTL())
			}
			// Untouched sections keep their defaults.
			if cfg.IPC.MaxConnections != 64 {
				t.Errorf("expected default max connections, got %d", cfg.IPC.MaxConnections)
			}
		})
	}
}

func TestLoadRejectsUnknownTOMLKeys(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage]\npaht = \"/x\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "storage.paht") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	withDataDir(t)
	t.Setenv("SESSIOND_SOCKET_PATH", "/run/test.sock")
	t.Setenv("SESSIOND_LOG_LEVEL", "debug")
	t.Setenv("SESSIOND_CLIENT_TIMEOUT", "250ms")
	t.Setenv("SESSIOND_PREFER_TMUX", "true")
	t.Setenv("SESSIOND_PROJECTS", "/a,/b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IPC.SocketPath != "/run/test.sock" {
		t.Errorf("socket override not applied: %s", cfg.IPC.SocketPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level override not applied: %s", cfg.Logging.Level)
	}
	if cfg.IPC.ClientTimeoutMs != 250 {
		t.Errorf("timeout override not applied: %d", cfg.IPC.ClientTimeoutMs)
	}
	if !cfg.Policy.PreferTmux {
		t.Error("prefer_tmux override not applied")
	}
	if len(cfg.Projects.Paths) != 2 || cfg.Projects.Paths[0] != "/a" {
		t.Errorf("projects override not applied: %v", cfg.Projects.Paths)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	withDataDir(t)
	t.Setenv("SESSIOND_PREFER_TMUX", "sometimes")
	if _, err := Load(""); err == nil {
		t.Error("expected error for unparsable override")
	}
}

func TestValidation(t *testing.T) {
	withDataDir(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown rule", func(c *Config) { c.Policy.Order = []string{"liveness", "vibes"} }, "policy.order[1]"},
		{"duplicate rule", func(c *Config) { c.Policy.Order = []string{"pid", "pid"} }, "policy.order[1]"},
		{"tmux before specificity", func(c *Config) { c.Policy.Order = []string{"liveness", "tmux", "specificity"} }, "policy.order[1]"},
		{"bad permissions", func(c *Config) { c.IPC.Permissions = "777" }, "ipc.permissions"},
		{"relative socket", func(c *Config) { c.IPC.SocketPath = "run/s.sock" }, "ipc.socket_path"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"public metrics", func(c *Config) { c.Metrics.ListenAddr = "0.0.0.0:9090" }, "metrics.listen_addr"},
		{"relative project", func(c *Config) { c.Projects.Paths = []string{"src/app"} }, "projects.paths[0]"},
		{"short ttl", func(c *Config) { c.Shells.TTLSec = 5 }, "shells.ttl_sec"},
		{"shared journal", func(c *Config) { c.Storage.JournalPath = c.Storage.Path }, "storage.journal_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidationWarnings(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Projects.Paths = []string{"/definitely/not/here"}
	cfg.Metrics.ListenAddr = "127.0.0.1:9464"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings should not fail validation: %v", err)
	}
	warnings := Check(cfg).Warnings()
	if len(warnings) != 1 || warnings[0].Field != "projects.paths[0]" {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestBuildLoggingAndPolicy(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()

	lc, err := cfg.Logging.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if lc.MaxSize != 20 || !lc.Compress {
		t.Errorf("unexpected logging config: %+v", lc)
	}

	p, err := cfg.Policy.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(p.Rules) != len(cfg.Policy.Order) {
		t.Errorf("expected %d rules, got %d", len(cfg.Policy.Order), len(p.Rules))
	}
}

func TestSaveRoundTrip(t *testing.T) {
	withDataDir(t)
	cfg := DefaultConfig()
	cfg.Projects.Paths = []string{"/src/app"}
	cfg.Metrics.ListenAddr = "127.0.0.1:9464"

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(Diff(cfg, loaded)) != 0 {
		t.Errorf("round trip changed sections: %v", Diff(cfg, loaded))
	}
}

func TestDiff(t *testing.T) {
	withDataDir(t)
	old := DefaultConfig()
	updated := old.Clone()
	updated.Logging.Level = "debug"
	updated.Policy.PreferTmux = true
	updated.IPC.MaxConnections = 8

	changes := Diff(old, updated)
	got := make(map[string]bool)
	for _, c := range changes {
		got[c.Section] = c.Reloadable
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %v", changes)
	}
	if !got["logging.level"] || !got["policy"] {
		t.Errorf("level and policy should be reloadable: %v", changes)
	}
	if reloadable, ok := got["ipc"]; !ok || reloadable {
		t.Errorf("ipc should require a restart: %v", changes)
	}
}

func TestLoaderReload(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n[logging]\nlevel = \"info\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path, nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan *Config, 1)
	l.OnChange(func(_, cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	if err := os.WriteFile(path, []byte("version = 1\n[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug, got %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("loader config not updated")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	withDataDir(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(path, nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	if err := os.WriteFile(path, []byte("version = 1\n[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-l.Errors():
		if err == nil {
			t.Error("expected a reload error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload error not reported")
	}
	if l.Config().Logging.Level != "info" {
		t.Errorf("invalid reload replaced config: %s", l.Config().Logging.Level)
	}
}
