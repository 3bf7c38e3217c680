// Package config handles configuration loading, validation, and reload for
// sessiond.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"sessiond/internal/logging"
	"sessiond/internal/ranking"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIOND"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Locks    LocksConfig    `toml:"locks" json:"locks" yaml:"locks"`
	IPC      IPCConfig      `toml:"ipc" json:"ipc" yaml:"ipc"`
	Policy   PolicyConfig   `toml:"policy" json:"policy" yaml:"policy"`
	Shells   ShellsConfig   `toml:"shells" json:"shells" yaml:"shells"`
	Projects ProjectsConfig `toml:"projects" json:"projects" yaml:"projects"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`
	Legacy   LegacyConfig   `toml:"legacy" json:"legacy" yaml:"legacy"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite state database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// JournalPath is the append-only event journal.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// EventRetentionHours is how long raw events are kept. 0 keeps them
	// forever.
	EventRetentionHours int `toml:"event_retention_hours" json:"event_retention_hours" yaml:"event_retention_hours"`

	// PruneIntervalMin is how often retention runs.
	PruneIntervalMin int `toml:"prune_interval_min" json:"prune_interval_min" yaml:"prune_interval_min"`
}

// LocksConfig holds lock directory configuration.
type LocksConfig struct {
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// ManagedWorktreeDir is the path fragment under which worktrees are
	// managed by the tool. Locks there never match a parent query.
	ManagedWorktreeDir string `toml:"managed_worktree_dir" json:"managed_worktree_dir" yaml:"managed_worktree_dir"`

	// ProjectMarkers are entries whose presence marks a project root.
	ProjectMarkers []string `toml:"project_markers" json:"project_markers" yaml:"project_markers"`
}

// IPCConfig holds socket configuration.
type IPCConfig struct {
	SocketPath      string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
	Permissions     string `toml:"permissions" json:"permissions" yaml:"permissions"`
	MaxConnections  int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	ReadTimeoutSec  int    `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	ClientTimeoutMs int    `toml:"client_timeout_ms" json:"client_timeout_ms" yaml:"client_timeout_ms"`

	// AllowOtherUsers skips the peer credential check.
	AllowOtherUsers bool `toml:"allow_other_users" json:"allow_other_users" yaml:"allow_other_users"`
}

// PolicyConfig holds the shell ranking policy.
type PolicyConfig struct {
	PreferTmux bool `toml:"prefer_tmux" json:"prefer_tmux" yaml:"prefer_tmux"`

	// Order lists ranking rules by priority. Empty means the default order.
	Order []string `toml:"order" json:"order" yaml:"order"`
}

// ShellsConfig holds shell evidence configuration.
type ShellsConfig struct {
	// TTLSec is how long an unrefreshed shell entry is kept.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`
}

// ProjectsConfig lists projects tracked at startup.
type ProjectsConfig struct {
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stderr", "stdout", "file", "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the optional metrics listener.
type MetricsConfig struct {
	// ListenAddr is a loopback host:port. Empty disables the listener.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// LegacyConfig points at state left by older releases.
type LegacyConfig struct {
	// SnapshotPath is the flat-file session snapshot imported once.
	SnapshotPath string `toml:"snapshot_path" json:"snapshot_path" yaml:"snapshot_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:                filepath.Join(dir, "state.db"),
			JournalPath:         filepath.Join(dir, "events.journal"),
			BusyTimeoutMs:       5000,
			EventRetentionHours: 7 * 24,
			PruneIntervalMin:    10,
		},
		Locks: LocksConfig{
			Dir:                filepath.Join(dir, "locks"),
			ManagedWorktreeDir: ".sessiond/worktrees",
			ProjectMarkers:     []string{".git"},
		},
		IPC: IPCConfig{
			SocketPath:      DefaultSocketPath(),
			Permissions:     "0600",
			MaxConnections:  64,
			ReadTimeoutSec:  30,
			ClientTimeoutMs: 500,
		},
		Policy: PolicyConfig{
			PreferTmux: false,
			Order:      append([]string{}, ranking.DefaultOrder...),
		},
		Shells: ShellsConfig{
			TTLSec: 24 * 60 * 60,
		},
		Projects: ProjectsConfig{
			Paths: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "sessiond.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Legacy: LegacyConfig{
			SnapshotPath: filepath.Join(dir, "sessions.json"),
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

// expandPaths resolves a leading ~/ in every path setting.
func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Storage.Path,
		&c.Storage.JournalPath,
		&c.Locks.Dir,
		&c.IPC.SocketPath,
		&c.Logging.FilePath,
		&c.Legacy.SnapshotPath,
	} {
		*p = expandPath(*p)
	}
	for i, p := range c.Projects.Paths {
		c.Projects.Paths[i] = expandPath(p)
	}
}

func loadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	return cfg, nil
}

// envOverrides are the SESSIOND_* variables. Unset variables leave the
// file value alone.
type envOverrides struct {
	StoragePath   string        `envconfig:"STORAGE_PATH"`
	JournalPath   string        `envconfig:"JOURNAL_PATH"`
	LockDir       string        `envconfig:"LOCK_DIR"`
	SocketPath    string        `envconfig:"SOCKET_PATH"`
	ClientTimeout time.Duration `envconfig:"CLIENT_TIMEOUT"`
	LogLevel      string        `envconfig:"LOG_LEVEL"`
	LogFormat     string        `envconfig:"LOG_FORMAT"`
	LogPath       string        `envconfig:"LOG_PATH"`
	MetricsAddr   string        `envconfig:"METRICS_ADDR"`
	PreferTmux    *bool         `envconfig:"PREFER_TMUX"`
	Projects      []string      `envconfig:"PROJECTS"`
}

// ApplyEnvOverrides applies SESSIOND_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Storage.Path, env.StoragePath)
	set(&c.Storage.JournalPath, env.JournalPath)
	set(&c.Locks.Dir, env.LockDir)
	set(&c.IPC.SocketPath, env.SocketPath)
	set(&c.Logging.Level, env.LogLevel)
	set(&c.Logging.Format, env.LogFormat)
	set(&c.Logging.FilePath, env.LogPath)
	set(&c.Metrics.ListenAddr, env.MetricsAddr)

	if env.ClientTimeout > 0 {
		c.IPC.ClientTimeoutMs = int(env.ClientTimeout / time.Millisecond)
	}
	if env.PreferTmux != nil {
		c.Policy.PreferTmux = *env.PreferTmux
	}
	if len(env.Projects) > 0 {
		c.Projects.Paths = env.Projects
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.JournalPath),
		c.Locks.Dir,
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Locks.ProjectMarkers = append([]string{}, c.Locks.ProjectMarkers...)
	clone.Policy.Order = append([]string{}, c.Policy.Order...)
	clone.Projects.Paths = append([]string{}, c.Projects.Paths...)
	return &clone
}

// Encode writes the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the configuration to path with owner-only permissions.
// The format follows the extension, defaulting to TOML.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = c.Encode()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// BusyTimeout returns the SQLite busy timeout.
func (s StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

// EventRetention returns the event retention window. Zero keeps events.
func (s StorageConfig) EventRetention() time.Duration {
	return time.Duration(s.EventRetentionHours) * time.Hour
}

// PruneInterval returns the retention interval.
func (s StorageConfig) PruneInterval() time.Duration {
	return time.Duration(s.PruneIntervalMin) * time.Minute
}

// FileMode parses Permissions.
func (i IPCConfig) FileMode() os.FileMode {
	mode, err := strconv.ParseUint(i.Permissions, 8, 32)
	if err != nil {
		return 0600
	}
	return os.FileMode(mode)
}

// ReadTimeout returns the idle connection timeout.
func (i IPCConfig) ReadTimeout() time.Duration {
	return time.Duration(i.ReadTimeoutSec) * time.Second
}

// ClientTimeout returns the per-call client budget.
func (i IPCConfig) ClientTimeout() time.Duration {
	return time.Duration(i.ClientTimeoutMs) * time.Millisecond
}

// TTL returns the shell entry lifetime.
func (s ShellsConfig) TTL() time.Duration {
	return time.Duration(s.TTLSec) * time.Second
}

// Build returns the ranking policy.
func (p PolicyConfig) Build() (ranking.Policy, error) {
	return ranking.NewPolicy(p.Order, p.PreferTmux)
}

// Build converts the section into a logging configuration.
func (l LoggingConfig) Build() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg, nil
}
