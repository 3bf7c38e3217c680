package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sessiond/internal/logging"
	"sessiond/internal/ranking"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.Warning {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.Warning {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig validates c. The returned error is ValidationErrors when
// anything is wrong; warnings alone do not fail validation but are
// reported through Check.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation finding, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLocks(&c.Locks)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validatePolicy(&c.Policy)...)
	errs = append(errs, validateShells(&c.Shells)...)
	errs = append(errs, validateProjects(&c.Projects)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "database path is required"})
	} else if err := checkParent(s.Path); err != nil {
		errs = append(errs, ValidationError{Field: "storage.path", Message: err.Error()})
	}
	if s.JournalPath == "" {
		errs = append(errs, ValidationError{Field: "storage.journal_path", Message: "journal path is required"})
	}
	if s.Path != "" && s.Path == s.JournalPath {
		errs = append(errs, ValidationError{
			Field:   "storage.journal_path",
			Message: "journal must not share the database file",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	if s.EventRetentionHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.event_retention_hours",
			Message: "retention cannot be negative",
		})
	}
	if s.PruneIntervalMin < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.prune_interval_min",
			Message: "prune interval must be at least 1 minute",
		})
	}
	return errs
}

// checkParent reports a parent path that exists but is not a directory.
// A missing parent is created later.
func checkParent(path string) error {
	dir := filepath.Dir(expandPath(path))
	if dir == "" || dir == "." {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot access directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("parent path is not a directory: %s", dir)
	}
	return nil
}

func validateLocks(l *LocksConfig) ValidationErrors {
	var errs ValidationErrors

	if l.Dir == "" {
		errs = append(errs, ValidationError{Field: "locks.dir", Message: "lock directory is required"})
	}
	for i, m := range l.ProjectMarkers {
		if m == "" || strings.ContainsRune(m, '/') {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("locks.project_markers[%d]", i),
				Message: fmt.Sprintf("marker %q must be a single path element", m),
			})
		}
	}
	return errs
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "socket path is required"})
	} else if !filepath.IsAbs(expandPath(i.SocketPath)) {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "socket path must be absolute"})
	}

	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.ReadTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.read_timeout_sec",
			Message: "read timeout cannot be negative",
		})
	}
	if i.ClientTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.client_timeout_ms",
			Message: "client timeout must be at least 1ms",
		})
	} else if i.ClientTimeoutMs > 500 {
		errs = append(errs, ValidationError{
			Field:   "ipc.client_timeout_ms",
			Message: "client timeout above 500ms delays every hook",
			Warning: true,
		})
	}
	return errs
}

func validatePolicy(p *PolicyConfig) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(p.Order))
	for i, name := range p.Order {
		field := fmt.Sprintf("policy.order[%d]", i)
		switch {
		case !ranking.KnownRule(name):
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown ranking rule %q", name)})
		case seen[name]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("rule %q listed twice", name)})
		case name == ranking.RuleTmux && !seen[ranking.RuleSpecificity]:
			errs = append(errs, ValidationError{Field: field, Message: "tmux must come after specificity"})
		}
		seen[name] = true
	}
	return errs
}

func validateShells(s *ShellsConfig) ValidationErrors {
	if s.TTLSec < 60 {
		return ValidationErrors{{Field: "shells.ttl_sec", Message: "ttl must be at least 60 seconds"}}
	}
	return nil
}

func validateProjects(p *ProjectsConfig) ValidationErrors {
	var errs ValidationErrors
	for i, path := range p.Paths {
		field := fmt.Sprintf("projects.paths[%d]", i)
		expanded := expandPath(path)
		if !filepath.IsAbs(expanded) {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("path %q must be absolute", path)})
			continue
		}
		// Projects may be cloned later.
		if _, err := os.Stat(expanded); err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("path %q does not exist", path),
				Warning: true,
			})
		}
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stderr", "stdout":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required for file output",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stderr, stdout, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.ListenAddr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(m.ListenAddr)
	if err != nil {
		return ValidationErrors{{Field: "metrics.listen_addr", Message: fmt.Sprintf("invalid address: %v", err)}}
	}
	if host != "localhost" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return ValidationErrors{{Field: "metrics.listen_addr", Message: "metrics listener must be loopback"}}
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
