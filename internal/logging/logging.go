// Package logging configures structured slog logging for sessiond.
//
// Components receive a *slog.Logger and tag themselves with a component
// attribute. The level can be changed at runtime, which is how a config
// reload reaches already-built loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// ParseFormat accepts "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file", or "both" (stderr and file).
	Output   string
	FilePath string

	// MaxSize is the size in megabytes at which the file is rotated.
	MaxSize    int64
	MaxAge     int // days
	MaxBackups int
	Compress   bool

	AddSource bool

	// RedactKeys are extra attribute key fragments whose values are hidden.
	RedactKeys []string

	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    20,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		Component:  "sessiond",
	}
}

// DefaultLogPath is sessiond.log in the data directory.
func DefaultLogPath() string {
	if dir := os.Getenv("SESSIOND_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "sessiond.log")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sessiond", "sessiond.log")
}

// Logger wraps slog.Logger with a runtime-adjustable level and an
// optional rotating file.
type Logger struct {
	*slog.Logger
	config  *Config
	level   *slog.LevelVar
	rotator *FileRotator
	mu      sync.Mutex
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg, level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, err := l.writer()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}
	l.Logger = slog.New(newHandler(w, cfg, l.level))
	return l, nil
}

// NewWriter builds a Logger writing to w, for tests and embedding.
func NewWriter(w io.Writer, cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg, level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)
	l.Logger = slog.New(newHandler(w, cfg, l.level))
	return l
}

func newHandler(w io.Writer, cfg *Config, level slog.Leveler) slog.Handler {
	redact := append(append([]string(nil), sensitiveKeys...), cfg.RedactKeys...)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key, redact) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Component)})
	}
	return h
}

func (l *Logger) writer() (io.Writer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// sensitiveKeys are attribute key fragments that are always redacted.
// Session ids are identifiers, not secrets, and stay visible.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "cookie",
	"api_key", "apikey", "bearer", "private_key",
}

func shouldRedact(key string, fragments []string) bool {
	keyLower := strings.ToLower(key)
	for _, f := range fragments {
		if f != "" && strings.Contains(keyLower, f) {
			return true
		}
	}
	return false
}

// SetLevel changes the level of this logger and every logger derived
// from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger tagged with component=name.
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// Close closes any open log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process logger, creating a stderr one if unset.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewWriter(os.Stderr, DefaultConfig())
	}
	return defaultLogger
}

// SetDefault installs l as the process logger and slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a new context with the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID tags logger with the request id carried by ctx, if any.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With(slog.String("request_id", id))
	}
	return logger
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
