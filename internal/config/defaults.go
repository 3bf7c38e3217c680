package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the sessiond data directory: SESSIOND_DATA_DIR when set,
// otherwise ~/.sessiond.
func DataDir() string {
	if dir := os.Getenv("SESSIOND_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".sessiond")
	}
	return filepath.Join(home, ".sessiond")
}

// DefaultSocketPath places the socket in XDG_RUNTIME_DIR when set, and in
// the data directory otherwise.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "sessiond.sock")
	}
	return filepath.Join(DataDir(), "sessiond.sock")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first config.<ext> in the data directory, or
// the empty string when there is none.
func FindConfigFile() string {
	dir := DataDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
