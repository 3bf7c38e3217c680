// Package lock manages per-session lock evidence on disk and selects among
// matching locks.
//
// A lock records where a session started and which process owns it. Locks
// are advisory: the daemon is their only writer and treats every lock as
// evidence to be checked against process liveness, never as a mutex.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	lockSuffix = ".lock"
	pidFile    = "pid"
	metaFile   = "meta.json"
)

// ErrNotFound is returned when a session has no lock.
var ErrNotFound = errors.New("lock not found")

// Info is the metadata stored with a lock.
type Info struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	PID       int    `json:"pid"`
	// Created is Unix milliseconds.
	Created     int64 `json:"created"`
	ProcStarted int64 `json:"proc_started,omitempty"`
}

// CreatedTime converts Created to a time.
func (i Info) CreatedTime() time.Time {
	return time.UnixMilli(i.Created)
}

// Key is the directory name for a session's lock.
func Key(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:16] + lockSuffix
}

// IsEntry reports whether name is a lock directory name.
func IsEntry(name string) bool {
	return strings.HasSuffix(name, lockSuffix) && !strings.HasPrefix(name, ".")
}

// Dir is a lock directory.
type Dir struct {
	root string
}

// OpenDir creates the lock directory if needed.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.root
}

// Check verifies the directory is still writable.
func (d *Dir) Check() error {
	f, err := os.CreateTemp(d.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("lock dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Create writes the lock for info.SessionID. An existing lock keeps its
// Created timestamp. The stored Info is returned.
func (d *Dir) Create(info Info) (Info, error) {
	if info.SessionID == "" {
		return Info{}, errors.New("lock without session id")
	}
	if prev, err := d.Read(info.SessionID); err == nil && prev.Created > 0 {
		info.Created = prev.Created
	}
	if info.Created == 0 {
		info.Created = time.Now().UnixMilli()
	}

	dir := filepath.Join(d.root, Key(info.SessionID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Info{}, fmt.Errorf("create lock: %w", err)
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return Info{}, fmt.Errorf("encode lock: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, pidFile), []byte(strconv.Itoa(info.PID)+"\n")); err != nil {
		return Info{}, fmt.Errorf("write lock pid: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), meta); err != nil {
		return Info{}, fmt.Errorf("write lock meta: %w", err)
	}
	return info, nil
}

// Read loads the lock of one session.
func (d *Dir) Read(sessionID string) (Info, error) {
	return readEntry(filepath.Join(d.root, Key(sessionID)))
}

// ReadEntry loads a lock by its directory name.
func (d *Dir) ReadEntry(name string) (Info, error) {
	return readEntry(filepath.Join(d.root, name))
}

func readEntry(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("read lock: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("decode lock %s: %w", filepath.Base(dir), err)
	}
	// The pid file is authoritative when meta disagrees.
	if raw, err := os.ReadFile(filepath.Join(dir, pidFile)); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 {
			info.PID = pid
		}
	}
	return info, nil
}

// List returns every readable lock, ordered by directory name. Unreadable
// entries are reported through skipped and left on disk.
func (d *Dir) List() (locks []Info, skipped []string, err error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, nil, fmt.Errorf("list locks: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if !e.IsDir() || !IsEntry(e.Name()) {
			continue
		}
		info, err := readEntry(filepath.Join(d.root, e.Name()))
		if err != nil {
			skipped = append(skipped, e.Name())
			continue
		}
		locks = append(locks, info)
	}
	return locks, skipped, nil
}

// Remove deletes a session's lock. Removing a missing lock is not an error.
func (d *Dir) Remove(sessionID string) error {
	if err := os.RemoveAll(filepath.Join(d.root, Key(sessionID))); err != nil {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
