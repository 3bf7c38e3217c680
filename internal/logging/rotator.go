package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates its file by size. Rotated files
// are named <base>-<timestamp><ext>, optionally gzipped, and pruned by
// count and age.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	// bg tracks compression and cleanup started by rotate; bgMu runs
	// them one at a time.
	bg   sync.WaitGroup
	bgMu sync.Mutex
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress:   cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	name, ext := r.nameParts()
	stamp := time.Now().Format("20060102-150405.000")
	rotated := filepath.Join(filepath.Dir(r.path), fmt.Sprintf("%s-%s%s", name, stamp, ext))
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.bgMu.Lock()
		defer r.bgMu.Unlock()
		if r.compress {
			compressFile(rotated)
		}
		r.cleanup()
	}()
	return nil
}

func (r *FileRotator) nameParts() (name, ext string) {
	base := filepath.Base(r.path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// compressFile replaces path with path.gz. Failures leave path in place.
func compressFile(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, input)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := output.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	name, ext := r.nameParts()
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(r.path), name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	// The timestamp format sorts lexically.
	sort.Strings(matches)
	return matches, nil
}

func (r *FileRotator) cleanup() {
	files, err := r.Backups()
	if err != nil {
		return
	}
	keep := files
	if r.maxBackups > 0 && len(files) > r.maxBackups {
		for _, f := range files[:len(files)-r.maxBackups] {
			os.Remove(f)
		}
		keep = files[len(files)-r.maxBackups:]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, f := range keep {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Close closes the file after pending compression finishes.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bg.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
