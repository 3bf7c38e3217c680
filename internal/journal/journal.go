// Package journal implements the append-only event journal.
//
// Every accepted event is appended and synced before the store commits it.
// On startup, entries with a sequence above the store's committed sequence
// are replayed. A torn or corrupt tail is cut off at the first bad frame.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version and magic constants
const (
	Version    = 1
	Magic      = "SDJL"
	HeaderSize = 32
)

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	// EntryEvent carries a JSON-encoded event envelope.
	EntryEvent EntryType = 1
)

// Errors
var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrJournalClosed  = errors.New("journal: closed")
	// ErrLocked means another process holds the journal open.
	ErrLocked = errors.New("journal: locked by another process")
)

// frame layout: length(4) seq(8) timestamp(8) type(1) payloadLen(4) payload crc(4)
const frameOverhead = 4 + 8 + 8 + 1 + 4 + 4

// MaxPayload bounds a single entry.
const MaxPayload = 4 << 20

// Entry is a single journal record.
type Entry struct {
	Sequence uint64
	// Timestamp is the append time in UnixNano.
	Timestamp int64
	Type      EntryType
	Payload   []byte
}

// Time returns the append time.
func (e Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Journal is an append-only, CRC-framed log file.
type Journal struct {
	mu sync.Mutex

	path string
	file *os.File

	nextSequence uint64
	closed       bool

	entryCount uint64
	byteCount  int64
	// truncatedTail is the number of bytes dropped on open.
	truncatedTail int64
}

// Open opens or creates a journal file.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("lock journal file: %w", err)
	}

	j := &Journal{path: path, file: file, nextSequence: 1}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal file: %w", err)
	}

	if stat.Size() == 0 {
		if err := writeHeader(file, j.nextSequence); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		j.byteCount = HeaderSize
		if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
			file.Close()
			return nil, fmt.Errorf("seek after header: %w", err)
		}
		return j, nil
	}

	base, err := readHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	j.nextSequence = base
	if err := j.scanToEnd(stat.Size()); err != nil {
		file.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return j, nil
}

// header layout: magic(4) version(4) createdAt(8) baseSeq(8) reserved(8)
func writeHeader(f *os.File, baseSeq uint64) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], baseSeq)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readHeader(f *os.File) (uint64, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	if string(buf[0:4]) != Magic {
		return 0, ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != Version {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, Version)
	}
	base := binary.BigEndian.Uint64(buf[16:24])
	if base == 0 {
		base = 1
	}
	return base, nil
}

// scanToEnd walks the frames, stops at the first bad one and cuts the file
// there so later appends start on a clean boundary.
func (j *Journal) scanToEnd(size int64) error {
	offset := int64(HeaderSize)
	for {
		entry, n, err := readFrame(j.file, offset)
		if err != nil {
			break
		}
		j.nextSequence = entry.Sequence + 1
		j.entryCount++
		offset += n
	}

	if offset < size {
		if err := j.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate corrupt tail: %w", err)
		}
		if err := j.file.Sync(); err != nil {
			return err
		}
		j.truncatedTail = size - offset
	}
	j.byteCount = offset
	_, err := j.file.Seek(offset, io.SeekStart)
	return err
}

// readFrame decodes the frame at offset and returns its size.
func readFrame(r io.ReaderAt, offset int64) (*Entry, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen < frameOverhead || frameLen > frameOverhead+MaxPayload {
		return nil, 0, ErrCorruptedEntry
	}
	buf := make([]byte, frameLen)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	entry, err := decodeFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	return entry, int64(frameLen), nil
}

func encodeFrame(e *Entry) []byte {
	buf := make([]byte, frameOverhead+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[4:12], e.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(e.Timestamp))
	buf[20] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(e.Payload)))
	copy(buf[25:], e.Payload)
	crcAt := len(buf) - 4
	binary.BigEndian.PutUint32(buf[crcAt:], crc32.ChecksumIEEE(buf[4:crcAt]))
	return buf
}

func decodeFrame(buf []byte) (*Entry, error) {
	if len(buf) < frameOverhead {
		return nil, errors.New("entry too short")
	}
	crcAt := len(buf) - 4
	if binary.BigEndian.Uint32(buf[crcAt:]) != crc32.ChecksumIEEE(buf[4:crcAt]) {
		return nil, ErrCorruptedEntry
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[21:25]))
	if 25+payloadLen != crcAt {
		return nil, errors.New("entry truncated")
	}
	return &Entry{
		Sequence:  binary.BigEndian.Uint64(buf[4:12]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[12:20])),
		Type:      EntryType(buf[20]),
		Payload:   append([]byte(nil), buf[25:crcAt]...),
	}, nil
}

// Append writes and syncs one entry and returns its sequence number.
func (j *Journal) Append(entryType EntryType, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("journal: payload of %d bytes exceeds limit", len(payload))
	}

	entry := &Entry{
		Sequence:  j.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
	}
	data := encodeFrame(entry)

	if _, err := j.file.Write(data); err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync entry: %w", err)
	}

	j.nextSequence++
	j.entryCount++
	j.byteCount += int64(len(data))
	return entry.Sequence, nil
}

// ReadAll reads every entry.
func (j *Journal) ReadAll() ([]Entry, error) {
	return j.ReadAfter(0)
}

// ReadAfter reads entries with sequence > afterSeq.
func (j *Journal) ReadAfter(afterSeq uint64) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}
	return j.readEntries(afterSeq)
}

func (j *Journal) readEntries(afterSeq uint64) ([]Entry, error) {
	var entries []Entry
	offset := int64(HeaderSize)
	for offset < j.byteCount {
		entry, n, err := readFrame(j.file, offset)
		if err != nil {
			return nil, fmt.Errorf("read entry at offset %d: %w", offset, err)
		}
		if entry.Sequence > afterSeq {
			entries = append(entries, *entry)
		}
		offset += n
	}
	return entries, nil
}

// Truncate removes entries with sequence < beforeSeq. Sequence numbers are
// never reused, even when every entry is removed.
func (j *Journal) Truncate(beforeSeq uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	all, err := j.readEntries(0)
	if err != nil {
		return 0, err
	}
	var kept []Entry
	for _, e := range all {
		if e.Sequence >= beforeSeq {
			kept = append(kept, e)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	newPath := j.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int, error) {
		newFile.Close()
		os.Remove(newPath)
		return 0, err
	}
	if err := lockFile(newFile); err != nil {
		return fail(err)
	}

	if err := writeHeader(newFile, j.nextSequence); err != nil {
		return fail(err)
	}
	size := int64(HeaderSize)
	if _, err := newFile.Seek(HeaderSize, io.SeekStart); err != nil {
		return fail(err)
	}
	for i := range kept {
		data := encodeFrame(&kept[i])
		if _, err := newFile.Write(data); err != nil {
			return fail(err)
		}
		size += int64(len(data))
	}
	if err := newFile.Sync(); err != nil {
		return fail(err)
	}

	if err := os.Rename(newPath, j.path); err != nil {
		return fail(err)
	}
	j.file.Close()
	j.file = newFile

	j.entryCount = uint64(len(kept))
	j.byteCount = size
	return removed, nil
}

// Size returns the current file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.byteCount
}

// EntryCount returns the number of entries in the journal.
func (j *Journal) EntryCount() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entryCount
}

// LastSequence returns the last sequence number written, or zero.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSequence - 1
}

// TruncatedTail reports how many bytes of corrupt tail were dropped on open.
func (j *Journal) TruncatedTail() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.truncatedTail
}

// Check reports whether the journal can still be written.
func (j *Journal) Check() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	_, err := j.file.Stat()
	return err
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}
