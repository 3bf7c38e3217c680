package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.journal")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func appendN(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := j.Append(EntryEvent, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
}

func TestAppendAndRead(t *testing.T) {
	j, _ := createTestJournal(t)

	seq, err := j.Append(EntryEvent, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = j.Append(EntryEvent, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("first"), entries[0].Payload)
	assert.Equal(t, EntryEvent, entries[1].Type)

	after, err := j.ReadAfter(1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(2), after[0].Sequence)
	assert.Equal(t, uint64(2), j.LastSequence())
	assert.Equal(t, uint64(2), j.EntryCount())
}

func TestReopenContinuesSequence(t *testing.T) {
	j, path := createTestJournal(t)
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(3), j2.LastSequence())

	seq, err := j2.Append(EntryEvent, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestCorruptTailIsTruncated(t *testing.T) {
	j, path := createTestJournal(t)
	appendN(t, j, 3)
	size := j.Size()
	require.NoError(t, j.Close())

	// Flip a payload byte in the last frame and append a torn frame.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[size-6] ^= 0xFF
	data = append(data, 0x00, 0x00, 0x01)
	require.NoError(t, os.WriteFile(path, data, 0600))

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Positive(t, j2.TruncatedTail())
	assert.Equal(t, uint64(2), j2.LastSequence())

	seq, err := j2.Append(EntryEvent, []byte("after repair"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	entries, err = j2.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTruncateKeepsSequence(t *testing.T) {
	j, path := createTestJournal(t)
	appendN(t, j, 5)

	removed, err := j.Truncate(4)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Sequence)

	removed, err = j.Truncate(100)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Zero(t, j.EntryCount())

	seq, err := j.Append(EntryEvent, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)

	require.NoError(t, j.Close())
	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(6), j2.LastSequence())
}

func TestInvalidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.journal")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0600))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestClosed(t *testing.T) {
	j, _ := createTestJournal(t)
	require.NoError(t, j.Close())
	_, err := j.Append(EntryEvent, nil)
	assert.ErrorIs(t, err, ErrJournalClosed)
	assert.Error(t, j.Check())
	assert.NoError(t, j.Close())
}

func TestSecondOpenIsLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no advisory locks")
	}
	j, path := createTestJournal(t)

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, j.Close())
	j2, err := Open(path)
	require.NoError(t, err)
	j2.Close()
}
