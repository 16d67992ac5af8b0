package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// memFile adapts a bytes.Buffer-backed slice into the narrow file
// interface the WAL needs, for tests that don't want a real filesystem.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Write(p []byte) (int, error) {
	if m.pos+int64(len(p)) > int64(len(m.data)) {
		grown := make([]byte, m.pos+int64(len(p)))
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Truncate(size int64) error {
	if size == 0 {
		m.data = nil
		m.pos = 0
		return nil
	}
	m.data = m.data[:size]
	return nil
}

func (m *memFile) Sync() error { return nil }

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestAppendAndReplay(t *testing.T) {
	mf := &memFile{}
	w := Open(mf, testKey(), 0)

	writes := []BlockWrite{
		{BlockID: 3, Ciphertext: bytes.Repeat([]byte{0x01}, 32)},
		{BlockID: 7, Ciphertext: bytes.Repeat([]byte{0x02}, 32)},
	}
	require.NoError(t, w.AppendGroup(writes))

	w2 := Open(mf, testKey(), 0)
	replayed, nextLSN, err := w2.Replay()
	require.NoError(t, err)
	require.Equal(t, writes, replayed)
	require.Equal(t, uint64(1), nextLSN)
}

func TestReplayDiscardsTornTail(t *testing.T) {
	mf := &memFile{}
	w := Open(mf, testKey(), 0)

	require.NoError(t, w.AppendGroup([]BlockWrite{{BlockID: 1, Ciphertext: bytes.Repeat([]byte{0xAA}, 16)}}))
	committedLen := len(mf.data)

	// Simulate a crash mid-append of a second group: some bytes land,
	// but not a full commit record.
	mf.data = append(mf.data, []byte{0xDE, 0xAD, 0xBE, 0xEF}...)

	w2 := Open(mf, testKey(), 0)
	replayed, _, err := w2.Replay()
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	require.Equal(t, uint64(1), replayed[0].BlockID)

	_ = committedLen
}

func TestReplayDetectsCorruptCommit(t *testing.T) {
	mf := &memFile{}
	w := Open(mf, testKey(), 0)
	require.NoError(t, w.AppendGroup([]BlockWrite{{BlockID: 5, Ciphertext: bytes.Repeat([]byte{0x55}, 16)}}))

	// Flip the last byte of the file, which lands inside the commit
	// record's encrypted checksum payload and changes the decrypted
	// checksum without touching any framing — a true corruption, not a
	// torn tail.
	mf.data[len(mf.data)-1] ^= 0xFF

	w2 := Open(mf, testKey(), 0)
	_, _, err := w2.Replay()
	require.ErrorIs(t, err, x79err.ErrWalCorrupt)
}

func TestTruncateEmptiesLog(t *testing.T) {
	mf := &memFile{}
	w := Open(mf, testKey(), 0)
	require.NoError(t, w.AppendGroup([]BlockWrite{{BlockID: 1, Ciphertext: bytes.Repeat([]byte{0x01}, 8)}}))
	require.NoError(t, w.Truncate())

	w2 := Open(mf, testKey(), 0)
	replayed, nextLSN, err := w2.Replay()
	require.NoError(t, err)
	require.Empty(t, replayed)
	require.Equal(t, uint64(0), nextLSN)
}
