package blockstore

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/store/blocks", 0o755))
	s, err := Open(fs, "/store/blocks", 64)
	require.NoError(t, err)
	return s
}

func TestAllocateWriteReadFree(t *testing.T) {
	s := newTestStore(t)

	id := s.Allocate()
	require.Equal(t, uint64(1), id)

	data := bytes.Repeat([]byte{0xAB}, 64)
	require.NoError(t, s.Write(id, data))

	got, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, s.Free(id))
	_, err = s.Read(id)
	require.ErrorIs(t, err, x79err.ErrNoSuchBlock)
}

func TestAllocateTightlyPacks(t *testing.T) {
	s := newTestStore(t)

	a := s.Allocate()
	b := s.Allocate()
	require.NoError(t, s.Free(a))

	c := s.Allocate()
	require.Equal(t, a, c, "freed id should be reused before growing")
	require.NotEqual(t, b, c)
}

func TestEnumerateSorted(t *testing.T) {
	s := newTestStore(t)
	ids := []uint64{s.Allocate(), s.Allocate(), s.Allocate()}
	for _, id := range ids {
		require.NoError(t, s.Write(id, make([]byte, 64)))
	}
	require.Equal(t, ids, s.Enumerate())
}

func TestReadUnknownBlockFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(999)
	require.ErrorIs(t, err, x79err.ErrNoSuchBlock)
}
