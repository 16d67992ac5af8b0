package object

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/blockcodec"
	"github.com/deploymenttheory/x79d8/internal/blockstore"
)

func newTestLayer(t *testing.T, blockSize int) (*Layer, *blockstore.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/store/blocks", 0o755))
	store, err := blockstore.Open(fs, "/store/blocks", blockSize)
	require.NoError(t, err)

	var key [32]byte
	_, err = rand.Read(key[:])
	require.NoError(t, err)

	codec := blockcodec.New(key)
	return NewLayer(store, codec), store
}

func applyPlan(t *testing.T, store *blockstore.Store, l *Layer, plan FlushPlan) {
	t.Helper()
	for _, w := range plan.Writes {
		require.NoError(t, store.Write(w.BlockID, w.Ciphertext))
	}
	require.NoError(t, l.CommitFlush(plan))
}

func TestWriteReadRoundTrip(t *testing.T) {
	l, store := newTestLayer(t, 256)
	id := l.CreateObject()

	payload := bytes.Repeat([]byte("hello-x79d8-"), 50) // > shard threshold of 256/8=32
	require.NoError(t, l.Write(id, 0, payload))

	got, err := l.Read(id, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	plan, err := l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)

	got, err = l.Read(id, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSmallObjectsShareAShard(t *testing.T) {
	l, store := newTestLayer(t, 1<<20) // 1 MiB, threshold 128 KiB
	ids := make([]uint64, 100)
	for i := range ids {
		id := l.CreateObject()
		require.NoError(t, l.Write(id, 0, bytes.Repeat([]byte{byte(i)}, 1024)))
		ids[i] = id
	}

	plan, err := l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)

	// 100 objects of 1 KiB should fit in very few shard blocks plus the
	// allocation table block, not 100 dedicated blocks.
	require.LessOrEqual(t, store.Count(), 5)

	for i, id := range ids {
		got, err := l.Read(id, 0, 1024)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 1024), got)
	}
}

func TestDestroyFreesBlocksOnFlush(t *testing.T) {
	l, store := newTestLayer(t, 256)
	id := l.CreateObject()
	require.NoError(t, l.Write(id, 0, bytes.Repeat([]byte{0x42}, 1000)))

	plan, err := l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)
	before := store.Count()
	require.Greater(t, before, 0)

	l.Destroy(id)
	plan, err = l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)

	// Only the allocation table block (now much smaller) should remain.
	require.Less(t, store.Count(), before)
}

func TestLoadLayerRehydratesContent(t *testing.T) {
	l, store := newTestLayer(t, 512)
	id := l.CreateObject()
	payload := bytes.Repeat([]byte("round-trip-me"), 40)
	require.NoError(t, l.Write(id, 0, payload))

	plan, err := l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)

	reloaded, err := LoadLayer(store, l.codec, plan.AllocTableBlocks, plan.NextID)
	require.NoError(t, err)

	got, err := reloaded.Read(id, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestTruncateShrinksContent(t *testing.T) {
	l, store := newTestLayer(t, 256)
	id := l.CreateObject()
	require.NoError(t, l.Write(id, 0, bytes.Repeat([]byte{1}, 200)))
	require.NoError(t, l.Truncate(id, 10))

	got, err := l.Read(id, 0, 200)
	require.NoError(t, err)
	require.Len(t, got, 10)

	plan, err := l.PendingFlush()
	require.NoError(t, err)
	applyPlan(t, store, l, plan)

	got, err = l.Read(id, 0, 10)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 10), got)
}
