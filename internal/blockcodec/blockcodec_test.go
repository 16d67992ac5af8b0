package blockcodec

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

func testKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	codec := New(testKey(t))
	const blockSize = 4096

	plaintext := make([]byte, blockSize-CountSize)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	onDisk, err := codec.EncryptBlock(7, plaintext)
	require.NoError(t, err)
	require.Len(t, onDisk, blockSize)

	got, err := codec.DecryptBlock(7, onDisk, blockSize)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptWrongBlockIDGarbles(t *testing.T) {
	codec := New(testKey(t))
	const blockSize = 1024
	plaintext := []byte("the quick brown fox jumps over the lazy dog....")
	plaintext = append(plaintext, make([]byte, blockSize-CountSize-len(plaintext))...)

	onDisk, err := codec.EncryptBlock(1, plaintext)
	require.NoError(t, err)

	got, err := codec.DecryptBlock(2, onDisk, blockSize)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, got)
}

func TestDecryptWrongLength(t *testing.T) {
	codec := New(testKey(t))
	_, err := codec.DecryptBlock(0, []byte("too short"), 4096)
	require.ErrorIs(t, err, x79err.ErrCorruptBlock)
}

func TestIVUniquenessAcrossWrites(t *testing.T) {
	codec := New(testKey(t))
	const blockSize = 512
	plaintext := make([]byte, blockSize-CountSize)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		onDisk, err := codec.EncryptBlock(42, plaintext)
		require.NoError(t, err)
		count := string(onDisk[:CountSize])
		_, dup := seen[count]
		require.False(t, dup, "count collision after %d writes", i)
		seen[count] = struct{}{}
	}
}
