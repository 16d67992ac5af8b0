package storeconfig

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

func TestNewAndUnlockRoundTrip(t *testing.T) {
	cfg, key, err := New("correct horse battery staple", DefaultBlockSize, 10)
	require.NoError(t, err)
	require.Len(t, cfg.Salt, saltLen)
	require.Len(t, cfg.Verifier, verifierLen)

	got, err := cfg.Unlock("correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestUnlockRejectsWrongPassword(t *testing.T) {
	cfg, _, err := New("right-password", DefaultBlockSize, 10)
	require.NoError(t, err)

	_, err = cfg.Unlock("wrong-password")
	require.ErrorIs(t, err, x79err.ErrBadPassword)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, _, err := New("pw", 64*1024, 10)
	require.NoError(t, err)

	require.NoError(t, cfg.Save(fs, "/store"))

	loaded, err := Load(fs, "/store")
	require.NoError(t, err)
	require.Equal(t, cfg.BlockSize, loaded.BlockSize)
	require.Equal(t, cfg.ScryptLogN, loaded.ScryptLogN)
	require.Equal(t, cfg.Salt, loaded.Salt)
	require.Equal(t, cfg.Verifier, loaded.Verifier)
}

func TestSaveRefusesToOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, _, err := New("pw", DefaultBlockSize, 10)
	require.NoError(t, err)
	require.NoError(t, cfg.Save(fs, "/store"))

	err = cfg.Save(fs, "/store")
	require.ErrorIs(t, err, x79err.ErrExists)
}

func TestLoadMissingConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/store")
	require.ErrorIs(t, err, x79err.ErrConfigMissing)
}

func TestLoadCorruptConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/store", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/store/x79d8.toml", []byte("not valid toml {{{"), 0o600))

	_, err := Load(fs, "/store")
	require.ErrorIs(t, err, x79err.ErrConfigCorrupt)
}
