package ftpbridge

import (
	"crypto/rand"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/x79d8/internal/blockcodec"
	"github.com/deploymenttheory/x79d8/internal/blockstore"
	"github.com/deploymenttheory/x79d8/internal/object"
	"github.com/deploymenttheory/x79d8/internal/storeconfig"
	"github.com/deploymenttheory/x79d8/internal/vfs"
)

func setupFs(t *testing.T) *Fs {
	t.Helper()
	memFs := afero.NewMemMapFs()
	require.NoError(t, memFs.MkdirAll("/store/blocks", 0o755))
	store, err := blockstore.Open(memFs, "/store/blocks", 4096)
	require.NoError(t, err)

	var key [32]byte
	_, err = rand.Read(key[:])
	require.NoError(t, err)
	codec := blockcodec.New(key)

	layer := object.NewLayer(store, codec)
	tree, err := vfs.NewTree(layer)
	require.NoError(t, err)

	return New(tree, nil)
}

func TestOpenFileCreateWriteRead(t *testing.T) {
	fs := setupFs(t)

	f, err := fs.OpenFile("/hello.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, f.Close())

	f2, err := fs.Open("/hello.txt")
	require.NoError(t, err)
	defer f2.Close()
	data, err := io.ReadAll(f2)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestMkdirAndStat(t *testing.T) {
	fs := setupFs(t)

	require.NoError(t, fs.Mkdir("/sub", 0o755))
	info, err := fs.Stat("/sub")
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, "sub", info.Name())
}

func TestMkdirAllNested(t *testing.T) {
	fs := setupFs(t)

	require.NoError(t, fs.MkdirAll("/a/b/c", 0o755))
	info, err := fs.Stat("/a/b/c")
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRenameFile(t *testing.T) {
	fs := setupFs(t)

	f, err := fs.Create("/old.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/old.txt", "/new.txt"))

	_, err = fs.Stat("/old.txt")
	require.Error(t, err)
	_, err = fs.Stat("/new.txt")
	require.NoError(t, err)
}

func TestRemoveFileAndDir(t *testing.T) {
	fs := setupFs(t)

	f, err := fs.Create("/file.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Remove("/file.txt"))
	_, err = fs.Stat("/file.txt")
	require.Error(t, err)

	require.NoError(t, fs.Mkdir("/dir", 0o755))
	require.NoError(t, fs.Remove("/dir"))
	_, err = fs.Stat("/dir")
	require.Error(t, err)
}

func TestRemoveAllRecursive(t *testing.T) {
	fs := setupFs(t)

	require.NoError(t, fs.MkdirAll("/a/b", 0o755))
	f, err := fs.Create("/a/b/file.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.RemoveAll("/a"))
	_, err = fs.Stat("/a")
	require.Error(t, err)
}

func TestReaddirListsEntries(t *testing.T) {
	fs := setupFs(t)

	for _, name := range []string{"/one.txt", "/two.txt"} {
		f, err := fs.Create(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	dir, err := fs.Open("/")
	require.NoError(t, err)
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one.txt", "two.txt"}, names)
}

func TestOpenFileOnMissingPathWithoutCreateFails(t *testing.T) {
	fs := setupFs(t)
	_, err := fs.OpenFile("/missing.txt", os.O_RDONLY, 0)
	require.Error(t, err)
}

func TestChownUnsupported(t *testing.T) {
	fs := setupFs(t)
	f, err := fs.Create("/x.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Error(t, fs.Chown("/x.txt", 0, 0))
}

func TestDriverAuthUser(t *testing.T) {
	cfg, _, err := storeconfig.New("correct horse", storeconfig.DefaultBlockSize, 10)
	require.NoError(t, err)

	memFs := afero.NewMemMapFs()
	require.NoError(t, memFs.MkdirAll("/store/blocks", 0o755))
	store, err := blockstore.Open(memFs, "/store/blocks", 4096)
	require.NoError(t, err)
	var key [32]byte
	_, err = rand.Read(key[:])
	require.NoError(t, err)
	layer := object.NewLayer(store, blockcodec.New(key))
	tree, err := vfs.NewTree(layer)
	require.NoError(t, err)

	d, err := NewDriver("127.0.0.1:0", cfg, tree, nil)
	require.NoError(t, err)

	driver, err := d.AuthUser(nil, "anybody", "correct horse")
	require.NoError(t, err)
	require.NotNil(t, driver)

	_, err = d.AuthUser(nil, "anybody", "wrong password")
	require.Error(t, err)
}

func TestReplyCodeMapping(t *testing.T) {
	require.Equal(t, 0, ReplyCode(nil))
}

func TestLoopbackOnlyGuard(t *testing.T) {
	require.NoError(t, CheckLoopbackBind("127.0.0.1:7968"))
	require.Error(t, CheckLoopbackBind(":7968"))
	require.Error(t, CheckLoopbackBind("0.0.0.0:7968"))
	require.Error(t, CheckLoopbackBind("192.168.1.5:7968"))
}
