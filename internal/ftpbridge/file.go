package ftpbridge

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/x79d8/internal/vfs"
	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// fileHandle adapts a *vfs.Handle to afero.File for ftpserverlib's
// transfer path. The cursor-based Read/Write/Seek already live on
// vfs.Handle; this type adds the afero.File methods that don't map onto a
// plain data transfer (Name, Readdir, Readdirnames, Stat, Sync,
// WriteString) and adapts ReadAt, WriteAt and Truncate to afero's
// signatures.
type fileHandle struct {
	*vfs.Handle
	tree *vfs.Tree
	id   uint64
	name string
}

func (f *fileHandle) Name() string { return f.name }

func (f *fileHandle) Readdir(count int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("%w: %s is a file", x79err.ErrNotDirectory, f.name)
}

func (f *fileHandle) Readdirnames(n int) ([]string, error) {
	return nil, fmt.Errorf("%w: %s is a file", x79err.ErrNotDirectory, f.name)
}

func (f *fileHandle) Stat() (os.FileInfo, error) {
	n, err := f.tree.Stat(f.id)
	if err != nil {
		return nil, err
	}
	return fileInfo{name: f.name, inode: n}, nil
}

func (f *fileHandle) Sync() error { return nil }

func (f *fileHandle) WriteString(s string) (int, error) { return f.Write([]byte(s)) }

// ReadAt and WriteAt adapt vfs.Handle's (offset uint64, length int)
// shape to io.ReaderAt/io.WriterAt's (p []byte, off int64) shape.
func (f *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", x79err.ErrUnsupported)
	}
	got, err := f.Handle.ReadAt(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, got)
	if n < len(p) {
		return n, fmt.Errorf("ftpbridge: short read")
	}
	return n, nil
}

func (f *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", x79err.ErrUnsupported)
	}
	if err := f.Handle.WriteAt(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Truncate adapts vfs.Handle's uint64 size to afero.File's int64.
func (f *fileHandle) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", x79err.ErrUnsupported)
	}
	return f.Handle.Truncate(uint64(size))
}

// dirHandle adapts a directory inode to afero.File for clients that Open
// a directory path directly instead of using LIST/MLSD.
type dirHandle struct {
	tree    *vfs.Tree
	id      uint64
	name    string
	entries []vfs.DirEntry
	pos     int
}

func newDirHandle(tree *vfs.Tree, id uint64, name string) (*dirHandle, error) {
	entries, err := tree.Readdir(id)
	if err != nil {
		return nil, err
	}
	return &dirHandle{tree: tree, id: id, name: name, entries: entries}, nil
}

func (d *dirHandle) Name() string { return d.name }

func (d *dirHandle) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("%w: %s is a directory", x79err.ErrIsDirectory, d.name)
}
func (d *dirHandle) ReadAt(p []byte, off int64) (int, error) { return d.Read(p) }
func (d *dirHandle) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("%w: %s is a directory", x79err.ErrIsDirectory, d.name)
}
func (d *dirHandle) WriteAt(p []byte, off int64) (int, error) { return d.Write(p) }
func (d *dirHandle) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("%w: %s is a directory", x79err.ErrIsDirectory, d.name)
}
func (d *dirHandle) Close() error  { return nil }
func (d *dirHandle) Sync() error   { return nil }
func (d *dirHandle) Truncate(size int64) error {
	return fmt.Errorf("%w: %s is a directory", x79err.ErrIsDirectory, d.name)
}
func (d *dirHandle) WriteString(s string) (int, error) { return d.Write([]byte(s)) }

func (d *dirHandle) Stat() (os.FileInfo, error) {
	n, err := d.tree.Stat(d.id)
	if err != nil {
		return nil, err
	}
	return fileInfo{name: d.name, inode: n}, nil
}

func (d *dirHandle) Readdir(count int) ([]os.FileInfo, error) {
	infos, names, err := d.nextBatch(count)
	_ = names
	return infos, err
}

func (d *dirHandle) Readdirnames(count int) ([]string, error) {
	_, names, err := d.nextBatch(count)
	return names, err
}

func (d *dirHandle) nextBatch(count int) ([]os.FileInfo, []string, error) {
	remaining := d.entries[d.pos:]
	if count > 0 && count < len(remaining) {
		remaining = remaining[:count]
	}
	infos := make([]os.FileInfo, len(remaining))
	names := make([]string, len(remaining))
	for i, e := range remaining {
		infos[i] = fileInfo{name: e.Name, inode: e.Inode}
		names[i] = e.Name
	}
	d.pos += len(remaining)
	if count > 0 && len(remaining) == 0 {
		return nil, nil, fmt.Errorf("ftpbridge: EOF")
	}
	return infos, names, nil
}
