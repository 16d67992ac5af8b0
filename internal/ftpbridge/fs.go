// Package ftpbridge implements the ftpserverlib driver interfaces over
// internal/vfs (specification §4.8). Fs is the embedded server's
// ClientDriver — shaped like afero.Fs, which is how the rest of this
// repository already treats filesystem-like seams — and Driver is its
// MainDriver, owning auth and per-session bookkeeping.
package ftpbridge

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/x79d8/internal/flusher"
	"github.com/deploymenttheory/x79d8/internal/vfs"
	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// Fs adapts a *vfs.Tree to the afero.Fs shape ftpserverlib's ClientDriver
// expects. Every structural call touches the flusher's idle timer so a
// burst of FTP activity defers the checkpoint until it actually quiets
// down (spec §4.6).
type Fs struct {
	tree    *vfs.Tree
	flusher *flusher.Flusher
}

// New builds the ClientDriver for one store.
func New(tree *vfs.Tree, f *flusher.Flusher) *Fs {
	return &Fs{tree: tree, flusher: f}
}

var _ afero.Fs = (*Fs)(nil)

func (fs *Fs) touch() {
	if fs.flusher != nil {
		fs.flusher.Touch()
	}
}

func (fs *Fs) Name() string { return "x79d8" }

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	n, err := fs.tree.Resolve(name)
	if err != nil {
		if flag&os.O_CREATE == 0 {
			return nil, err
		}
		parent, base, perr := fs.tree.ResolveParent(name)
		if perr != nil {
			return nil, perr
		}
		created, cerr := fs.tree.Create(parent.ID, base)
		if cerr != nil {
			return nil, cerr
		}
		fs.touch()
		n = created
	}

	if n.Type == vfs.TypeDirectory {
		return newDirHandle(fs.tree, n.ID, path.Base(name))
	}
	readOnly := flag&(os.O_WRONLY|os.O_RDWR) == 0
	h, err := fs.tree.Open(n.ID, readOnly)
	if err != nil {
		return nil, err
	}
	if flag&os.O_TRUNC != 0 && !readOnly {
		if err := h.Truncate(0); err != nil {
			return nil, err
		}
	}
	if flag&os.O_APPEND != 0 {
		if _, err := h.Seek(0, io.SeekEnd); err != nil {
			return nil, err
		}
	}
	return &fileHandle{Handle: h, tree: fs.tree, id: n.ID, name: path.Base(name)}, nil
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	parent, base, err := fs.tree.ResolveParent(name)
	if err != nil {
		return err
	}
	if _, err := fs.tree.Mkdir(parent.ID, base); err != nil {
		return err
	}
	fs.touch()
	return nil
}

func (fs *Fs) MkdirAll(p string, perm os.FileMode) error {
	parts := cleanParts(p)
	cur := fs.tree.RootID()
	for _, part := range parts {
		n, err := fs.tree.Lookup(cur, part)
		if err == nil {
			cur = n.ID
			continue
		}
		made, err := fs.tree.Mkdir(cur, part)
		if err != nil {
			return err
		}
		cur = made.ID
	}
	fs.touch()
	return nil
}

func (fs *Fs) Remove(name string) error {
	parent, base, err := fs.tree.ResolveParent(name)
	if err != nil {
		return err
	}
	n, err := fs.tree.Lookup(parent.ID, base)
	if err != nil {
		return err
	}
	if n.Type == vfs.TypeDirectory {
		err = fs.tree.Rmdir(parent.ID, base)
	} else {
		err = fs.tree.Unlink(parent.ID, base)
	}
	if err != nil {
		return err
	}
	fs.touch()
	return nil
}

func (fs *Fs) RemoveAll(p string) error {
	n, err := fs.tree.Resolve(p)
	if err != nil {
		return nil // afero.RemoveAll on a missing path is not an error
	}
	if n.Type == vfs.TypeDirectory {
		entries, err := fs.tree.Readdir(n.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fs.RemoveAll(path.Join(p, e.Name)); err != nil {
				return err
			}
		}
	}
	return fs.Remove(p)
}

func (fs *Fs) Rename(oldname, newname string) error {
	oldParent, oldBase, err := fs.tree.ResolveParent(oldname)
	if err != nil {
		return err
	}
	newParent, newBase, err := fs.tree.ResolveParent(newname)
	if err != nil {
		return err
	}
	if err := fs.tree.Rename(oldParent.ID, oldBase, newParent.ID, newBase); err != nil {
		return err
	}
	fs.touch()
	return nil
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	n, err := fs.tree.Resolve(name)
	if err != nil {
		return nil, err
	}
	return fileInfo{name: path.Base(name), inode: n}, nil
}

func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	n, err := fs.tree.Resolve(name)
	if err != nil {
		return err
	}
	return fs.tree.SetMode(n.ID, uint16(mode.Perm()))
}

func (fs *Fs) Chtimes(name string, atime, mtime time.Time) error {
	n, err := fs.tree.Resolve(name)
	if err != nil {
		return err
	}
	return fs.tree.SetTimes(n.ID, atime.Unix(), mtime.Unix())
}

func (fs *Fs) Chown(name string, uid, gid int) error {
	return fmt.Errorf("%w: chown", x79err.ErrUnsupported)
}

func cleanParts(p string) []string {
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" || clean == "." {
		return nil
	}
	return strings.Split(clean, "/")
}
