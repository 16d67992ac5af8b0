package ftpbridge

import (
	"os"
	"time"

	"github.com/deploymenttheory/x79d8/internal/vfs"
)

// fileInfo adapts a vfs.Inode to os.FileInfo, the shape ftpserverlib wants
// back from Stat and directory listings.
type fileInfo struct {
	name  string
	inode vfs.Inode
}

func (fi fileInfo) Name() string { return fi.name }

func (fi fileInfo) Size() int64 { return int64(fi.inode.Size) }

func (fi fileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.inode.Mode)
	switch fi.inode.Type {
	case vfs.TypeDirectory:
		mode |= os.ModeDir
	case vfs.TypeSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fi fileInfo) ModTime() time.Time { return time.Unix(fi.inode.Mtime, 0) }

func (fi fileInfo) IsDir() bool { return fi.inode.Type == vfs.TypeDirectory }

func (fi fileInfo) Sys() interface{} { return fi.inode }
