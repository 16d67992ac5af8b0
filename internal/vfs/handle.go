package vfs

import (
	"fmt"
	"io"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// Handle is an open file with an independent cursor, satisfying
// io.Reader/io.Writer/io.Seeker/io.Closer so the FTP bridge can hand it
// directly to ftpserverlib's transfer path, alongside the explicit-offset
// ReadAt/WriteAt pair the operation table calls for.
type Handle struct {
	tree     *Tree
	inodeID  uint64
	objectID uint64
	readOnly bool
	cursor   int64
	closed   bool
}

// Open returns a Handle for inodeID's content. Directories and symlinks
// cannot be opened for data transfer.
func (t *Tree) Open(inodeID uint64, readOnly bool) (*Handle, error) {
	t.mu.RLock()
	n, ok := t.inodes[inodeID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", x79err.ErrNotFound, inodeID)
	}
	if n.Type != TypeFile {
		return nil, fmt.Errorf("%w: inode %d", x79err.ErrIsDirectory, inodeID)
	}
	return &Handle{tree: t, inodeID: inodeID, objectID: n.ObjectID, readOnly: readOnly}, nil
}

// ReadAt reads up to length bytes at offset, independent of the handle's
// cursor.
func (h *Handle) ReadAt(offset uint64, length int) ([]byte, error) {
	if h.closed {
		return nil, fmt.Errorf("%w: handle closed", x79err.ErrUnsupported)
	}
	h.tree.touchAtime(h.inodeID)
	return h.tree.objects.Read(h.objectID, offset, length)
}

// WriteAt writes data at offset, independent of the handle's cursor.
func (h *Handle) WriteAt(offset uint64, data []byte) error {
	if h.closed {
		return fmt.Errorf("%w: handle closed", x79err.ErrUnsupported)
	}
	if h.readOnly {
		return fmt.Errorf("%w: handle is read-only", x79err.ErrReadOnly)
	}
	if err := h.tree.objects.Write(h.objectID, offset, data); err != nil {
		return err
	}
	length, err := h.tree.objects.Length(h.objectID)
	if err != nil {
		return err
	}
	h.tree.touch(h.inodeID, length)
	return nil
}

// Read implements io.Reader using the handle's own cursor.
func (h *Handle) Read(p []byte) (int, error) {
	got, err := h.ReadAt(uint64(h.cursor), len(p))
	if err != nil {
		return 0, err
	}
	if len(got) == 0 {
		return 0, io.EOF
	}
	n := copy(p, got)
	h.cursor += int64(n)
	return n, nil
}

// Write implements io.Writer using the handle's own cursor.
func (h *Handle) Write(p []byte) (int, error) {
	if err := h.WriteAt(uint64(h.cursor), p); err != nil {
		return 0, err
	}
	h.cursor += int64(len(p))
	return len(p), nil
}

// Seek implements io.Seeker.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	length, err := h.tree.objects.Length(h.objectID)
	if err != nil {
		return 0, err
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = h.cursor + offset
	case io.SeekEnd:
		target = int64(length) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", x79err.ErrUnsupported, whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("%w: negative seek position", x79err.ErrUnsupported)
	}
	h.cursor = target
	return h.cursor, nil
}

// Truncate sets the underlying object's length.
func (h *Handle) Truncate(size uint64) error {
	if h.readOnly {
		return fmt.Errorf("%w: handle is read-only", x79err.ErrReadOnly)
	}
	if err := h.tree.objects.Truncate(h.objectID, size); err != nil {
		return err
	}
	h.tree.touch(h.inodeID, size)
	return nil
}

// Close marks the handle unusable. Content durability is governed by the
// flusher's own timer, not by handle close.
func (h *Handle) Close() error {
	h.closed = true
	return nil
}
