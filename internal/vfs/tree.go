// Package vfs builds the directory-tree view the FTP bridge serves on top
// of the object layer (specification §3). An inode table — well-known
// object id 2 — records type, size, timestamps, and mode for every node;
// directories are themselves objects holding a serialized (name → inode)
// listing. The whole tree is guarded by a single RWMutex: structural
// operations (create, rename, unlink, ...) take it exclusively, lookups
// take it shared, and a data read through a Handle takes it exclusively
// only to update the access time, matching a single local user over loopback
// rather than a design meant to scale to concurrent writers.
package vfs

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deploymenttheory/x79d8/internal/object"
	"github.com/deploymenttheory/x79d8/internal/x79err"
	"github.com/deploymenttheory/x79d8/internal/x79log"
)

var log = x79log.For("vfs")

// Tree is the open filesystem tree backing one FTP session set. It owns no
// durability of its own: Flush serializes its in-memory bookkeeping into
// the object layer, and the caller (the flusher) drives the object layer's
// own PendingFlush/CommitFlush against the WAL and block store.
type Tree struct {
	mu      sync.RWMutex
	objects *object.Layer

	inodes      map[uint64]*Inode
	nextInodeID uint64
}

// NewTree bootstraps a fresh tree: a root directory inode and an empty
// inode table, for use by `init`.
func NewTree(objects *object.Layer) (*Tree, error) {
	objects.CreateWellKnownObject(object.InodeTableObjectID)

	rootObjID := objects.CreateObject()
	now := time.Now().Unix()
	root := &Inode{
		ID:       rootInodeID,
		Type:     TypeDirectory,
		ObjectID: rootObjID,
		Mode:     defaultDirMode,
		Mtime:    now,
		Atime:    now,
		Ctime:    now,
	}

	t := &Tree{
		objects:     objects,
		inodes:      map[uint64]*Inode{rootInodeID: root},
		nextInodeID: rootInodeID + 1,
	}
	if err := t.writeDirListing(root, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTree reconstructs a Tree from a previously flushed store by reading
// the inode table out of its well-known object.
func LoadTree(objects *object.Layer) (*Tree, error) {
	length, err := objects.Length(object.InodeTableObjectID)
	if err != nil {
		return nil, fmt.Errorf("vfs: read inode table: %w", err)
	}
	data, err := objects.Read(object.InodeTableObjectID, 0, int(length))
	if err != nil {
		return nil, fmt.Errorf("vfs: read inode table: %w", err)
	}
	inodes, err := decodeInodeTable(data)
	if err != nil {
		return nil, err
	}
	if _, ok := inodes[rootInodeID]; !ok {
		return nil, fmt.Errorf("%w: inode table missing root", x79err.ErrConfigCorrupt)
	}

	next := uint64(rootInodeID + 1)
	for id := range inodes {
		if id >= next {
			next = id + 1
		}
	}
	return &Tree{objects: objects, inodes: inodes, nextInodeID: next}, nil
}

// Flush serializes the current inode table into its backing object, but
// only if it actually changed since the last call: otherwise a quiet
// store would mark its inode table dirty on every idle-timer tick
// forever. The caller still has to drive the object layer's own flush to
// make this durable.
func (t *Tree) Flush() error {
	t.mu.RLock()
	data := encodeInodeTable(t.inodes)
	t.mu.RUnlock()

	length, err := t.objects.Length(object.InodeTableObjectID)
	if err != nil {
		return err
	}
	if length == uint64(len(data)) {
		current, err := t.objects.Read(object.InodeTableObjectID, 0, len(data))
		if err != nil {
			return err
		}
		if bytes.Equal(current, data) {
			return nil
		}
	}

	if err := t.objects.Truncate(object.InodeTableObjectID, 0); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return t.objects.Write(object.InodeTableObjectID, 0, data)
}

// RootID returns the inode id of the tree root.
func (t *Tree) RootID() uint64 { return rootInodeID }

// Stat returns a copy of an inode's metadata.
func (t *Tree) Stat(id uint64) (Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.inodes[id]
	if !ok {
		return Inode{}, fmt.Errorf("%w: inode %d", x79err.ErrNotFound, id)
	}
	return *n, nil
}

// Lookup resolves name within the directory dirID.
func (t *Tree) Lookup(dirID uint64, name string) (Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir, ok := t.inodes[dirID]
	if !ok {
		return Inode{}, fmt.Errorf("%w: inode %d", x79err.ErrNotFound, dirID)
	}
	if dir.Type != TypeDirectory {
		return Inode{}, fmt.Errorf("%w: inode %d", x79err.ErrNotDirectory, dirID)
	}
	entries, err := t.readDirListing(dir)
	if err != nil {
		return Inode{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			n, ok := t.inodes[e.InodeID]
			if !ok {
				return Inode{}, fmt.Errorf("%w: dangling directory entry %q", x79err.ErrConfigCorrupt, name)
			}
			return *n, nil
		}
	}
	return Inode{}, fmt.Errorf("%w: %q", x79err.ErrNotFound, name)
}

// DirEntry is one resolved row of a Readdir listing.
type DirEntry struct {
	Name  string
	Inode Inode
}

// Readdir lists every entry of directory dirID, sorted by name.
func (t *Tree) Readdir(dirID uint64) ([]DirEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir, ok := t.inodes[dirID]
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", x79err.ErrNotFound, dirID)
	}
	if dir.Type != TypeDirectory {
		return nil, fmt.Errorf("%w: inode %d", x79err.ErrNotDirectory, dirID)
	}
	entries, err := t.readDirListing(dir)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		n, ok := t.inodes[e.InodeID]
		if !ok {
			return nil, fmt.Errorf("%w: dangling directory entry %q", x79err.ErrConfigCorrupt, e.Name)
		}
		out = append(out, DirEntry{Name: e.Name, Inode: *n})
	}
	return out, nil
}

// Create makes a new, empty regular file named name inside dirID.
func (t *Tree) Create(dirID uint64, name string) (Inode, error) {
	return t.makeNode(dirID, name, TypeFile, defaultFileMode)
}

// Mkdir makes a new, empty directory named name inside dirID.
func (t *Tree) Mkdir(dirID uint64, name string) (Inode, error) {
	return t.makeNode(dirID, name, TypeDirectory, defaultDirMode)
}

// Symlink makes a new symlink named name inside dirID, whose content is
// the (unresolved, never-followed) target path. Symlinks are a
// supplement beyond the literal spec text: the target is stored as plain
// object content and the bridge never dereferences it.
func (t *Tree) Symlink(dirID uint64, name, target string) (Inode, error) {
	n, err := t.makeNode(dirID, name, TypeSymlink, 0o777)
	if err != nil {
		return Inode{}, err
	}
	if err := t.objects.Write(n.ObjectID, 0, []byte(target)); err != nil {
		return Inode{}, err
	}
	t.mu.Lock()
	n.Size = uint64(len(target))
	t.inodes[n.ID].Size = n.Size
	t.mu.Unlock()
	return n, nil
}

// ReadLink returns a symlink's stored target.
func (t *Tree) ReadLink(id uint64) (string, error) {
	t.mu.RLock()
	n, ok := t.inodes[id]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: inode %d", x79err.ErrNotFound, id)
	}
	if n.Type != TypeSymlink {
		return "", fmt.Errorf("%w: inode %d is not a symlink", x79err.ErrTypeMismatch, id)
	}
	length, err := t.objects.Length(n.ObjectID)
	if err != nil {
		return "", err
	}
	data, err := t.objects.Read(n.ObjectID, 0, int(length))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *Tree) makeNode(dirID uint64, name string, typ InodeType, mode uint16) (Inode, error) {
	if err := validateName(name); err != nil {
		return Inode{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dir, ok := t.inodes[dirID]
	if !ok {
		return Inode{}, fmt.Errorf("%w: inode %d", x79err.ErrNotFound, dirID)
	}
	if dir.Type != TypeDirectory {
		return Inode{}, fmt.Errorf("%w: inode %d", x79err.ErrNotDirectory, dirID)
	}

	entries, err := t.readDirListing(dir)
	if err != nil {
		return Inode{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return Inode{}, fmt.Errorf("%w: %q", x79err.ErrExists, name)
		}
	}

	objID := t.objects.CreateObject()
	now := time.Now().Unix()
	id := t.nextInodeID
	t.nextInodeID++
	n := &Inode{ID: id, Type: typ, ObjectID: objID, Mode: mode, Mtime: now, Atime: now, Ctime: now}
	if typ == TypeDirectory {
		if err := t.writeDirListing(n, nil); err != nil {
			return Inode{}, err
		}
	}
	t.inodes[id] = n
	entries = append(entries, dirEntry{Name: name, InodeID: id})
	if err := t.writeDirListing(dir, entries); err != nil {
		return Inode{}, err
	}
	log.WithField("name", name).WithField("inode", id).Debug("node created")
	return *n, nil
}

// Unlink removes a regular file or symlink entry from dirID.
func (t *Tree) Unlink(dirID uint64, name string) error {
	return t.removeEntry(dirID, name, false)
}

// Rmdir removes an empty directory entry from dirID.
func (t *Tree) Rmdir(dirID uint64, name string) error {
	return t.removeEntry(dirID, name, true)
}

func (t *Tree) removeEntry(dirID uint64, name string, wantDir bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir, ok := t.inodes[dirID]
	if !ok {
		return fmt.Errorf("%w: inode %d", x79err.ErrNotFound, dirID)
	}
	entries, err := t.readDirListing(dir)
	if err != nil {
		return err
	}

	idx := -1
	var target *Inode
	for i, e := range entries {
		if e.Name == name {
			idx = i
			target = t.inodes[e.InodeID]
			break
		}
	}
	if idx < 0 || target == nil {
		return fmt.Errorf("%w: %q", x79err.ErrNotFound, name)
	}

	isDir := target.Type == TypeDirectory
	if wantDir && !isDir {
		return fmt.Errorf("%w: %q", x79err.ErrNotDirectory, name)
	}
	if !wantDir && isDir {
		return fmt.Errorf("%w: %q", x79err.ErrIsDirectory, name)
	}
	if isDir {
		children, err := t.readDirListing(target)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("%w: %q", x79err.ErrNotEmpty, name)
		}
	}

	entries = append(entries[:idx], entries[idx+1:]...)
	if err := t.writeDirListing(dir, entries); err != nil {
		return err
	}
	t.objects.Destroy(target.ObjectID)
	delete(t.inodes, target.ID)
	return nil
}

// Rename moves or renames an entry, replacing an existing destination
// file. An existing destination directory, empty or not, is never
// replaced: that case fails with ErrExists.
func (t *Tree) Rename(oldDirID uint64, oldName string, newDirID uint64, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	oldDir, ok := t.inodes[oldDirID]
	if !ok {
		return fmt.Errorf("%w: inode %d", x79err.ErrNotFound, oldDirID)
	}
	newDir, ok := t.inodes[newDirID]
	if !ok {
		return fmt.Errorf("%w: inode %d", x79err.ErrNotFound, newDirID)
	}

	sameDir := oldDirID == newDirID
	if sameDir && oldName == newName {
		return nil
	}

	oldEntries, err := t.readDirListing(oldDir)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range oldEntries {
		if e.Name == oldName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", x79err.ErrNotFound, oldName)
	}
	moved := oldEntries[idx]

	var newEntries []dirEntry
	if sameDir {
		newEntries = append([]dirEntry{}, oldEntries...)
	} else {
		newEntries, err = t.readDirListing(newDir)
		if err != nil {
			return err
		}
	}
	destIdx := -1
	for i, e := range newEntries {
		if e.Name == newName {
			destIdx = i
			break
		}
	}
	if destIdx >= 0 {
		destNode := t.inodes[newEntries[destIdx].InodeID]
		if destNode != nil && destNode.Type == TypeDirectory {
			return fmt.Errorf("%w: %q", x79err.ErrExists, newName)
		}
		newEntries = append(newEntries[:destIdx], newEntries[destIdx+1:]...)
		if destNode != nil {
			t.objects.Destroy(destNode.ObjectID)
			delete(t.inodes, destNode.ID)
		}
	}
	newEntries = append(newEntries, dirEntry{Name: newName, InodeID: moved.InodeID})

	if sameDir {
		// oldEntries and newEntries describe the same listing; the
		// post-rename state is newEntries minus the old name, which is
		// exactly newEntries once its own duplicate of oldName is
		// dropped below.
		for i, e := range newEntries {
			if e.Name == oldName && e.InodeID == moved.InodeID {
				newEntries = append(newEntries[:i], newEntries[i+1:]...)
				break
			}
		}
		return t.writeDirListing(oldDir, newEntries)
	}

	oldEntries = append(oldEntries[:idx], oldEntries[idx+1:]...)
	if err := t.writeDirListing(oldDir, oldEntries); err != nil {
		return err
	}
	return t.writeDirListing(newDir, newEntries)
}

func (t *Tree) readDirListing(dir *Inode) ([]dirEntry, error) {
	length, err := t.objects.Length(dir.ObjectID)
	if err != nil {
		return nil, err
	}
	data, err := t.objects.Read(dir.ObjectID, 0, int(length))
	if err != nil {
		return nil, err
	}
	return decodeDirListing(data)
}

func (t *Tree) writeDirListing(dir *Inode, entries []dirEntry) error {
	data := encodeDirListing(entries)
	if err := t.objects.Truncate(dir.ObjectID, 0); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return t.objects.Write(dir.ObjectID, 0, data)
}

// touch updates size/mtime for id after a write or truncate through an
// open handle.
func (t *Tree) touch(id uint64, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.inodes[id]; ok {
		n.Size = size
		n.Mtime = time.Now().Unix()
	}
}

func (t *Tree) touchAtime(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.inodes[id]; ok {
		n.Atime = time.Now().Unix()
	}
}

// splitPath cleans a slash-separated FTP path into its non-empty
// components; symlinks are never followed, so "." and ".." resolve as
// ordinary (and ordinarily absent) names rather than being collapsed.
func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// Resolve walks path from the root and returns the inode it names.
func (t *Tree) Resolve(path string) (Inode, error) {
	n, err := t.Stat(t.RootID())
	if err != nil {
		return Inode{}, err
	}
	for _, part := range splitPath(path) {
		n, err = t.Lookup(n.ID, part)
		if err != nil {
			return Inode{}, err
		}
	}
	return n, nil
}

// ResolveParent walks path's directory components and returns the parent
// directory inode alongside the final path element's name, without
// requiring that name to already exist — for create-style operations.
func (t *Tree) ResolveParent(path string) (Inode, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return Inode{}, "", fmt.Errorf("%w: empty path", x79err.ErrNotFound)
	}
	n, err := t.Stat(t.RootID())
	if err != nil {
		return Inode{}, "", err
	}
	for _, part := range parts[:len(parts)-1] {
		n, err = t.Lookup(n.ID, part)
		if err != nil {
			return Inode{}, "", err
		}
	}
	return n, parts[len(parts)-1], nil
}

// SetMode updates an inode's permission bits, for FTP SITE CHMOD-style
// clients; the bits are never consulted for access control (Non-goals).
func (t *Tree) SetMode(id uint64, mode uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.inodes[id]
	if !ok {
		return fmt.Errorf("%w: inode %d", x79err.ErrNotFound, id)
	}
	n.Mode = mode
	return nil
}

// SetTimes updates an inode's access and modification times, for clients
// that set them explicitly (e.g. MFMT).
func (t *Tree) SetTimes(id uint64, atime, mtime int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.inodes[id]
	if !ok {
		return fmt.Errorf("%w: inode %d", x79err.ErrNotFound, id)
	}
	n.Atime = atime
	n.Mtime = mtime
	return nil
}
