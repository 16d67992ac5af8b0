package vfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// InodeType distinguishes the three node kinds the data model allows
// (specification §3: "type (file | directory | symlink-if-supported)").
type InodeType uint8

const (
	TypeFile InodeType = iota
	TypeDirectory
	TypeSymlink
)

const (
	rootInodeID = 1

	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

// Inode is the metadata record described in §3: type, size, the three
// timestamps, best-effort permission bits, and a pointer to the object
// backing its content (file/symlink data, or a directory listing).
type Inode struct {
	ID       uint64
	Type     InodeType
	ObjectID uint64
	Mode     uint16
	Size     uint64
	Mtime    int64 // unix seconds
	Atime    int64
	Ctime    int64
}

// dirEntry is one row of a directory listing object: a name and the inode
// it names. Names are validated against the forbidden set at creation
// time (§3): "/", NUL, ".", and "..".
type dirEntry struct {
	Name    string
	InodeID uint64
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: reserved name %q", x79err.ErrExists, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("%w: name %q contains a forbidden byte", x79err.ErrExists, name)
		}
	}
	return nil
}

// --- inode table wire format ------------------------------------------
//
// [count uint32] { [id uint64][type byte][objectID uint64][mode uint16]
//                   [size uint64][mtime int64][atime int64][ctime int64] }

func encodeInodeTable(inodes map[uint64]*Inode) []byte {
	ids := make([]uint64, 0, len(inodes))
	for id := range inodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	putU32(&buf, uint32(len(ids)))
	for _, id := range ids {
		n := inodes[id]
		putU64(&buf, n.ID)
		buf.WriteByte(byte(n.Type))
		putU64(&buf, n.ObjectID)
		putU16(&buf, n.Mode)
		putU64(&buf, n.Size)
		putI64(&buf, n.Mtime)
		putI64(&buf, n.Atime)
		putI64(&buf, n.Ctime)
	}
	return buf.Bytes()
}

func decodeInodeTable(data []byte) (map[uint64]*Inode, error) {
	r := bytes.NewReader(data)
	inodes := make(map[uint64]*Inode)
	if r.Len() == 0 {
		return inodes, nil
	}
	count, err := getU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: inode table header: %v", x79err.ErrConfigCorrupt, err)
	}
	for i := uint32(0); i < count; i++ {
		n := &Inode{}
		if n.ID, err = getU64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		typeByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		n.Type = InodeType(typeByte)
		if n.ObjectID, err = getU64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		if n.Mode, err = getU16(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		if n.Size, err = getU64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		if n.Mtime, err = getI64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		if n.Atime, err = getI64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		if n.Ctime, err = getI64(r); err != nil {
			return nil, fmt.Errorf("%w: inode record: %v", x79err.ErrConfigCorrupt, err)
		}
		inodes[n.ID] = n
	}
	return inodes, nil
}

// --- directory listing wire format --------------------------------------
//
// [count uint32] { [nameLen uint16][name bytes][inodeID uint64] }

func encodeDirListing(entries []dirEntry) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var buf bytes.Buffer
	putU32(&buf, uint32(len(entries)))
	for _, e := range entries {
		putU16(&buf, uint16(len(e.Name)))
		buf.WriteString(e.Name)
		putU64(&buf, e.InodeID)
	}
	return buf.Bytes()
}

func decodeDirListing(data []byte) ([]dirEntry, error) {
	r := bytes.NewReader(data)
	if r.Len() == 0 {
		return nil, nil
	}
	count, err := getU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: directory listing header: %v", x79err.ErrConfigCorrupt, err)
	}
	entries := make([]dirEntry, count)
	for i := range entries {
		nameLen, err := getU16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: directory entry: %v", x79err.ErrConfigCorrupt, err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, fmt.Errorf("%w: directory entry name: %v", x79err.ErrConfigCorrupt, err)
		}
		inodeID, err := getU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: directory entry: %v", x79err.ErrConfigCorrupt, err)
		}
		entries[i] = dirEntry{Name: string(nameBuf), InodeID: inodeID}
	}
	return entries, nil
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) { putU64(buf, uint64(v)) }

func getU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func getI64(r *bytes.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}
