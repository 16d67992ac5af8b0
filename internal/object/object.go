// Package object implements the translation between logical, variable
// length "objects" and the fixed-size blocks that actually live in the
// block store (specification §4.4). It also owns the allocation table —
// itself persisted as a well-known object — and the small-object shard
// packing the specification describes for rapid FTP uploads.
//
// Every live object's content is kept fully resident in memory; a write
// mutates that in-memory copy and marks the object dirty, and only at
// flush time does the layer decide block placement and produce
// ciphertext. For a single local user over loopback this trades memory
// for a much simpler implementation than byte-range dirty tracking per
// block — see DESIGN.md.
package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/deploymenttheory/x79d8/internal/blockcodec"
	"github.com/deploymenttheory/x79d8/internal/blockstore"
	"github.com/deploymenttheory/x79d8/internal/wal"
	"github.com/deploymenttheory/x79d8/internal/x79err"
	"github.com/deploymenttheory/x79d8/internal/x79log"
)

// Well-known object ids. AllocTableObjectID is special: its own block list
// is never recorded inside the allocation table (that would be circular);
// it lives directly in the superblock instead (design note §9). Every
// other object, including the inode table, is a normal entry in the table.
const (
	AllocTableObjectID = 1
	InodeTableObjectID = 2
	FirstDynamicID     = 3
)

var log = x79log.For("object")

// shardRef locates a small object packed inside a shard block alongside
// others. Offset/Length are not persisted: they are recomputed whenever
// the shard is repacked, since repacking is cheap and keeps the format
// from needing a separate "this shard is stale" flag.
type shardRef struct {
	BlockID uint64
}

// meta is the allocation table's per-object bookkeeping.
type meta struct {
	Length uint64
	Blocks []uint64 // full-size blocks, payloadSize bytes each, in order
	Shard  *shardRef
}

// Layer owns every object's logical content in memory and translates it to
// blocks at flush time.
type Layer struct {
	mu        sync.RWMutex
	store     *blockstore.Store
	codec     *blockcodec.Codec
	blockSize int
	payload   int // blockSize - codec overhead

	nextID         uint64
	table          map[uint64]*meta // entries for id >= 2
	allocTableMeta *meta
	data           map[uint64][]byte // live content, keyed by object id
	dirty          map[uint64]bool

	// shardResidents maps a shard block id to the object ids currently
	// packed inside it, in packing order.
	shardResidents map[uint64][]uint64
	openShard      uint64 // 0 means "no open shard"

	// pendingTable/pendingTableMeta hold the table PendingFlush computed,
	// swapped into table/allocTableMeta by CommitFlush once the caller
	// has durably applied the plan.
	pendingTable     map[uint64]*meta
	pendingTableMeta *meta
}

// NewLayer creates an object layer over an empty store (used by `init`).
func NewLayer(store *blockstore.Store, codec *blockcodec.Codec) *Layer {
	return &Layer{
		store:          store,
		codec:          codec,
		blockSize:      store.BlockSize(),
		payload:        store.BlockSize() - blockcodec.Overhead(),
		nextID:         FirstDynamicID,
		table:          make(map[uint64]*meta),
		allocTableMeta: &meta{},
		data:           make(map[uint64][]byte),
		dirty:          make(map[uint64]bool),
		shardResidents: make(map[uint64][]uint64),
	}
}

// LoadLayer reconstructs a Layer from a previously flushed store: it
// decodes the allocation table from allocTableBlocks, then hydrates every
// object's content into memory.
func LoadLayer(store *blockstore.Store, codec *blockcodec.Codec, allocTableBlocks []uint64, nextID uint64) (*Layer, error) {
	l := NewLayer(store, codec)
	l.nextID = nextID

	tableContent, err := readBlocks(store, codec, allocTableBlocks, l.payload)
	if err != nil {
		return nil, err
	}
	table, err := decodeTable(tableContent)
	if err != nil {
		return nil, err
	}
	l.table = table
	l.allocTableMeta = &meta{Length: uint64(len(tableContent)), Blocks: allocTableBlocks}

	for id, m := range l.table {
		content, err := l.readObjectContent(id, m)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		l.data[id] = content
		if m.Shard != nil {
			l.shardResidents[m.Shard.BlockID] = append(l.shardResidents[m.Shard.BlockID], id)
		}
	}
	for blockID, residents := range l.shardResidents {
		sort.Slice(residents, func(i, j int) bool { return residents[i] < residents[j] })
		l.shardResidents[blockID] = residents
	}
	return l, nil
}

func (l *Layer) readObjectContent(id uint64, m *meta) ([]byte, error) {
	if m.Shard != nil {
		packed, err := readBlocks(l.store, l.codec, []uint64{m.Shard.BlockID}, l.payload)
		if err != nil {
			return nil, err
		}
		entries, body, err := decodeShard(packed)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.ObjectID == id {
				return append([]byte{}, body[e.Offset:e.Offset+e.Length]...), nil
			}
		}
		return nil, fmt.Errorf("%w: shard entry missing for object %d", x79err.ErrConfigCorrupt, id)
	}
	full, err := readBlocks(l.store, l.codec, m.Blocks, l.payload)
	if err != nil {
		return nil, err
	}
	if uint64(len(full)) < m.Length {
		return nil, fmt.Errorf("%w: object %d shorter than recorded length", x79err.ErrConfigCorrupt, id)
	}
	return full[:m.Length], nil
}

func readBlocks(store *blockstore.Store, codec *blockcodec.Codec, blockIDs []uint64, payload int) ([]byte, error) {
	out := make([]byte, 0, len(blockIDs)*payload)
	for _, id := range blockIDs {
		raw, err := store.Read(id)
		if err != nil {
			return nil, err
		}
		plain, err := codec.DecryptBlock(id, raw, store.BlockSize())
		if err != nil {
			return nil, x79err.WrapIo("decrypt block", err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// shardThreshold is the size below which an object is packed into a shard
// block rather than given dedicated blocks (spec §4.4).
func (l *Layer) shardThreshold() int { return l.blockSize / 8 }

// CreateObject reserves a fresh object id with zero-length content.
func (l *Layer) CreateObject() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.table[id] = &meta{}
	l.data[id] = nil
	l.dirty[id] = true
	return id
}

// CreateWellKnownObject registers a fixed object id (used for the inode
// table, object id 2) with zero-length content. It is a no-op if the id
// is already live, so reopening a store that already flushed this object
// just lets LoadLayer's normal table hydration take over.
func (l *Layer) CreateWellKnownObject(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.data[id]; ok {
		return
	}
	l.table[id] = &meta{}
	l.data[id] = nil
	l.dirty[id] = true
	if id >= l.nextID {
		l.nextID = id + 1
	}
}

// NextID returns the next object id that would be handed out, for
// persisting alongside the superblock so reopen resumes numbering
// correctly.
func (l *Layer) NextID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

// Length returns an object's current logical length.
func (l *Layer) Length(id uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	content, ok := l.data[id]
	if !ok {
		return 0, fmt.Errorf("%w: object %d", x79err.ErrNotFound, id)
	}
	return uint64(len(content)), nil
}

// Read returns up to length bytes of object id starting at offset. A short
// read (fewer than length bytes) only happens at EOF.
func (l *Layer) Read(id uint64, offset uint64, length int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	content, ok := l.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: object %d", x79err.ErrNotFound, id)
	}
	if offset >= uint64(len(content)) {
		return nil, nil
	}
	end := offset + uint64(length)
	if end > uint64(len(content)) {
		end = uint64(len(content))
	}
	out := make([]byte, end-offset)
	copy(out, content[offset:end])
	return out, nil
}

// Write mutates object id's in-memory content, extending its length and
// zero-filling any hole if offset is past the current end.
func (l *Layer) Write(id uint64, offset uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	content, ok := l.data[id]
	if !ok {
		return fmt.Errorf("%w: object %d", x79err.ErrNotFound, id)
	}

	end := offset + uint64(len(data))
	if end > uint64(len(content)) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[offset:], data)
	l.data[id] = content
	l.dirty[id] = true
	return nil
}

// Truncate sets object id's logical length, zero-extending or discarding
// a suffix as needed.
func (l *Layer) Truncate(id uint64, newLen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	content, ok := l.data[id]
	if !ok {
		return fmt.Errorf("%w: object %d", x79err.ErrNotFound, id)
	}
	if uint64(len(content)) == newLen {
		return nil
	}
	grown := make([]byte, newLen)
	copy(grown, content)
	l.data[id] = grown
	l.dirty[id] = true
	return nil
}

// Destroy drops object id entirely. Its blocks are released on the next
// flush, once the WAL has recorded the freeing group.
func (l *Layer) Destroy(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.data, id)
	delete(l.table, id)
	l.dirty[id] = true
}

// FlushPlan is the set of durable changes one flush cycle needs to make.
type FlushPlan struct {
	Writes           []wal.BlockWrite
	Freed            []uint64
	AllocTableBlocks []uint64
	NextID           uint64
}

// PendingFlush computes a FlushPlan for every dirty object without
// mutating durable state: it allocates fresh block ids from the store (so
// planning never double-books an id) but writes nothing until the caller
// drives plan.Writes through the WAL and calls CommitFlush.
func (l *Layer) PendingFlush() (FlushPlan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.dirty) == 0 {
		return FlushPlan{}, nil
	}

	dirtyIDs := make([]uint64, 0, len(l.dirty))
	for id := range l.dirty {
		dirtyIDs = append(dirtyIDs, id)
	}
	sort.Slice(dirtyIDs, func(i, j int) bool { return dirtyIDs[i] < dirtyIDs[j] })

	touchedShards := make(map[uint64]bool)
	var plan FlushPlan
	pendingTable := cloneTable(l.table)

	for _, id := range dirtyIDs {
		content, live := l.data[id]
		oldMeta := pendingTable[id]

		if oldMeta != nil && oldMeta.Shard != nil {
			l.removeFromShard(id, oldMeta.Shard.BlockID)
			touchedShards[oldMeta.Shard.BlockID] = true
		}

		if !live {
			delete(pendingTable, id)
			if oldMeta != nil {
				plan.Freed = append(plan.Freed, oldMeta.Blocks...)
			}
			continue
		}

		if len(content) == 0 {
			pendingTable[id] = &meta{}
			if oldMeta != nil {
				plan.Freed = append(plan.Freed, oldMeta.Blocks...)
			}
			continue
		}

		if len(content) < l.shardThreshold() {
			blockID := l.assignShard(id)
			touchedShards[blockID] = true
			pendingTable[id] = &meta{Length: uint64(len(content)), Shard: &shardRef{BlockID: blockID}}
			if oldMeta != nil {
				plan.Freed = append(plan.Freed, oldMeta.Blocks...)
			}
			continue
		}

		newMeta, writes, freed, err := l.layoutLarge(content, oldMeta)
		if err != nil {
			return FlushPlan{}, err
		}
		pendingTable[id] = newMeta
		plan.Writes = append(plan.Writes, writes...)
		plan.Freed = append(plan.Freed, freed...)
	}

	for blockID := range touchedShards {
		write, emptied, err := l.repackShard(blockID)
		if err != nil {
			return FlushPlan{}, err
		}
		if emptied {
			plan.Freed = append(plan.Freed, blockID)
			continue
		}
		plan.Writes = append(plan.Writes, write)
	}

	tableBytes := encodeTable(pendingTable)
	tableMeta, tableWrites, tableFreed, err := l.layoutLarge(tableBytes, l.allocTableMeta)
	if err != nil {
		return FlushPlan{}, err
	}

	l.pendingTable = pendingTable
	l.pendingTableMeta = tableMeta
	plan.Writes = append(plan.Writes, tableWrites...)
	plan.Freed = append(plan.Freed, tableFreed...)
	plan.AllocTableBlocks = tableMeta.Blocks
	plan.NextID = l.nextID

	return plan, nil
}

// CommitFlush clears dirty markers, swaps in the planned table, and
// releases freed block ids, once the caller has durably applied
// plan.Writes and fsynced.
func (l *Layer) CommitFlush(plan FlushPlan) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingTable != nil {
		l.table = l.pendingTable
		l.allocTableMeta = l.pendingTableMeta
		l.pendingTable = nil
		l.pendingTableMeta = nil
	}
	for _, id := range plan.Freed {
		if err := l.store.Free(id); err != nil {
			return err
		}
	}
	l.dirty = make(map[uint64]bool)
	log.WithField("blocks_written", len(plan.Writes)).WithField("blocks_freed", len(plan.Freed)).Debug("flush committed")
	return nil
}

func (l *Layer) removeFromShard(id, blockID uint64) {
	residents := l.shardResidents[blockID]
	for i, r := range residents {
		if r == id {
			l.shardResidents[blockID] = append(residents[:i], residents[i+1:]...)
			break
		}
	}
}

// assignShard places object id into the currently open shard if it has
// room, or opens a fresh shard block otherwise. Capacity is checked
// against current residents' content plus id's content plus the exact
// shard header size for one more entry, so the later repack pass does
// not discover an overflow.
func (l *Layer) assignShard(id uint64) uint64 {
	if l.openShard != 0 && l.shardFits(l.openShard, id) {
		l.shardResidents[l.openShard] = append(l.shardResidents[l.openShard], id)
		return l.openShard
	}
	blockID := l.store.Allocate()
	l.shardResidents[blockID] = []uint64{id}
	l.openShard = blockID
	return blockID
}

func (l *Layer) shardFits(blockID, candidateID uint64) bool {
	residents := l.shardResidents[blockID]
	total := shardHeaderSize(len(residents) + 1)
	for _, r := range residents {
		total += len(l.data[r])
	}
	total += len(l.data[candidateID])
	return total <= l.payload
}

// repackShard rebuilds a shard block's plaintext from current resident
// content and returns its ciphertext write, or reports the shard is now
// empty and should be freed instead.
func (l *Layer) repackShard(blockID uint64) (wal.BlockWrite, bool, error) {
	residents := l.shardResidents[blockID]
	if len(residents) == 0 {
		if l.openShard == blockID {
			l.openShard = 0
		}
		return wal.BlockWrite{}, true, nil
	}

	entries := make([]shardEntry, 0, len(residents))
	var body bytes.Buffer
	for _, id := range residents {
		content := l.data[id]
		entries = append(entries, shardEntry{ObjectID: id, Offset: uint32(body.Len()), Length: uint32(len(content))})
		body.Write(content)
	}
	header := encodeShardHeader(entries)
	if header.Len()+body.Len() > l.payload {
		return wal.BlockWrite{}, false, fmt.Errorf("object: shard %d overflowed during repack", blockID)
	}

	plain := make([]byte, l.payload)
	copy(plain, header.Bytes())
	copy(plain[header.Len():], body.Bytes())

	ct, err := l.codec.EncryptBlock(blockID, plain)
	if err != nil {
		return wal.BlockWrite{}, false, err
	}
	return wal.BlockWrite{BlockID: blockID, Ciphertext: ct}, false, nil
}

// layoutLarge assigns whole dedicated blocks to content, reusing as many
// of old's blocks as still fit before allocating new ones, and reports any
// of old's blocks that are no longer needed.
func (l *Layer) layoutLarge(content []byte, old *meta) (*meta, []wal.BlockWrite, []uint64, error) {
	var oldBlocks []uint64
	if old != nil {
		oldBlocks = old.Blocks
	}
	if len(content) == 0 {
		return &meta{}, nil, oldBlocks, nil
	}

	nBlocks := (len(content) + l.payload - 1) / l.payload
	blocks := make([]uint64, nBlocks)
	writes := make([]wal.BlockWrite, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		var blockID uint64
		if i < len(oldBlocks) {
			blockID = oldBlocks[i]
		} else {
			blockID = l.store.Allocate()
		}
		blocks[i] = blockID

		start := i * l.payload
		end := start + l.payload
		if end > len(content) {
			end = len(content)
		}
		plain := make([]byte, l.payload)
		copy(plain, content[start:end])

		ct, err := l.codec.EncryptBlock(blockID, plain)
		if err != nil {
			// EncryptBlock only fails on CSPRNG exhaustion or a cipher
			// construction error; both are unrecoverable for the
			// process, so the caller's flush fails loudly upstream via
			// the returned error instead of panicking here.
			return nil, nil, nil, err
		}
		writes = append(writes, wal.BlockWrite{BlockID: blockID, Ciphertext: ct})
	}

	var freed []uint64
	if len(oldBlocks) > nBlocks {
		freed = append(freed, oldBlocks[nBlocks:]...)
	}
	return &meta{Length: uint64(len(content)), Blocks: blocks}, writes, freed, nil
}

func cloneTable(table map[uint64]*meta) map[uint64]*meta {
	out := make(map[uint64]*meta, len(table))
	for id, m := range table {
		cp := *m
		cp.Blocks = append([]uint64{}, m.Blocks...)
		out[id] = &cp
	}
	return out
}

// --- allocation table wire format -----------------------------------------
//
// [count uint32] { [id uint64][length uint64][isShard byte]
//                  [shardBlock uint64 | nBlocks uint32][blocks ...uint64] }
// Manual binary framing, matching the teacher's on-disk struct encoding
// style rather than a general-purpose serialization library: this is an
// internal format with no external readers.

func encodeTable(table map[uint64]*meta) []byte {
	ids := make([]uint64, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(ids)))
	for _, id := range ids {
		m := table[id]
		writeU64(&buf, id)
		writeU64(&buf, m.Length)
		if m.Shard != nil {
			buf.WriteByte(1)
			writeU64(&buf, m.Shard.BlockID)
		} else {
			buf.WriteByte(0)
			writeU32(&buf, uint32(len(m.Blocks)))
			for _, b := range m.Blocks {
				writeU64(&buf, b)
			}
		}
	}
	return buf.Bytes()
}

func decodeTable(data []byte) (map[uint64]*meta, error) {
	r := bytes.NewReader(data)
	if r.Len() == 0 {
		return make(map[uint64]*meta), nil
	}
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: allocation table header: %v", x79err.ErrConfigCorrupt, err)
	}
	table := make(map[uint64]*meta, count)
	for i := uint32(0); i < count; i++ {
		id, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: allocation table entry: %v", x79err.ErrConfigCorrupt, err)
		}
		length, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: allocation table entry: %v", x79err.ErrConfigCorrupt, err)
		}
		isShard, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: allocation table entry: %v", x79err.ErrConfigCorrupt, err)
		}
		m := &meta{Length: length}
		if isShard == 1 {
			blockID, err := readU64(r)
			if err != nil {
				return nil, fmt.Errorf("%w: shard entry: %v", x79err.ErrConfigCorrupt, err)
			}
			m.Shard = &shardRef{BlockID: blockID}
		} else {
			n, err := readU32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: block list length: %v", x79err.ErrConfigCorrupt, err)
			}
			blocks := make([]uint64, n)
			for j := range blocks {
				blocks[j], err = readU64(r)
				if err != nil {
					return nil, fmt.Errorf("%w: block list entry: %v", x79err.ErrConfigCorrupt, err)
				}
			}
			m.Blocks = blocks
		}
		table[id] = m
	}
	return table, nil
}

// --- shard wire format ------------------------------------------------
//
// [count uint32] { [objectID uint64][offset uint32][length uint32] }
// followed immediately by the packed object bytes.

type shardEntry struct {
	ObjectID uint64
	Offset   uint32
	Length   uint32
}

func shardHeaderSize(nEntries int) int {
	return 4 + nEntries*(8+4+4)
}

func encodeShardHeader(entries []shardEntry) *bytes.Buffer {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(entries)))
	for _, e := range entries {
		writeU64(&buf, e.ObjectID)
		writeU32(&buf, e.Offset)
		writeU32(&buf, e.Length)
	}
	return &buf
}

func decodeShard(plain []byte) ([]shardEntry, []byte, error) {
	r := bytes.NewReader(plain)
	count, err := readU32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: shard header: %v", x79err.ErrCorruptBlock, err)
	}
	entries := make([]shardEntry, count)
	for i := range entries {
		oid, err := readU64(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: shard entry: %v", x79err.ErrCorruptBlock, err)
		}
		off, err := readU32(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: shard entry: %v", x79err.ErrCorruptBlock, err)
		}
		length, err := readU32(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: shard entry: %v", x79err.ErrCorruptBlock, err)
		}
		entries[i] = shardEntry{ObjectID: oid, Offset: off, Length: length}
	}
	headerLen := len(plain) - r.Len()
	return entries, plain[headerLen:], nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
