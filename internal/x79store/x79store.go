// Package x79store wires the block codec, block store, WAL, object layer,
// VFS tree, and flusher into the single entry point the CLI and the FTP
// bridge both open: `Init` lays down a fresh store and returns only an
// error, and `Open` reopens one (first applying any WAL groups a crash
// left committed but unapplied) and returns a ready *Store with its
// background flusher already running.
package x79store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/x79d8/internal/blockcodec"
	"github.com/deploymenttheory/x79d8/internal/blockstore"
	"github.com/deploymenttheory/x79d8/internal/flusher"
	"github.com/deploymenttheory/x79d8/internal/object"
	"github.com/deploymenttheory/x79d8/internal/storeconfig"
	"github.com/deploymenttheory/x79d8/internal/vfs"
	"github.com/deploymenttheory/x79d8/internal/wal"
	"github.com/deploymenttheory/x79d8/internal/x79err"
	"github.com/deploymenttheory/x79d8/internal/x79log"
)

const (
	blocksDir  = "blocks"
	walFile    = "wal.log"
	superBlock = 0

	osCreateTrunc      = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	osReadWriteCreate  = os.O_RDWR | os.O_CREATE
)

var log = x79log.For("x79store")

// Store is one open x79d8 store: everything the FTP bridge needs to serve
// a directory tree, plus the background flusher keeping it durable.
type Store struct {
	fs      afero.Fs
	dir     string
	cfg     storeconfig.Config
	codec   *blockcodec.Codec
	blocks  *blockstore.Store
	log     *wal.WAL
	logFile afero.File
	objects *object.Layer
	Tree    *vfs.Tree
	Flusher *flusher.Flusher
}

// superblockRecord is the plaintext-once-decrypted content of block 0:
// the root inode id (always 1, persisted anyway for forward compatibility),
// the allocation table's own block list, and the next object id to hand
// out. Recorded outside the allocation table itself to resolve the cyclic
// reference (spec §9).
type superblockRecord struct {
	FormatVersion    uint32
	RootInodeID      uint64
	NextObjectID     uint64
	AllocTableBlocks []uint64
}

func encodeSuperblock(r superblockRecord) []byte {
	var buf bytes.Buffer
	putU32(&buf, r.FormatVersion)
	putU64(&buf, r.RootInodeID)
	putU64(&buf, r.NextObjectID)
	putU32(&buf, uint32(len(r.AllocTableBlocks)))
	for _, b := range r.AllocTableBlocks {
		putU64(&buf, b)
	}
	return buf.Bytes()
}

func decodeSuperblock(data []byte) (superblockRecord, error) {
	r := bytes.NewReader(data)
	var rec superblockRecord
	var err error
	if rec.FormatVersion, err = getU32(r); err != nil {
		return rec, fmt.Errorf("%w: superblock: %v", x79err.ErrConfigCorrupt, err)
	}
	if rec.RootInodeID, err = getU64(r); err != nil {
		return rec, fmt.Errorf("%w: superblock: %v", x79err.ErrConfigCorrupt, err)
	}
	if rec.NextObjectID, err = getU64(r); err != nil {
		return rec, fmt.Errorf("%w: superblock: %v", x79err.ErrConfigCorrupt, err)
	}
	n, err := getU32(r)
	if err != nil {
		return rec, fmt.Errorf("%w: superblock: %v", x79err.ErrConfigCorrupt, err)
	}
	rec.AllocTableBlocks = make([]uint64, n)
	for i := range rec.AllocTableBlocks {
		if rec.AllocTableBlocks[i], err = getU64(r); err != nil {
			return rec, fmt.Errorf("%w: superblock: %v", x79err.ErrConfigCorrupt, err)
		}
	}
	return rec, nil
}

// Config returns the store's loaded configuration, including the scrypt
// parameters and password verifier the FTP bridge needs to authenticate
// subsequent connections.
func (s *Store) Config() storeconfig.Config {
	return s.cfg
}

// EncodeSuperblock implements flusher.SuperblockWriter: it builds and
// encrypts the superblock record but does not write it anywhere. The
// caller (the flusher, or Init's own one-shot commit) is responsible for
// landing the returned block inside the same durable group as the rest
// of the flush, so the allocation table's block list and the superblock
// that points at it always become visible together.
func (s *Store) EncodeSuperblock(allocTableBlocks []uint64, nextObjectID uint64) (wal.BlockWrite, error) {
	rec := superblockRecord{
		FormatVersion:    storeconfig.FormatVersion,
		RootInodeID:      s.Tree.RootID(),
		NextObjectID:     nextObjectID,
		AllocTableBlocks: allocTableBlocks,
	}
	plain := make([]byte, s.blocks.BlockSize()-blockcodec.Overhead())
	body := encodeSuperblock(rec)
	if len(body) > len(plain) {
		return wal.BlockWrite{}, fmt.Errorf("x79store: superblock overflowed block size")
	}
	copy(plain, body)
	ct, err := s.codec.EncryptBlock(superBlock, plain)
	if err != nil {
		return wal.BlockWrite{}, err
	}
	return wal.BlockWrite{BlockID: superBlock, Ciphertext: ct}, nil
}

// Init lays down a brand new store in dir: a fresh config file, an empty
// block directory, a WAL file, and an initial superblock with an empty
// root directory. dir must already exist and be otherwise empty.
func Init(fs afero.Fs, dir, password string, blockSize, scryptLogN int) error {
	empty, err := afero.IsEmpty(fs, dir)
	if err != nil {
		return x79err.WrapIo("stat store dir", err)
	}
	if !empty {
		return fmt.Errorf("%w: %s is not empty", x79err.ErrExists, dir)
	}

	cfg, key, err := storeconfig.New(password, blockSize, scryptLogN)
	if err != nil {
		return err
	}
	if err := cfg.Save(fs, dir); err != nil {
		return err
	}
	if err := fs.MkdirAll(dir+"/"+blocksDir, 0o755); err != nil {
		return x79err.WrapIo("create blocks dir", err)
	}

	store, err := blockstore.Open(fs, dir+"/"+blocksDir, blockSize)
	if err != nil {
		return err
	}
	codec := blockcodec.New(key)
	layer := object.NewLayer(store, codec)
	tree, err := vfs.NewTree(layer)
	if err != nil {
		return err
	}
	if err := tree.Flush(); err != nil {
		return err
	}

	s := &Store{fs: fs, dir: dir, cfg: cfg, codec: codec, blocks: store, objects: layer, Tree: tree}

	plan, err := layer.PendingFlush()
	if err != nil {
		return err
	}
	sbWrite, err := s.EncodeSuperblock(plan.AllocTableBlocks, plan.NextID)
	if err != nil {
		return err
	}
	for _, w := range plan.Writes {
		if err := store.Write(w.BlockID, w.Ciphertext); err != nil {
			return err
		}
	}
	if err := store.Write(sbWrite.BlockID, sbWrite.Ciphertext); err != nil {
		return err
	}
	if err := layer.CommitFlush(plan); err != nil {
		return err
	}

	logFile, err := fs.OpenFile(dir+"/"+walFile, osCreateTrunc, 0o600)
	if err != nil {
		return x79err.WrapIo("create wal file", err)
	}
	defer logFile.Close()

	log.WithField("dir", dir).WithField("block_size", blockSize).Info("store initialized")
	return nil
}

// Open reopens a store created by Init: it verifies the password, applies
// every committed WAL group to the block store (a torn trailing group is
// discarded), reconstructs the object
// layer and VFS tree, and starts the background flusher. idle overrides
// the checkpoint idle threshold; zero selects flusher.DefaultIdle.
func Open(fs afero.Fs, dir, password string, idle time.Duration, onFatal func(error)) (*Store, error) {
	cfg, err := storeconfig.Load(fs, dir)
	if err != nil {
		return nil, err
	}
	key, err := cfg.Unlock(password)
	if err != nil {
		return nil, err
	}
	codec := blockcodec.New(key)

	blocks, err := blockstore.Open(fs, dir+"/"+blocksDir, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	logFile, err := fs.OpenFile(dir+"/"+walFile, osReadWriteCreate, 0o600)
	if err != nil {
		return nil, x79err.WrapIo("open wal file", err)
	}
	w := wal.Open(logFile, key, 0)
	writes, _, err := w.Replay()
	if err != nil {
		logFile.Close()
		return nil, err
	}
	for _, write := range writes {
		if err := blocks.Write(write.BlockID, write.Ciphertext); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("x79store: apply replayed block %d: %w", write.BlockID, err)
		}
	}
	if len(writes) > 0 {
		if err := w.Truncate(); err != nil {
			logFile.Close()
			return nil, err
		}
		log.WithField("blocks", len(writes)).Warn("replayed crash-torn wal group")
	}

	// The superblock itself may have been one of the replayed blocks (the
	// flusher folds it into the same WAL group as the rest of a flush), so
	// it must be read only after replay has applied, never before.
	raw, err := blocks.Read(superBlock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("x79store: read superblock: %w", err)
	}
	plain, err := codec.DecryptBlock(superBlock, raw, blocks.BlockSize())
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("x79store: decrypt superblock: %w", err)
	}
	sb, err := decodeSuperblock(plain)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	layer, err := object.LoadLayer(blocks, codec, sb.AllocTableBlocks, sb.NextObjectID)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	tree, err := vfs.LoadTree(layer)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	s := &Store{
		fs: fs, dir: dir, cfg: cfg, codec: codec,
		blocks: blocks, log: w, logFile: logFile,
		objects: layer, Tree: tree,
	}
	s.Flusher = flusher.New(w, blocks, layer, tree, s, idle, onFatal)
	s.Flusher.Start()

	log.WithField("dir", dir).Info("store opened")
	return s, nil
}

// Close performs a final flush and releases the WAL file handle.
func (s *Store) Close() error {
	var err error
	if s.Flusher != nil {
		err = s.Flusher.Shutdown()
	}
	if s.logFile != nil {
		if cerr := s.logFile.Close(); cerr != nil && err == nil {
			err = x79err.WrapIo("close wal file", cerr)
		}
	}
	return err
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
