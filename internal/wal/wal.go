// Package wal implements the write-ahead log that makes multi-block state
// transitions crash-atomic (specification §4.3). A group of block
// rewrites is appended and fsynced before any of those writes land in the
// block store; on reopen, fully committed groups are replayed and applied,
// and a torn trailing group — the benign case of a crash mid-append — is
// silently discarded.
package wal

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"golang.org/x/crypto/blake2s"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

const (
	kindBlock  = byte(0)
	kindCommit = byte(1)

	// lsn(8) + kind(1) + blockID(8) + payload length(4). blockID and lsn
	// are plaintext framing: blockID must be known before the entry can
	// be decrypted, since it feeds the per-entry IV derivation alongside
	// lsn (spec §4.3).
	headerSize = 8 + 1 + 8 + 4

	commitMarkerID = ^uint64(0)
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockWrite is one dirtied block awaiting durable commit. Ciphertext is
// already the block codec's output (§4.1); the WAL encrypts it again at
// the entry level so the log never holds a byte-for-byte copy of the
// eventual block-store ciphertext under the same IV.
type BlockWrite struct {
	BlockID    uint64
	Ciphertext []byte
}

// file is the subset of afero.File the WAL needs; kept narrow so callers
// can hand in a plain *os.File or an in-memory fake in tests.
type file interface {
	io.ReadWriteSeeker
	io.Closer
	Truncate(size int64) error
	Sync() error
}

// WAL appends encrypted redo records to a single file. Append is
// single-threaded by contract (the flusher owns it); Replay only ever runs
// at open, before any writer exists.
type WAL struct {
	mu  sync.Mutex
	f   file
	key [32]byte
	lsn uint64
}

// Open wraps f (already positioned anywhere; Append and Replay both seek
// explicitly) as a WAL under key. startLSN should be one past the highest
// lsn seen by the last replay, or 0 for a freshly created store.
func Open(f file, key [32]byte, startLSN uint64) *WAL {
	return &WAL{f: f, key: key, lsn: startLSN}
}

// AppendGroup writes every block in writes, followed by a commit record
// whose payload is a checksum over the group, then fsyncs the file. The
// group is not visible to Replay until this call returns successfully.
func (w *WAL) AppendGroup(writes []BlockWrite) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return x79err.WrapIo("seek wal tail", err)
	}

	bw := bufio.NewWriter(w.f)
	groupLSN := w.lsn

	checksum := crc32.New(crcTable)
	for _, bwrite := range writes {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], bwrite.BlockID)
		checksum.Write(idBuf[:])
		checksum.Write(bwrite.Ciphertext)

		enc, err := w.entryCipher(groupLSN, bwrite.BlockID, bwrite.Ciphertext)
		if err != nil {
			return err
		}
		if err := writeRecord(bw, groupLSN, kindBlock, bwrite.BlockID, enc); err != nil {
			return x79err.WrapIo("append wal block record", err)
		}
	}

	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], checksum.Sum32())
	enc, err := w.entryCipher(groupLSN, commitMarkerID, sumBuf[:])
	if err != nil {
		return err
	}
	if err := writeRecord(bw, groupLSN, kindCommit, commitMarkerID, enc); err != nil {
		return x79err.WrapIo("append wal commit record", err)
	}

	if err := bw.Flush(); err != nil {
		return x79err.WrapIo("flush wal buffer", err)
	}
	if err := w.f.Sync(); err != nil {
		return x79err.WrapIo("fsync wal", err)
	}

	w.lsn = groupLSN + 1
	return nil
}

// Truncate discards all WAL content, called once the flusher has applied
// and fsynced a group to the block store (the checkpoint in §4.6).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return x79err.WrapIo("truncate wal", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return x79err.WrapIo("seek wal head", err)
	}
	return w.f.Sync()
}

// Replay scans the WAL from the head and returns the block writes of every
// fully committed group, in commit order, plus the lsn to resume
// numbering from. A torn trailing group (the file ends mid-record or
// mid-group) is discarded without error. A commit record whose checksum
// does not match its group's contents is reported as ErrWalCorrupt: that
// is not a torn tail, it is damage to already-committed data.
func (w *WAL) Replay() ([]BlockWrite, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, x79err.WrapIo("seek wal head", err)
	}
	r := bufio.NewReader(w.f)

	var applied []BlockWrite
	var pending []BlockWrite
	pendingChecksum := crc32.New(crcTable)
	highestLSN := uint64(0)

	for {
		lsn, kind, blockID, payload, err := readRecord(r)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break // torn tail: benign, discard whatever group was in flight
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", x79err.ErrWalCorrupt, err)
		}
		if lsn+1 > highestLSN {
			highestLSN = lsn + 1
		}

		switch kind {
		case kindBlock:
			ciphertext, err := w.entryCipher(lsn, blockID, payload)
			if err != nil {
				return nil, 0, err
			}
			pending = append(pending, BlockWrite{BlockID: blockID, Ciphertext: ciphertext})

			var idBuf [8]byte
			binary.LittleEndian.PutUint64(idBuf[:], blockID)
			pendingChecksum.Write(idBuf[:])
			pendingChecksum.Write(ciphertext)

		case kindCommit:
			dec, err := w.entryCipher(lsn, commitMarkerID, payload)
			if err != nil {
				return nil, 0, err
			}
			if len(dec) != 4 {
				return nil, 0, fmt.Errorf("%w: malformed commit checksum", x79err.ErrWalCorrupt)
			}
			want := binary.LittleEndian.Uint32(dec)
			if want != pendingChecksum.Sum32() {
				return nil, 0, fmt.Errorf("%w: commit checksum mismatch at lsn %d", x79err.ErrWalCorrupt, lsn)
			}
			applied = append(applied, pending...)
			pending = nil
			pendingChecksum = crc32.New(crcTable)

		default:
			return nil, 0, fmt.Errorf("%w: unknown record kind %d", x79err.ErrWalCorrupt, kind)
		}
	}

	return applied, highestLSN, nil
}

// entryCipher is its own inverse (CFB keystream XOR): used for both
// encrypting on append and decrypting on replay.
func (w *WAL) entryCipher(lsn, blockID uint64, data []byte) ([]byte, error) {
	iv, err := deriveEntryIV(w.key, lsn, blockID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(w.key[:])
	if err != nil {
		return nil, fmt.Errorf("wal: new cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, data)
	return out, nil
}

func deriveEntryIV(key [32]byte, lsn, blockID uint64) ([]byte, error) {
	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("wal: blake2s init: %w", err)
	}
	h.Write(key[:])
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], lsn)
	binary.LittleEndian.PutUint64(buf[8:16], blockID)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return sum[:aes.BlockSize], nil
}

func writeRecord(w io.Writer, lsn uint64, kind byte, blockID uint64, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], lsn)
	header[8] = kind
	binary.LittleEndian.PutUint64(header[9:17], blockID)
	binary.LittleEndian.PutUint32(header[17:21], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRecord(r io.Reader) (lsn uint64, kind byte, blockID uint64, payload []byte, err error) {
	var header [headerSize]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, 0, 0, nil, err
	}
	lsn = binary.LittleEndian.Uint64(header[0:8])
	kind = header[8]
	blockID = binary.LittleEndian.Uint64(header[9:17])
	length := binary.LittleEndian.Uint32(header[17:21])

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, 0, nil, io.ErrUnexpectedEOF
	}
	return lsn, kind, blockID, payload, nil
}
