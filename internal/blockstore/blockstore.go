// Package blockstore maps block ids onto files in a host directory, one
// file per live block, as specified in section 4.2. It is agnostic to
// encryption: callers pass and receive opaque fixed-size byte slices.
package blockstore

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

const rwCreateTrunc = os.O_RDWR | os.O_CREATE | os.O_TRUNC

// Store is a directory of fixed-size block files, backed by an afero.Fs so
// tests can run entirely in memory.
type Store struct {
	fs        afero.Fs
	dir       string
	blockSize int

	mu   sync.RWMutex
	live map[uint64]struct{}
}

// Open scans dir for existing block files and returns a Store over them.
// dir must already exist.
func Open(fs afero.Fs, dir string, blockSize int) (*Store, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, x79err.WrapIo("read blocks dir", err)
	}

	live := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue // ignore *.tmp leftovers from a crashed write
		}
		live[id] = struct{}{}
	}

	return &Store{fs: fs, dir: dir, blockSize: blockSize, live: live}, nil
}

// BlockSize returns the fixed on-disk size of every block in the store.
func (s *Store) BlockSize() int { return s.blockSize }

func (s *Store) path(id uint64) string {
	return fmt.Sprintf("%s/%d", s.dir, id)
}

func (s *Store) tmpPath(id uint64) string {
	return fmt.Sprintf("%s/%d.tmp", s.dir, id)
}

// Read returns the raw bytes of block id, exactly BlockSize() long.
// Reading an id the store does not know about is a logical error, per the
// specification: ErrNoSuchBlock, not a routine miss.
func (s *Store) Read(id uint64) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.live[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: block %d", x79err.ErrNoSuchBlock, id)
	}

	f, err := s.fs.Open(s.path(id))
	if err != nil {
		return nil, x79err.WrapIo("open block", err)
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, x79err.WrapIo("read block", err)
	}
	return buf, nil
}

// Write atomically replaces (or creates) block id's contents. data must be
// exactly BlockSize() bytes. The write lands via a sibling .tmp file and a
// rename, so a crash mid-write never leaves a torn block visible under id.
func (s *Store) Write(id uint64, data []byte) error {
	if len(data) != s.blockSize {
		return fmt.Errorf("blockstore: write block %d: want %d bytes, got %d", id, s.blockSize, len(data))
	}

	tmp := s.tmpPath(id)
	f, err := s.fs.OpenFile(tmp, rwCreateTrunc, 0o600)
	if err != nil {
		return x79err.WrapIo("create block tmp", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return x79err.WrapIo("write block tmp", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		return x79err.WrapIo("close block tmp", err)
	}

	if err := s.fs.Rename(tmp, s.path(id)); err != nil {
		return x79err.WrapIo("rename block into place", err)
	}

	s.mu.Lock()
	s.live[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Free unlinks block id. Freeing an id that was never allocated is a no-op,
// matching the delete-twice tolerance the flusher relies on when a
// checkpoint is replayed after a partial crash.
func (s *Store) Free(id uint64) error {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	if err := s.fs.Remove(s.path(id)); err != nil && !isNotExist(err) {
		return x79err.WrapIo("remove block", err)
	}
	return nil
}

// Allocate returns the lowest unused non-negative block id and reserves it
// immediately so concurrent allocators never hand out the same id. Block 0
// is reserved for the superblock and is never handed out here; callers
// that need it address it directly.
func (s *Store) Allocate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := uint64(1); ; id++ {
		if _, taken := s.live[id]; !taken {
			s.live[id] = struct{}{}
			return id
		}
	}
}

// Enumerate returns every block id currently known to the store, in
// ascending order.
func (s *Store) Enumerate() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of live blocks, used by the space-accounting
// testable property (spec §8.5).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
