// Package flusher drives the idle-timer-based checkpoint cycle described
// in specification §4.6: each call to Touch resets a timer, and once no
// Touch has arrived for the idle threshold the flusher drains
// the object layer's dirty objects through the WAL and into the block
// store, then truncates the WAL. It also performs a final, synchronous
// flush on shutdown.
package flusher

import (
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/x79d8/internal/blockstore"
	"github.com/deploymenttheory/x79d8/internal/object"
	"github.com/deploymenttheory/x79d8/internal/vfs"
	"github.com/deploymenttheory/x79d8/internal/wal"
	"github.com/deploymenttheory/x79d8/internal/x79log"
)

// DefaultIdle is the quiet period before an automatic flush, per spec §4.6.
const DefaultIdle = 5 * time.Second

var log = x79log.For("flusher")

// SuperblockWriter encodes the pointers a reopen needs to find the
// allocation table without reading through it: its own block list and the
// next object id to hand out (spec §9's cyclic-metadata note). It returns
// the encrypted block rather than writing it anywhere, so the flusher can
// fold it into the same WAL group as every other dirtied block (spec
// §4.6 step 3) instead of writing it out-of-band after that group
// already committed.
type SuperblockWriter interface {
	EncodeSuperblock(allocTableBlocks []uint64, nextObjectID uint64) (wal.BlockWrite, error)
}

// Flusher owns the background goroutine that runs idle-timer flushes;
// Flush and Shutdown may also append to the WAL from the caller's
// goroutine. Touch only resets the timer, but it takes the same mutex a
// flush holds, so a Touch issued during a flush waits for it to finish.
type Flusher struct {
	wal        *wal.WAL
	store      *blockstore.Store
	objects    *object.Layer
	tree       *vfs.Tree
	superblock SuperblockWriter
	idle       time.Duration

	mu       sync.Mutex // serializes Flush against concurrent Touch-driven fires
	timer    *time.Timer
	stopCh   chan struct{}
	wg       conc.WaitGroup
	draining atomic.Bool
	fatal    atomic.Error
	onFatal  func(error)
}

// New builds a Flusher. onFatal, if non-nil, is called from the
// background goroutine the moment an automatic flush fails irrecoverably;
// callers typically use it to trigger process shutdown.
func New(w *wal.WAL, store *blockstore.Store, objects *object.Layer, tree *vfs.Tree, superblock SuperblockWriter, idle time.Duration, onFatal func(error)) *Flusher {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Flusher{
		wal:        w,
		store:      store,
		objects:    objects,
		tree:       tree,
		superblock: superblock,
		idle:       idle,
		stopCh:     make(chan struct{}),
		onFatal:    onFatal,
	}
}

// Start launches the background idle timer. Calling it twice is a no-op
// safety net; real callers only ever start one flusher per open store.
func (f *Flusher) Start() {
	f.mu.Lock()
	if f.timer != nil {
		f.mu.Unlock()
		return
	}
	f.timer = time.NewTimer(f.idle)
	f.mu.Unlock()

	f.wg.Go(func() {
		for {
			select {
			case <-f.timer.C:
				if err := f.Flush(); err != nil {
					f.fatal.Store(err)
					log.WithError(err).Error("automatic flush failed")
					if f.onFatal != nil {
						f.onFatal(err)
					}
				}
				f.mu.Lock()
				f.timer.Reset(f.idle)
				f.mu.Unlock()
			case <-f.stopCh:
				return
			}
		}
	})
}

// Touch resets the idle timer. The FTP bridge calls it after create,
// mkdir, remove and rename; data writes and truncations through an open
// file handle do not call it, so they do not postpone a flush.
func (f *Flusher) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer == nil {
		return
	}
	if !f.timer.Stop() {
		select {
		case <-f.timer.C:
		default:
		}
	}
	f.timer.Reset(f.idle)
}

// Err reports the last fatal error an automatic flush hit, if any.
func (f *Flusher) Err() error { return f.fatal.Load() }

// Flush drains every dirty object through the WAL into the block store,
// synchronously. It is safe to call concurrently with the background
// timer; only one flush cycle runs at a time.
func (f *Flusher) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.tree.Flush(); err != nil {
		return fmt.Errorf("flusher: sync inode table: %w", err)
	}

	plan, err := f.objects.PendingFlush()
	if err != nil {
		return fmt.Errorf("flusher: plan flush: %w", err)
	}
	if len(plan.Writes) == 0 && len(plan.Freed) == 0 {
		return nil
	}

	// The superblock ciphertext must land inside the same WAL group as the
	// rest of this flush's writes: if it committed separately afterward, a
	// crash between the two commits would leave these blocks durably
	// written but unreachable, because a reopen still finds the prior
	// superblock and its stale AllocTableBlocks (spec §4.6 step 3, §8 TP4).
	sbWrite, err := f.superblock.EncodeSuperblock(plan.AllocTableBlocks, plan.NextID)
	if err != nil {
		return fmt.Errorf("flusher: encode superblock: %w", err)
	}
	writes := make([]wal.BlockWrite, 0, len(plan.Writes)+1)
	writes = append(writes, plan.Writes...)
	writes = append(writes, sbWrite)

	if err := f.wal.AppendGroup(writes); err != nil {
		return fmt.Errorf("flusher: append wal group: %w", err)
	}
	for _, w := range writes {
		if err := f.store.Write(w.BlockID, w.Ciphertext); err != nil {
			return fmt.Errorf("flusher: apply block %d: %w", w.BlockID, err)
		}
	}
	if err := f.objects.CommitFlush(plan); err != nil {
		return fmt.Errorf("flusher: commit flush: %w", err)
	}
	if err := f.wal.Truncate(); err != nil {
		return fmt.Errorf("flusher: truncate wal: %w", err)
	}

	log.WithField("blocks_written", len(writes)).WithField("blocks_freed", len(plan.Freed)).Debug("checkpoint complete")
	return nil
}

// Shutdown stops the background timer and performs one final flush,
// aggregating any errors from both steps so a caller logs a complete
// picture before exiting (spec §7).
func (f *Flusher) Shutdown() error {
	if f.draining.CompareAndSwap(false, true) {
		close(f.stopCh)
		f.wg.Wait()
	}
	var errs error
	if err := f.Flush(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
