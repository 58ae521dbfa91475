// Package blockstore implements the resident buffer cache that blob trees
// are built out of: fixed-size blocks, addressed by a dense integer id,
// each acquired for shared (read) or exclusive (write) access and released
// before the caller's operation returns. It owns the single backing file
// and the disk dispatcher that bounds concurrent access to it.
package blockstore

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"

	"github.com/chipstorage/blobkv/internal/diskpool"
	"github.com/chipstorage/blobkv/internal/logging"
)

// BlockID addresses a single fixed-size block in the backing file.
type BlockID uint64

// AccessMode selects whether Acquire returns a block locked for shared
// reading or exclusive writing.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

type entry struct {
	mu sync.RWMutex // guards concurrent acquirers of this block

	loadMu  sync.Mutex // guards the one-time disk read that populates data
	loaded  bool
	loadErr error

	data  []byte
	dirty bool
}

// Buf is a single acquired block. It must be released via Cache.Release
// exactly once.
type Buf struct {
	id    BlockID
	mode  AccessMode
	entry *entry
}

// ID returns the block id this Buf was acquired for.
func (b *Buf) ID() BlockID { return b.id }

// ReadData returns the block's contents. Valid for either access mode.
func (b *Buf) ReadData() []byte { return b.entry.data }

// WriteData returns the block's contents for mutation and marks the block
// dirty, so that Release schedules it for write-back. The Buf must have
// been acquired with Write.
func (b *Buf) WriteData() []byte {
	b.entry.dirty = true
	return b.entry.data
}

// Cache is the resident buffer cache for one backing file. It implements
// diskpool.Producer so that the dispatcher it owns can pull queued actions
// directly from it.
type Cache struct {
	file      *os.File
	blockSize int
	log       *logging.Logger
	pool      *diskpool.Dispatcher

	mu struct {
		sync.Mutex
		blocks    *swiss.Map[BlockID, *entry]
		free      []BlockID
		highWater BlockID
	}

	qmu   sync.Mutex
	queue []diskpool.Action
}

// NewCache opens a resident buffer cache backed by file, with blockSize-
// byte blocks, dispatching I/O through a diskpool.Dispatcher bounded to
// maxConcurrentIO in-flight syscalls.
func NewCache(file *os.File, blockSize, maxConcurrentIO int, log *logging.Logger, metrics *diskpool.Metrics) *Cache {
	c := &Cache{
		file:      file,
		blockSize: blockSize,
		log:       log,
	}
	c.mu.blocks = swiss.New[BlockID, *entry](64)
	c.pool = diskpool.New(maxConcurrentIO, c, log, metrics)
	return c
}

// BlockSize returns the fixed block size this cache was opened with.
func (c *Cache) BlockSize() int { return c.blockSize }

// Len implements diskpool.Producer.
func (c *Cache) Len() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// Pop implements diskpool.Producer.
func (c *Cache) Pop() diskpool.Action {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	a := c.queue[0]
	c.queue = c.queue[1:]
	return a
}

func (c *Cache) enqueue(a diskpool.Action) {
	c.qmu.Lock()
	c.queue = append(c.queue, a)
	c.qmu.Unlock()
	c.pool.NotifyAvailable()
}

func (c *Cache) entryFor(id BlockID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mu.blocks.Get(id)
	if !ok {
		e = &entry{data: make([]byte, c.blockSize)}
		c.mu.blocks.Put(id, e)
	}
	return e
}

func (c *Cache) ensureLoaded(ctx context.Context, id BlockID, e *entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loaded {
		return e.loadErr
	}
	done := make(chan error, 1)
	c.enqueue(diskpool.Action{
		Fd:     int(c.file.Fd()),
		Read:   true,
		Buf:    e.data,
		Offset: int64(id) * int64(c.blockSize),
		Done:   func(err error) { done <- err },
	})
	e.loadErr = <-done
	e.loaded = true
	return e.loadErr
}

// Acquire locks block id for the given access mode, loading it from disk on
// first touch, and returns a Buf over its resident bytes. The caller must
// Release it before the surrounding operation returns.
func (c *Cache) Acquire(ctx context.Context, id BlockID, mode AccessMode) (*Buf, error) {
	e := c.entryFor(id)
	if err := c.ensureLoaded(ctx, id, e); err != nil {
		return nil, err
	}
	if mode == Write {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	return &Buf{id: id, mode: mode, entry: e}, nil
}

// Allocate reserves a fresh block id (recycled from a prior Free if one is
// available) and returns it locked for writing. The block's contents start
// zeroed; the caller is expected to stamp a magic and fill it in.
func (c *Cache) Allocate(ctx context.Context) (*Buf, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	var id BlockID
	if n := len(c.mu.free); n > 0 {
		id = c.mu.free[n-1]
		c.mu.free = c.mu.free[:n-1]
	} else {
		id = c.mu.highWater
		c.mu.highWater++
	}
	e := &entry{data: make([]byte, c.blockSize), loaded: true, dirty: true}
	c.mu.blocks.Put(id, e)
	c.mu.Unlock()

	e.mu.Lock()
	return &Buf{id: id, mode: Write, entry: e}, nil
}

// Release unlocks buf. If it was acquired or allocated for writing and its
// contents were touched via WriteData, Release flushes it to disk before
// returning, so that no caller observes a torn or stale block on disk once
// the operation that wrote it has completed.
func (c *Cache) Release(buf *Buf) {
	e := buf.entry
	if buf.mode == Write {
		if e.dirty {
			e.dirty = false
			done := make(chan error, 1)
			c.enqueue(diskpool.Action{
				Fd:     int(c.file.Fd()),
				Read:   false,
				Buf:    e.data,
				Offset: int64(buf.id) * int64(c.blockSize),
				Done:   func(err error) { done <- err },
			})
			<-done
		}
		e.mu.Unlock()
	} else {
		e.mu.RUnlock()
	}
}

// Free releases block id back to the free list for reuse by a future
// Allocate. The caller must not be holding a Buf over id.
func (c *Cache) Free(ctx context.Context, id BlockID) error {
	if id == 0 {
		return errors.AssertionFailedf("blockstore: refusing to free the reserved superblock id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.blocks.Delete(id)
	c.mu.free = append(c.mu.free, id)
	return nil
}

// Dispatcher returns the disk dispatcher this cache schedules its I/O
// through, for tooling that reports its latency histogram.
func (c *Cache) Dispatcher() *diskpool.Dispatcher { return c.pool }

// FreeCount reports how many freed block ids are waiting for reuse.
func (c *Cache) FreeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mu.free)
}

// HighWater reports the smallest block id never yet handed out, for use by
// a store computing on-disk file size.
func (c *Cache) HighWater() BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.highWater
}

// Reserve marks ids [0, n) as already in use without reading them from
// disk, used when reopening a store whose superblock records a prior high
// water mark.
func (c *Cache) Reserve(n BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.mu.highWater {
		c.mu.highWater = n
	}
}
