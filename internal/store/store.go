// Package store wires the blobkv engine to a single backing file: it owns
// the superblock (block 0), the disk dispatcher and buffer cache every
// blobkv.Handle acquires blocks through, and a small in-memory key
// directory standing in for the record store a production caller brings
// its own of.
package store

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chipstorage/blobkv"
	"github.com/chipstorage/blobkv/internal/blockstore"
	"github.com/chipstorage/blobkv/internal/diskpool"
	"github.com/chipstorage/blobkv/internal/logging"
)

// superblockMagic tags block 0 of every blobkv backing file.
const superblockMagic = "blbS"

// superblockSize is the portion of block 0 the superblock itself occupies:
// magic(4) + block size(4) + high water mark(8). The rest of the block is
// reserved and currently zero.
const superblockSize = 16

// Store owns one backing file's disk dispatcher and buffer cache, plus a
// directory mapping caller-chosen keys to reference words.
type Store struct {
	path    string
	file    *os.File
	opts    blobkv.Options
	log     *logging.Logger
	cache   *blockstore.Cache
	metrics *diskpool.Metrics
	reg     *prometheus.Registry

	mu  sync.Mutex
	dir map[string][]byte
}

// Create initializes a fresh backing file at path, refusing to overwrite an
// existing one, and writes its superblock.
func Create(path string, opts blobkv.Options, log *logging.Logger) (*Store, error) {
	opts = opts.EnsureDefaults()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: create %s", path)
	}
	if err := f.Truncate(int64(opts.BlockSize)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: truncate %s", path)
	}
	s := newStore(path, f, opts, log)
	s.cache.Reserve(1)
	if err := s.writeSuperblock(context.Background()); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Open opens an existing backing file at path, validating its superblock
// and resuming allocation from its recorded high water mark.
func Open(path string, log *logging.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	raw := make([]byte, superblockSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: read superblock of %s", path)
	}
	if string(raw[:4]) != superblockMagic {
		f.Close()
		return nil, errors.Newf("store: %s does not look like a blobkv store (bad superblock magic)", path)
	}
	blockSize := binary.LittleEndian.Uint32(raw[4:8])
	highWater := binary.LittleEndian.Uint64(raw[8:16])

	opts := blobkv.Options{BlockSize: int(blockSize)}.EnsureDefaults()
	s := newStore(path, f, opts, log)
	s.cache.Reserve(blockstore.BlockID(highWater))
	return s, nil
}

func newStore(path string, f *os.File, opts blobkv.Options, log *logging.Logger) *Store {
	reg := prometheus.NewRegistry()
	metrics := diskpool.NewMetrics(path)
	metrics.MustRegister(reg)
	cache := blockstore.NewCache(f, opts.BlockSize, opts.MaxConcurrentIO, log, metrics)
	return &Store{
		path:    path,
		file:    f,
		opts:    opts,
		log:     log,
		cache:   cache,
		metrics: metrics,
		reg:     reg,
		dir:     make(map[string][]byte),
	}
}

func (s *Store) writeSuperblock(ctx context.Context) error {
	buf, err := s.cache.Acquire(ctx, 0, blockstore.Write)
	if err != nil {
		return err
	}
	data := buf.WriteData()
	copy(data[:4], superblockMagic)
	binary.LittleEndian.PutUint32(data[4:8], uint32(s.opts.BlockSize))
	binary.LittleEndian.PutUint64(data[8:16], uint64(s.cache.HighWater()))
	s.cache.Release(buf)
	return nil
}

// Sync flushes the current high water mark into the superblock. Callers
// that allocate blocks across many operations should call this
// periodically (e.g. before a clean shutdown); blobkv.Handle operations
// never call it themselves.
func (s *Store) Sync(ctx context.Context) error {
	return s.writeSuperblock(ctx)
}

// NewBlob creates an empty blob under key, which must not already exist,
// and returns a handle to it.
func (s *Store) NewBlob(key string) (*blobkv.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dir[key]; ok {
		return nil, errors.Newf("store: key %q already exists", key)
	}
	ref := make([]byte, s.opts.MaxRefLen)
	h, err := blobkv.New(s.cache, ref, s.opts.MaxRefLen)
	if err != nil {
		return nil, err
	}
	s.dir[key] = ref
	return h, nil
}

// OpenBlob returns a handle bound to the reference word stored under key.
func (s *Store) OpenBlob(key string) (*blobkv.Handle, error) {
	s.mu.Lock()
	ref, ok := s.dir[key]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Newf("store: unknown key %q", key)
	}
	return blobkv.New(s.cache, ref, s.opts.MaxRefLen)
}

// SaveBlob writes h's current canonical reference word back into key's
// directory entry. There is no automatic write-back: a caller that mutates
// a handle and wants the change to survive a later OpenBlob must call this
// itself. The record store owns the commit of its reference words.
func (s *Store) SaveBlob(key string, h *blobkv.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.dir[key]
	if !ok {
		return errors.Newf("store: unknown key %q", key)
	}
	return h.DumpRef(ref, s.opts.MaxRefLen)
}

// DeleteBlob removes key from the directory without freeing the blocks its
// value occupies; callers that want those blocks back must Unappend or
// Unprepend the handle down to empty first.
func (s *Store) DeleteBlob(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dir[key]; !ok {
		return errors.Newf("store: unknown key %q", key)
	}
	delete(s.dir, key)
	return nil
}

// Keys returns every key currently in the directory, in no particular
// order, for admin tooling.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.dir))
	for k := range s.dir {
		keys = append(keys, k)
	}
	return keys
}

// Options returns the block-size/capacity parameters this store was opened
// with.
func (s *Store) Options() blobkv.Options { return s.opts }

// Cache returns the store's buffer cache, for tooling (e.g. the admin CLI's
// stats report) that reads its block counts and dispatcher latency.
func (s *Store) Cache() *blockstore.Cache { return s.cache }

// Metrics returns the Prometheus collectors the store's disk dispatcher
// reports through.
func (s *Store) Metrics() *diskpool.Metrics { return s.metrics }

// Registry returns the Prometheus registry this store's metrics were
// registered against, for a caller that wants to serve /metrics.
func (s *Store) Registry() *prometheus.Registry { return s.reg }

// Close flushes the superblock and closes the backing file.
func (s *Store) Close() error {
	if err := s.writeSuperblock(context.Background()); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
