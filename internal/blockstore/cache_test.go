package blockstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/chipstorage/blobkv/internal/logging"
)

const testBlockSize = 512

var errStale = errors.New("read returned stale block contents")

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocks")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	c := NewCache(f, testBlockSize, 4, logging.New("test"), nil)
	c.Reserve(1)
	return c, path
}

func TestAllocateAcquireRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	buf, err := c.Allocate(ctx)
	require.NoError(t, err)
	id := buf.ID()
	copy(buf.WriteData(), "hello blocks")
	c.Release(buf)

	buf, err = c.Acquire(ctx, id, Read)
	require.NoError(t, err)
	require.Equal(t, "hello blocks", string(buf.ReadData()[:12]))
	c.Release(buf)
}

func TestWriteBackSurvivesReopen(t *testing.T) {
	c, path := newTestCache(t)
	ctx := context.Background()

	buf, err := c.Allocate(ctx)
	require.NoError(t, err)
	id := buf.ID()
	copy(buf.WriteData(), "durable bytes")
	c.Release(buf)

	// A second cache over the same file must read the block back from disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	c2 := NewCache(f, testBlockSize, 4, logging.New("test"), nil)
	c2.Reserve(id + 1)

	buf, err = c2.Acquire(ctx, id, Read)
	require.NoError(t, err)
	require.Equal(t, "durable bytes", string(buf.ReadData()[:13]))
	c2.Release(buf)
}

func TestFreeRecyclesIDs(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	buf, err := c.Allocate(ctx)
	require.NoError(t, err)
	id := buf.ID()
	c.Release(buf)

	require.NoError(t, c.Free(ctx, id))
	require.Equal(t, 1, c.FreeCount())

	buf, err = c.Allocate(ctx)
	require.NoError(t, err)
	require.Equal(t, id, buf.ID())
	require.Equal(t, 0, c.FreeCount())
	// A recycled block starts out zeroed, not with its old contents.
	require.Equal(t, make([]byte, testBlockSize), buf.ReadData())
	c.Release(buf)

	require.Error(t, c.Free(ctx, 0))
}

func TestConcurrentReaders(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	buf, err := c.Allocate(ctx)
	require.NoError(t, err)
	id := buf.ID()
	copy(buf.WriteData(), "shared")
	c.Release(buf)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := c.Acquire(ctx, id, Read)
			if err != nil {
				errs[i] = err
				return
			}
			defer c.Release(b)
			if string(b.ReadData()[:6]) != "shared" {
				errs[i] = errStale
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, 1, Read)
	require.Error(t, err)

	_, err = c.Allocate(ctx)
	require.Error(t, err)
}
