// Package blobtestutil provides the shared fixtures blobkv's test suites
// build their block trees on: a real file-backed buffer cache in a per-test
// temp directory, driven through the same disk dispatcher production code
// uses.
package blobtestutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chipstorage/blobkv/internal/blockstore"
	"github.com/chipstorage/blobkv/internal/logging"
)

// NewCache opens a fresh file-backed cache with the given block size in a
// temp directory cleaned up with the test.
func NewCache(t testing.TB, blockSize int) *blockstore.Cache {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "blocks"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	c := blockstore.NewCache(f, blockSize, 8, logging.New("test"), nil)
	// Id 0 is the superblock in a real store and the cache refuses to free
	// it; keep test trees off it the same way.
	c.Reserve(1)
	return c
}

// Pattern returns n bytes of a deterministic, position-dependent pattern,
// offset so that two Patterns with different seeds disagree everywhere.
func Pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}
