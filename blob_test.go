package blobkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chipstorage/blobkv/internal/blobtestutil"
	"github.com/chipstorage/blobkv/internal/blockstore"
)

func newTestHandle(t *testing.T) (*Handle, *blockstore.Cache) {
	t.Helper()
	cache := blobtestutil.NewCache(t, testBlockSize)
	h, err := New(cache, make([]byte, testMaxRefLen), testMaxRefLen)
	require.NoError(t, err)
	return h, cache
}

// writeAt fills [offset, offset+len(data)) of h through a write exposure.
func writeAt(t *testing.T, h *Handle, offset int64, data []byte) {
	t.Helper()
	bg, ag, err := h.ExposeRegion(context.Background(), blockstore.Write, offset, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), bg.Len())
	bg.CopyFrom(data)
	ag.Release()
}

func readAt(t *testing.T, h *Handle, offset, size int64) []byte {
	t.Helper()
	bg, ag, err := h.ExposeRegion(context.Background(), blockstore.Read, offset, size)
	require.NoError(t, err)
	out := bg.Bytes()
	ag.Release()
	require.Equal(t, size, int64(len(out)))
	return out
}

// appendBytes grows h by len(data) and fills the new region.
func appendBytes(t *testing.T, h *Handle, data []byte) {
	t.Helper()
	oldSize := h.ValueSize()
	require.NoError(t, h.Append(context.Background(), int64(len(data))))
	writeAt(t, h, oldSize, data)
}

func TestHandleNewAndDumpRef(t *testing.T) {
	cache := blobtestutil.NewCache(t, testBlockSize)

	ref := make([]byte, testMaxRefLen)
	setSmallSize(ref, testMaxRefLen, 3)
	copy(ref[1:], "abc")

	h, err := New(cache, ref, testMaxRefLen)
	require.NoError(t, err)
	require.Equal(t, int64(3), h.ValueSize())
	require.Equal(t, 4, h.RefSize())
	require.Equal(t, 0, h.Levels())

	// The handle owns a private copy; mutating the caller's buffer after
	// construction must not leak through.
	ref[1] = 'z'
	require.Equal(t, []byte("abc"), readAt(t, h, 0, 3))

	out := make([]byte, testMaxRefLen)
	require.NoError(t, h.DumpRef(out, testMaxRefLen))
	require.Equal(t, byte(3), out[0])
	require.Equal(t, "abc", string(out[1:4]))

	require.Error(t, h.DumpRef(out, 252))
	require.Error(t, h.DumpRef(make([]byte, 2), testMaxRefLen))
}

func TestInlineToLargeBoundary(t *testing.T) {
	h, _ := newTestHandle(t)

	// 250 bytes is the largest value a 251-byte reference holds inline.
	data := make([]byte, 250)
	for i := range data {
		data[i] = 0x41
	}
	appendBytes(t, h, data)
	require.Equal(t, 0, h.Levels())
	require.Equal(t, int64(250), h.ValueSize())
	require.Equal(t, 251, h.RefSize())

	// One more byte forces the value out of the reference word.
	appendBytes(t, h, []byte{0x42})
	require.Equal(t, 1, h.Levels())
	require.Equal(t, int64(251), h.ValueSize())
	require.Equal(t, 25, h.RefSize()) // discriminator + size + offset + one block id

	got := readAt(t, h, 0, 251)
	for i := 0; i < 250; i++ {
		require.Equal(t, byte(0x41), got[i])
	}
	require.Equal(t, byte(0x42), got[250])
}

func TestLevelGrowthBoundary(t *testing.T) {
	h, _ := newTestHandle(t)

	// Fill exactly the level-1 ceiling: 29 root ids of one leaf each.
	data := blobtestutil.Pattern(1, int(testLevel1Max))
	appendBytes(t, h, data)
	require.Equal(t, 1, h.Levels())
	require.Equal(t, 17+8*29, h.RefSize())

	appendBytes(t, h, []byte{0x7f})
	require.Equal(t, 2, h.Levels())
	require.Equal(t, testLevel1Max+1, h.ValueSize())
	require.Equal(t, 17+8, h.RefSize())

	// Every byte survived the level change.
	got := readAt(t, h, 0, h.ValueSize())
	require.Equal(t, data, got[:len(data)])
	require.Equal(t, byte(0x7f), got[len(data)])
}

func TestPrependShift(t *testing.T) {
	h, _ := newTestHandle(t)

	data := blobtestutil.Pattern(7, 10_000)
	appendBytes(t, h, data)
	require.Equal(t, 1, h.Levels())

	require.NoError(t, h.Prepend(context.Background(), 5000))
	require.Equal(t, int64(15_000), h.ValueSize())
	require.Equal(t, 1, h.Levels())

	// The shift slides coverage right by whole leaves, so the new
	// value_offset lands within the first leaf and the original data keeps
	// its old blocks.
	offset := bigOffset(h.ref, h.maxreflen)
	require.GreaterOrEqual(t, offset, int64(0))
	require.Less(t, offset, int64(testLeafSize))
	require.LessOrEqual(t, offset+15_000, testLevel1Max)

	require.Equal(t, data, readAt(t, h, 5000, 10_000))

	front := blobtestutil.Pattern(9, 5000)
	writeAt(t, h, 0, front)
	require.Equal(t, front, readAt(t, h, 0, 5000))
	require.Equal(t, data, readAt(t, h, 5000, 10_000))
}

func TestTruncateToZero(t *testing.T) {
	h, cache := newTestHandle(t)

	data := blobtestutil.Pattern(3, 1_000_000)
	appendBytes(t, h, data)
	require.GreaterOrEqual(t, h.Levels(), 2)

	require.NoError(t, h.Unappend(context.Background(), 1_000_000))
	require.Equal(t, int64(0), h.ValueSize())
	require.Equal(t, 0, h.Levels())
	require.Equal(t, 1, h.RefSize())

	// Every block the tree ever allocated is back on the free list.
	require.Equal(t, int(cache.HighWater())-1, cache.FreeCount())
}

func TestAppendUnappendInverse(t *testing.T) {
	h, _ := newTestHandle(t)

	base := blobtestutil.Pattern(11, 20_000)
	appendBytes(t, h, base)
	refSizeBefore := h.RefSize()

	require.NoError(t, h.Append(context.Background(), 300_000))
	require.NoError(t, h.Unappend(context.Background(), 300_000))

	require.Equal(t, int64(20_000), h.ValueSize())
	require.Equal(t, refSizeBefore, h.RefSize())
	require.Equal(t, base, readAt(t, h, 0, 20_000))
}

func TestPrependUnprependInverse(t *testing.T) {
	h, _ := newTestHandle(t)

	base := blobtestutil.Pattern(13, 20_000)
	appendBytes(t, h, base)
	refSizeBefore := h.RefSize()

	require.NoError(t, h.Prepend(context.Background(), 300_000))
	require.NoError(t, h.Unprepend(context.Background(), 300_000))

	require.Equal(t, int64(20_000), h.ValueSize())
	require.Equal(t, refSizeBefore, h.RefSize())
	require.Equal(t, base, readAt(t, h, 0, 20_000))
}

func TestInlinePrepend(t *testing.T) {
	h, _ := newTestHandle(t)

	appendBytes(t, h, []byte("world"))
	require.NoError(t, h.Prepend(context.Background(), 6))
	require.Equal(t, 0, h.Levels())
	require.Equal(t, int64(11), h.ValueSize())
	writeAt(t, h, 0, []byte("hello "))
	require.Equal(t, []byte("hello world"), readAt(t, h, 0, 11))

	require.NoError(t, h.Unprepend(context.Background(), 6))
	require.Equal(t, []byte("world"), readAt(t, h, 0, 5))
}

func TestInlineUnappend(t *testing.T) {
	h, _ := newTestHandle(t)
	appendBytes(t, h, []byte("hello world"))
	require.NoError(t, h.Unappend(context.Background(), 6))
	require.Equal(t, int64(5), h.ValueSize())
	require.Equal(t, []byte("hello"), readAt(t, h, 0, 5))
}

func TestLargeUnprepend(t *testing.T) {
	h, _ := newTestHandle(t)

	data := blobtestutil.Pattern(17, 50_000)
	appendBytes(t, h, data)
	require.NoError(t, h.Unprepend(context.Background(), 30_000))
	require.Equal(t, int64(20_000), h.ValueSize())
	require.Equal(t, data[30_000:], readAt(t, h, 0, 20_000))
}

func TestUnprependToInline(t *testing.T) {
	h, _ := newTestHandle(t)

	data := blobtestutil.Pattern(19, 10_000)
	appendBytes(t, h, data)
	require.Equal(t, 1, h.Levels())

	// Shrinking to under the inline ceiling folds the last leaf back into
	// the reference word, as long as the survivors share one leaf.
	require.NoError(t, h.Unprepend(context.Background(), 9_900))
	require.Equal(t, int64(100), h.ValueSize())
	require.Equal(t, 0, h.Levels())
	require.Equal(t, data[9_900:], readAt(t, h, 0, 100))
}

func TestMutationsRejectBadArguments(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	require.Error(t, h.Append(ctx, -1))
	require.Error(t, h.Prepend(ctx, -1))
	require.Error(t, h.Unappend(ctx, -1))
	require.Error(t, h.Unappend(ctx, 1))
	require.Error(t, h.Unprepend(ctx, 1))

	appendBytes(t, h, []byte("xyz"))
	require.Error(t, h.Unappend(ctx, 4))
	require.NoError(t, h.Unappend(ctx, 0))
	require.Equal(t, int64(3), h.ValueSize())
}

func TestCanceledContextLeavesRefUnchanged(t *testing.T) {
	h, _ := newTestHandle(t)

	base := blobtestutil.Pattern(23, 10_000)
	appendBytes(t, h, base)
	refBefore := append([]byte(nil), h.ref[:h.RefSize()]...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, h.Append(ctx, 500_000))
	require.Equal(t, refBefore, h.ref[:h.RefSize()])
	require.Equal(t, base, readAt(t, h, 0, 10_000))

	require.Error(t, h.Prepend(ctx, 500_000))
	require.Equal(t, refBefore, h.ref[:h.RefSize()])
}
