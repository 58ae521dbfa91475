package blobkv

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/chipstorage/blobkv/internal/blockstore"
)

// BufferGroup is an ordered list of byte spans that together realize a
// contiguous logical byte range, possibly backed by several
// non-contiguous leaf blocks.
type BufferGroup struct {
	spans [][]byte
}

// Spans returns the group's spans in logical order.
func (bg *BufferGroup) Spans() [][]byte { return bg.spans }

// Len returns the total number of bytes across every span.
func (bg *BufferGroup) Len() int64 {
	var n int64
	for _, s := range bg.spans {
		n += int64(len(s))
	}
	return n
}

// Bytes copies every span into a single contiguous slice. It exists for
// callers (and tests) that want a simple []byte rather than walking spans
// by hand; the blob engine itself never needs it on a hot path.
func (bg *BufferGroup) Bytes() []byte {
	out := make([]byte, 0, bg.Len())
	for _, s := range bg.spans {
		out = append(out, s...)
	}
	return out
}

// CopyFrom fills every span of bg, in order, from src, which must hold
// exactly bg.Len() bytes. bg must have been acquired in write mode.
func (bg *BufferGroup) CopyFrom(src []byte) {
	off := 0
	for _, s := range bg.spans {
		off += copy(s, src[off:])
	}
}

// AcqGroup holds the block acquisitions backing a BufferGroup's spans
// alive. Callers must call Release exactly once, after they are done
// reading or writing through the buffer group's spans.
type AcqGroup struct {
	cache *blockstore.Cache
	bufs  []*blockstore.Buf
}

// Release releases every block this group holds.
func (ag *AcqGroup) Release() {
	for _, b := range ag.bufs {
		ag.cache.Release(b)
	}
	ag.bufs = nil
}

// acqNode is one node of the temporary descent tree built by makeTree: a
// leaf holds an acquired block, an internal node holds its children.
// Exactly one of the two is populated.
type acqNode struct {
	buf      *blockstore.Buf
	children []acqNode
}

func releaseTree(cache *blockstore.Cache, nodes []acqNode) {
	for _, n := range nodes {
		if n.buf != nil {
			cache.Release(n.buf)
		}
		if n.children != nil {
			releaseTree(cache, n.children)
		}
	}
}

// makeTree acquires every leaf block that intersects [offset, offset+size)
// in absolute tree coordinates, descending through blockIDs. It is phase 1
// of expose_region's two-phase protocol: sibling subtrees own disjoint
// blocks, so read-mode descents fan out concurrently via errgroup. Write
// mode descends serially in ascending index order instead, giving every
// writer the same global lock order when two exposures overlap.
func makeTree(ctx context.Context, cache *blockstore.Cache, mode blockstore.AccessMode, levels int, offset, size int64, blockIDs []byte) ([]acqNode, error) {
	blockSize := cache.BlockSize()
	lo, hi := computeAcquisitionRange(blockSize, levels, offset, size)
	nodes := make([]acqNode, hi-lo)
	step := stepsize(blockSize, levels)

	visit := func(ctx context.Context, i int) error {
		idx := lo + i
		id := idAt(blockIDs, idx)
		buf, err := cache.Acquire(ctx, id, mode)
		if err != nil {
			return err
		}
		if levels == 1 {
			nodes[i].buf = buf
			return nil
		}
		childIDs := internalChildIDs(buf.ReadData())
		subOffset, subSize := shrink(blockSize, levels, offset, size, idx)
		childOffset := subOffset - int64(idx)*step
		children, err := makeTree(ctx, cache, mode, levels-1, childOffset, subSize, childIDs)
		cache.Release(buf)
		if err != nil {
			return err
		}
		nodes[i].children = children
		return nil
	}

	if mode == blockstore.Write {
		for i := 0; i < hi-lo; i++ {
			if err := visit(ctx, i); err != nil {
				releaseTree(cache, nodes)
				return nil, err
			}
		}
		return nodes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < hi-lo; i++ {
		i := i
		g.Go(func() error { return visit(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		releaseTree(cache, nodes)
		return nil, err
	}
	return nodes, nil
}

// exposeTree is phase 2 of expose_region: a deterministic, serial,
// ascending-order walk of the tree built by makeTree, appending one span
// per leaf to bufferGroup and transferring every leaf acquisition into
// acqGroup.
func exposeTree(cache *blockstore.Cache, mode blockstore.AccessMode, levels int, offset, size int64, nodes []acqNode, bufferGroup *BufferGroup, acqGroup *AcqGroup) {
	blockSize := cache.BlockSize()
	lo, hi := computeAcquisitionRange(blockSize, levels, offset, size)
	step := stepsize(blockSize, levels)

	for i := 0; i < hi-lo; i++ {
		idx := lo + i
		subOffset, subSize := shrink(blockSize, levels, offset, size, idx)
		childOffset := subOffset - int64(idx)*step
		if levels > 1 {
			exposeTree(cache, mode, levels-1, childOffset, subSize, nodes[i].children, bufferGroup, acqGroup)
			continue
		}
		buf := nodes[i].buf
		var data []byte
		if mode == blockstore.Write {
			data = buf.WriteData()
		} else {
			data = buf.ReadData()
		}
		leaf := leafData(data)
		bufferGroup.spans = append(bufferGroup.spans, leaf[childOffset:childOffset+subSize])
		acqGroup.bufs = append(acqGroup.bufs, buf)
	}
}

// ExposeRegion acquires every block backing [offset, offset+size) of this
// handle's value and returns a BufferGroup of spans realizing it plus the
// AcqGroup keeping those acquisitions alive. The caller must call
// acqGroup.Release once it is done with the spans.
func (h *Handle) ExposeRegion(ctx context.Context, mode blockstore.AccessMode, offset, size int64) (*BufferGroup, *AcqGroup, error) {
	if offset < 0 || size < 0 || offset+size > h.ValueSize() {
		return nil, nil, errors.AssertionFailedf(
			"blobkv: expose_region [%d, %d) out of range for value size %d", offset, offset+size, h.ValueSize())
	}

	bufferGroup := &BufferGroup{}
	acqGroup := &AcqGroup{cache: h.cache}
	if size == 0 {
		return bufferGroup, acqGroup, nil
	}

	if isSmall(h.ref, h.maxreflen) {
		b := smallBuffer(h.ref, h.maxreflen)
		bufferGroup.spans = append(bufferGroup.spans, b[offset:offset+size])
		return bufferGroup, acqGroup, nil
	}

	levels := h.levels()
	absOffset := bigOffset(h.ref, h.maxreflen) + offset
	rootIDs := rootBlockIDs(h.ref, h.maxreflen)

	nodes, err := makeTree(ctx, h.cache, mode, levels, absOffset, size, rootIDs)
	if err != nil {
		return nil, nil, err
	}
	exposeTree(h.cache, mode, levels, absOffset, size, nodes, bufferGroup, acqGroup)
	return bufferGroup, acqGroup, nil
}
