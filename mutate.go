package blobkv

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/chipstorage/blobkv/internal/blockstore"
)

// Append extends the value by n bytes at the right, leaving the new bytes'
// contents unspecified. Callers fill them in with a subsequent
// ExposeRegion(write, oldSize, n). Append is either fully applied (ref_
// updated, every newly-covered block allocated) or a no-op.
func (h *Handle) Append(ctx context.Context, n int64) error {
	if n < 0 {
		return errors.AssertionFailedf("blobkv: Append with negative n=%d", n)
	}
	if n == 0 {
		return nil
	}
	levels := h.levels()
	oldSize := h.ValueSize()
	newSize := oldSize + n

	var u undo
	u.begin(h)
	for {
		oldOffset := h.currentValueOffset(levels)
		ok, err := h.allocateToDimensions(ctx, levels, oldOffset, oldSize, oldOffset, newSize, &u.allocated)
		if err != nil {
			u.rollback(h)
			return err
		}
		if ok {
			break
		}
		levels, err = h.addLevel(ctx, levels, &u.allocated)
		if err != nil {
			u.rollback(h)
			return err
		}
	}
	h.checkCanonical(levels)
	return nil
}

// Prepend extends the value by n bytes at the left, leaving the new bytes'
// contents unspecified. When the current value_offset leaves no room at the
// left edge, the tree's coverage is slid right (a whole number of root
// steps, relabeling block-id slots without touching any data) before the
// new left-edge blocks are allocated; when even that cannot fit, the tree
// gains a level and the loop retries.
func (h *Handle) Prepend(ctx context.Context, n int64) error {
	if n < 0 {
		return errors.AssertionFailedf("blobkv: Prepend with negative n=%d", n)
	}
	if n == 0 {
		return nil
	}
	levels := h.levels()
	oldSize := h.ValueSize()
	newSize := oldSize + n

	if levels == 0 && sizeWouldBeSmall(int(newSize), h.maxreflen) {
		b := smallBuffer(h.ref, h.maxreflen)
		copy(b[n:newSize], b[:oldSize])
		setSmallSize(h.ref, h.maxreflen, int(newSize))
		h.checkCanonical(0)
		return nil
	}

	var u undo
	u.begin(h)
	for {
		curOffset := h.currentValueOffset(levels)
		minShift := n - curOffset
		shiftOK, err := h.shiftAtLeast(levels, minShift)
		if err != nil {
			u.rollback(h)
			return err
		}
		if !shiftOK {
			levels, err = h.addLevel(ctx, levels, &u.allocated)
			if err != nil {
				u.rollback(h)
				return err
			}
			continue
		}

		curOffset = h.currentValueOffset(levels)
		newOffset := curOffset - n
		allocOK, err := h.allocateToDimensions(ctx, levels, curOffset, oldSize, newOffset, newSize, &u.allocated)
		if err != nil {
			u.rollback(h)
			return err
		}
		if allocOK {
			break
		}
		levels, err = h.addLevel(ctx, levels, &u.allocated)
		if err != nil {
			u.rollback(h)
			return err
		}
	}
	h.checkCanonical(levels)
	return nil
}

// Unappend drops the last n bytes of the value, freeing every block the
// shrunk window no longer covers and collapsing levels that end up with a
// single live child.
func (h *Handle) Unappend(ctx context.Context, n int64) error {
	if n < 0 || n > h.ValueSize() {
		return errors.AssertionFailedf("blobkv: Unappend n=%d out of range for value size %d", n, h.ValueSize())
	}
	if n == 0 {
		return nil
	}
	levels := h.levels()
	newSize := h.ValueSize() - n

	if levels == 0 {
		setSmallSize(h.ref, h.maxreflen, int(newSize))
		h.checkCanonical(0)
		return nil
	}

	offset := bigOffset(h.ref, h.maxreflen)
	newOffset := offset
	if newSize == 0 {
		newOffset = 0
	}
	if err := h.deallocateToDimensions(ctx, newOffset, newSize); err != nil {
		return err
	}
	setBigOffset(h.ref, h.maxreflen, newOffset)
	setBigSize(h.ref, h.maxreflen, newSize)

	for {
		newLevels, removed, err := h.removeLevel(ctx, levels)
		if err != nil {
			return err
		}
		if !removed {
			break
		}
		levels = newLevels
	}
	h.checkCanonical(levels)
	return nil
}

// Unprepend drops the first n bytes of the value.
func (h *Handle) Unprepend(ctx context.Context, n int64) error {
	if n < 0 || n > h.ValueSize() {
		return errors.AssertionFailedf("blobkv: Unprepend n=%d out of range for value size %d", n, h.ValueSize())
	}
	if n == 0 {
		return nil
	}
	levels := h.levels()
	newSize := h.ValueSize() - n

	if levels == 0 {
		b := smallBuffer(h.ref, h.maxreflen)
		copy(b, b[n:n+newSize])
		setSmallSize(h.ref, h.maxreflen, int(newSize))
		h.checkCanonical(0)
		return nil
	}

	offset := bigOffset(h.ref, h.maxreflen)
	newOffset := offset + n
	if newSize == 0 {
		newOffset = 0
	}
	if err := h.deallocateToDimensions(ctx, newOffset, newSize); err != nil {
		return err
	}
	setBigOffset(h.ref, h.maxreflen, newOffset)
	setBigSize(h.ref, h.maxreflen, newSize)

	for {
		newLevels, removed, err := h.removeLevel(ctx, levels)
		if err != nil {
			return err
		}
		if !removed {
			break
		}
		levels = newLevels
	}
	h.checkCanonical(levels)
	return nil
}

// undo captures the state a structural mutation needs to be a no-op on
// failure: the reference word as of the operation's start and every block
// id the operation allocated so far. Rollback restores the former and frees
// the latter, so a mid-operation cache failure leaves no trace: mutations
// are fully applied or not applied at all.
type undo struct {
	ref       []byte
	allocated []blockstore.BlockID
}

func (u *undo) begin(h *Handle) {
	u.ref = append(u.ref[:0], h.ref...)
}

func (u *undo) rollback(h *Handle) {
	copy(h.ref, u.ref)
	for _, id := range u.allocated {
		_ = h.cache.Free(context.Background(), id)
	}
	u.allocated = nil
}

// allocateToDimensions attempts to grow the tree's realized window from
// [oldOffset, oldOffset+oldSize) to [newOffset, newOffset+newSize) at the
// given level. It succeeds (and commits ref_'s value_size/value_offset,
// allocating every newly-covered block along the way) iff the new window
// fits within [0, max_end_offset(levels)]; otherwise it reports failure so
// the caller can add a level and retry.
func (h *Handle) allocateToDimensions(ctx context.Context, levels int, oldOffset, oldSize, newOffset, newSize int64, allocated *[]blockstore.BlockID) (bool, error) {
	if newOffset > oldOffset || newOffset+newSize < oldOffset+oldSize {
		return false, errors.AssertionFailedf(
			"blobkv: allocateToDimensions window [%d,%d) does not contain old window [%d,%d)",
			newOffset, newOffset+newSize, oldOffset, oldOffset+oldSize)
	}
	blockSize := h.cache.BlockSize()
	maxEnd := maxEndOffset(blockSize, levels, h.maxreflen)
	if newOffset < 0 || newOffset+newSize > maxEnd {
		return false, nil
	}

	if levels == 0 {
		setSmallSize(h.ref, h.maxreflen, int(newSize))
		return true, nil
	}

	err := h.allocateRecursively(ctx, levels, rootBlockIDs(h.ref, h.maxreflen), oldOffset, oldSize, newOffset, newSize, allocated)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	setBigOffset(h.ref, h.maxreflen, newOffset)
	setBigSize(h.ref, h.maxreflen, newSize)
	markLarge(h.ref, h.maxreflen)
	return true, nil
}

// allocateRecursively walks blockIDs (the block-id array addressing
// [0, max coverage at levels) in this subtree's own local coordinates),
// allocating any child newly brought into coverage by the growth from
// (oldOffset, oldSize) to (newOffset, newSize). Only the edge children can
// have changed: on the left, every index from newLo up to and including the
// re-entered oldLo when the leftmost leaf moved; on the right, the former
// last child (whose sub-window may have grown within its own span) and
// every index past it. allocated accumulates every freshly-allocated block
// id so a failure anywhere in the call can roll back the whole operation.
func (h *Handle) allocateRecursively(ctx context.Context, levels int, blockIDs []byte, oldOffset, oldSize, newOffset, newSize int64, allocated *[]blockstore.BlockID) error {
	blockSize := h.cache.BlockSize()
	oldLo, oldHi := computeAcquisitionRange(blockSize, levels, oldOffset, oldSize)
	newLo, newHi := computeAcquisitionRange(blockSize, levels, newOffset, newSize)
	leaf := leafSize(blockSize)

	leftGrew := newOffset/leaf < oldOffset/leaf
	if leftGrew {
		for i := newLo; i <= oldLo; i++ {
			if err := h.allocateIndex(ctx, levels, blockIDs, i, oldOffset, oldSize, newOffset, newSize, allocated); err != nil {
				return err
			}
		}
	}
	if ceilDiv(newOffset+newSize, leaf) > ceilDiv(oldOffset+oldSize, leaf) {
		// The former last child is re-entered so its own sub-tree can grow;
		// with an empty old window there is none, so start at the first
		// covered index. A left pass that already visited the lone existing
		// child must not visit it again.
		start := oldHi - 1
		if start < oldLo {
			start = oldLo
		}
		if leftGrew && start <= oldLo {
			start = oldLo + 1
		}
		for i := start; i < newHi; i++ {
			if err := h.allocateIndex(ctx, levels, blockIDs, i, oldOffset, oldSize, newOffset, newSize, allocated); err != nil {
				return err
			}
		}
	}
	return nil
}

// allocateIndex ensures block-id slot index of blockIDs is populated: a
// slot already holding data is re-acquired in write mode (its sub-window
// may have grown within the same block), an empty slot gets a fresh block
// stamped with the level's magic. At levels > 1 it then recurses into that
// child's own id array.
func (h *Handle) allocateIndex(ctx context.Context, levels int, blockIDs []byte, index int, oldOffset, oldSize, newOffset, newSize int64, allocated *[]blockstore.BlockID) error {
	blockSize := h.cache.BlockSize()
	step := stepsize(blockSize, levels)
	subOldOffset, subOldSize := shrink(blockSize, levels, oldOffset, oldSize, index)
	subNewOffset, subNewSize := shrink(blockSize, levels, newOffset, newSize, index)
	if subNewSize == 0 {
		return nil
	}
	childOldOffset := subOldOffset - int64(index)*step
	childNewOffset := subNewOffset - int64(index)*step

	var buf *blockstore.Buf
	var err error
	if subOldSize > 0 {
		buf, err = h.cache.Acquire(ctx, idAt(blockIDs, index), blockstore.Write)
		if err != nil {
			return err
		}
	} else {
		buf, err = h.cache.Allocate(ctx)
		if err != nil {
			return err
		}
		*allocated = append(*allocated, buf.ID())
		setIDAt(blockIDs, index, buf.ID())
		data := buf.WriteData()
		if levels == 1 {
			copy(data[:4], leafMagic)
		} else {
			copy(data[:4], internalMagic)
		}
	}

	if levels > 1 {
		childIDs := internalChildIDs(buf.WriteData())
		err = h.allocateRecursively(ctx, levels-1, childIDs, childOldOffset, subOldSize, childNewOffset, subNewSize, allocated)
	}
	h.cache.Release(buf)
	return err
}

// deallocateToDimensions frees every block no longer covered by shrinking
// the tree's realized window to [newOffset, newOffset+newSize) from its
// current (value_offset, valuesize). The walk first collects every doomed
// block id with read acquisitions only, then frees them in leaf-first
// order; a failure during the walk therefore frees nothing, leaving the
// tree fully intact. ref_'s own fields are the caller's to commit.
func (h *Handle) deallocateToDimensions(ctx context.Context, newOffset, newSize int64) error {
	levels := h.levels()
	if levels == 0 {
		return nil
	}
	oldOffset := bigOffset(h.ref, h.maxreflen)
	oldSize := bigSize(h.ref, h.maxreflen)
	var doomed []blockstore.BlockID
	if err := h.collectDoomed(ctx, levels, rootBlockIDs(h.ref, h.maxreflen), oldOffset, oldSize, newOffset, newSize, &doomed); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range doomed {
		if err := h.cache.Free(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// collectDoomed walks blockIDs gathering every child index that fell
// entirely outside the shrunk [newOffset, newOffset+newSize) window, recursing into
// any index still partially covered whose own sub-window shrank. Subtree
// ids are appended leaf-first, so freeing in collection order never frees
// an internal block before its children.
func (h *Handle) collectDoomed(ctx context.Context, levels int, blockIDs []byte, oldOffset, oldSize, newOffset, newSize int64, doomed *[]blockstore.BlockID) error {
	blockSize := h.cache.BlockSize()
	oldLo, oldHi := computeAcquisitionRange(blockSize, levels, oldOffset, oldSize)
	newLo, newHi := computeAcquisitionRange(blockSize, levels, newOffset, newSize)
	step := stepsize(blockSize, levels)

	for i := oldLo; i < oldHi; i++ {
		subOld0, subOld1 := shrink(blockSize, levels, oldOffset, oldSize, i)
		childOld0 := subOld0 - int64(i)*step

		if i < newLo || i >= newHi {
			if err := h.collectSubtree(ctx, levels, blockIDs, i, childOld0, subOld1, doomed); err != nil {
				return err
			}
			continue
		}
		if levels == 1 {
			continue
		}
		subNew0, subNew1 := shrink(blockSize, levels, newOffset, newSize, i)
		if subOld0 == subNew0 && subOld1 == subNew1 {
			continue
		}
		childNew0 := subNew0 - int64(i)*step
		buf, err := h.cache.Acquire(ctx, idAt(blockIDs, i), blockstore.Read)
		if err != nil {
			return err
		}
		childIDs := internalChildIDs(buf.ReadData())
		err = h.collectDoomed(ctx, levels-1, childIDs, childOld0, subOld1, childNew0, subNew1, doomed)
		h.cache.Release(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// collectSubtree appends the block at blockIDs[index] and, if it is
// internal, every block it transitively references, children before
// parent.
func (h *Handle) collectSubtree(ctx context.Context, levels int, blockIDs []byte, index int, localOffset, localSize int64, doomed *[]blockstore.BlockID) error {
	id := idAt(blockIDs, index)
	if levels > 1 {
		buf, err := h.cache.Acquire(ctx, id, blockstore.Read)
		if err != nil {
			return err
		}
		childIDs := internalChildIDs(buf.ReadData())
		blockSize := h.cache.BlockSize()
		lo, hi := computeAcquisitionRange(blockSize, levels-1, localOffset, localSize)
		step := stepsize(blockSize, levels-1)
		for j := lo; j < hi; j++ {
			sub0, sub1 := shrink(blockSize, levels-1, localOffset, localSize, j)
			if err := h.collectSubtree(ctx, levels-1, childIDs, j, sub0-int64(j)*step, sub1, doomed); err != nil {
				h.cache.Release(buf)
				return err
			}
		}
		h.cache.Release(buf)
	}
	*doomed = append(*doomed, id)
	return nil
}

// addLevel raises levels by one, returning the new level count. Going from
// 0 (inline) to 1 moves any inline bytes into a freshly allocated leaf
// block and marks ref_ large with value_offset 0; an empty inline value
// allocates nothing and leaves the root id array empty for the subsequent
// allocate pass to fill. Going from levels >= 1 to levels+1 wraps the
// current root block-id array into a freshly allocated internal block,
// which becomes the sole first entry of the new root; value_offset and
// valuesize are untouched (the window doesn't grow here, only the tree's
// addressable span does).
func (h *Handle) addLevel(ctx context.Context, levels int, allocated *[]blockstore.BlockID) (int, error) {
	if levels == 0 {
		size := h.ValueSize()
		var leafID blockstore.BlockID
		if size > 0 {
			buf, err := h.cache.Allocate(ctx)
			if err != nil {
				return levels, err
			}
			*allocated = append(*allocated, buf.ID())
			data := buf.WriteData()
			copy(data[:4], leafMagic)
			copy(leafData(data), smallBuffer(h.ref, h.maxreflen)[:size])
			leafID = buf.ID()
			h.cache.Release(buf)
		}

		markLarge(h.ref, h.maxreflen)
		setBigSize(h.ref, h.maxreflen, size)
		setBigOffset(h.ref, h.maxreflen, 0)
		if size > 0 {
			setIDAt(rootBlockIDs(h.ref, h.maxreflen), 0, leafID)
		}
		return 1, nil
	}

	if bigSize(h.ref, h.maxreflen) == 0 {
		// Nothing to wrap: a zero-length window addresses no children, so
		// the taller tree starts out just as empty.
		return levels + 1, nil
	}

	buf, err := h.cache.Allocate(ctx)
	if err != nil {
		return levels, err
	}
	*allocated = append(*allocated, buf.ID())
	data := buf.WriteData()
	copy(data[:4], internalMagic)
	copy(internalChildIDs(data), rootBlockIDs(h.ref, h.maxreflen))
	newRootID := buf.ID()
	h.cache.Release(buf)

	setIDAt(rootBlockIDs(h.ref, h.maxreflen), 0, newRootID)
	return levels + 1, nil
}

// removeLevel lowers levels by one when the root addresses exactly one live
// child, lifting that child into the new root and re-basing value_offset to
// the child's own coordinate frame. At levels == 1, lifting the child means
// converting back to inline, which only happens once the value is small
// enough to fit. A lift that would leave the re-based window outside
// max_end_offset(levels-1) is refused: the reference's encoded level must
// keep agreeing with the minimal level covering its end offset.
func (h *Handle) removeLevel(ctx context.Context, levels int) (newLevels int, removed bool, err error) {
	if levels == 0 {
		return 0, false, nil
	}
	blockSize := h.cache.BlockSize()
	offset := bigOffset(h.ref, h.maxreflen)
	size := bigSize(h.ref, h.maxreflen)

	if size == 0 {
		// Every block was freed when the window shrank to nothing; drop
		// straight back to an empty inline reference.
		setSmallSize(h.ref, h.maxreflen, 0)
		return 0, true, nil
	}

	lo, hi := computeAcquisitionRange(blockSize, levels, offset, size)
	if hi-lo != 1 {
		return levels, false, nil
	}
	idx := lo
	step := stepsize(blockSize, levels)
	rootIDs := rootBlockIDs(h.ref, h.maxreflen)
	id := idAt(rootIDs, idx)

	if levels == 1 {
		if size > maxEndOffset(blockSize, 0, h.maxreflen) {
			return levels, false, nil
		}
		buf, err := h.cache.Acquire(ctx, id, blockstore.Read)
		if err != nil {
			return levels, false, err
		}
		localOffset := offset - int64(idx)*step
		data := leafData(buf.ReadData())
		value := append([]byte(nil), data[localOffset:localOffset+size]...)
		h.cache.Release(buf)
		if err := h.cache.Free(ctx, id); err != nil {
			return levels, false, err
		}
		copy(smallBuffer(h.ref, h.maxreflen), value)
		setSmallSize(h.ref, h.maxreflen, int(size))
		return 0, true, nil
	}

	newOffset := offset - int64(idx)*step
	if newOffset+size > maxEndOffset(blockSize, levels-1, h.maxreflen) {
		return levels, false, nil
	}
	buf, err := h.cache.Acquire(ctx, id, blockstore.Read)
	if err != nil {
		return levels, false, err
	}
	childIDs := internalChildIDs(buf.ReadData())
	n := len(rootIDs)
	if len(childIDs) < n {
		n = len(childIDs)
	}
	copy(rootIDs, childIDs[:n])
	h.cache.Release(buf)
	if err := h.cache.Free(ctx, id); err != nil {
		return levels, false, err
	}
	setBigOffset(h.ref, h.maxreflen, newOffset)
	return levels - 1, true, nil
}

// shiftAtLeast adjusts value_offset by some delta >= minShift, a multiple
// of stepsize(levels), while physically moving the existing root block-id
// entries to their new slot positions so that no block's data is touched:
// shifting right by one slot just relabels which array position holds the
// pointer to that block. It succeeds (returns true) whenever some such
// delta keeps the window within [0, max_end_offset(levels)]; at
// minShift <= 0, delta = 0 always trivially qualifies. It fails (and
// leaves ref_ untouched) only when no delta at this level works, at which
// point the caller must add a level and retry.
func (h *Handle) shiftAtLeast(levels int, minShift int64) (bool, error) {
	if minShift <= 0 {
		return true, nil
	}
	if levels == 0 {
		return false, nil
	}
	blockSize := h.cache.BlockSize()
	step := stepsize(blockSize, levels)
	delta := ceilToStepMultiple(minShift, step)

	oldOffset := bigOffset(h.ref, h.maxreflen)
	size := bigSize(h.ref, h.maxreflen)
	newOffset := oldOffset + delta
	maxEnd := maxEndOffset(blockSize, levels, h.maxreflen)
	if newOffset+size > maxEnd {
		return false, nil
	}

	lo, hi := computeAcquisitionRange(blockSize, levels, oldOffset, size)
	shiftSlots := int(delta / step)
	rootIDs := rootBlockIDs(h.ref, h.maxreflen)
	for i := hi - 1; i >= lo; i-- {
		setIDAt(rootIDs, i+shiftSlots, idAt(rootIDs, i))
	}
	setBigOffset(h.ref, h.maxreflen, newOffset)
	return true, nil
}
