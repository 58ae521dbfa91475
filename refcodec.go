package blobkv

import (
	"encoding/binary"

	"github.com/chipstorage/blobkv/internal/blockstore"
)

// leafMagic and internalMagic tag the first four bytes of every tree block
// so that a block read back from disk can be recognized as the wrong kind
// without consulting anything but the block itself.
const (
	leafMagic     = "larl"
	internalMagic = "lari"
)

// A reference word is laid out as:
//
//	[0:w]            size discriminator, w = 1 if maxreflen <= 255 else 2
//	[w:w+8]          value_size  (int64, little-endian) -- large refs only
//	[w+8:w+16]       value_offset (int64, little-endian) -- large refs only
//	[w+16:maxreflen] root block ids (uint64, little-endian), packed
//
// When the discriminator reads less than maxreflen, the reference is
// small: bytes [w:maxreflen] hold the value inline and the remaining
// fields are unused. A discriminator reading exactly maxreflen marks a
// large reference, whose fields above are then meaningful.

func discriminatorWidth(maxreflen int) int {
	if maxreflen <= 255 {
		return 1
	}
	return 2
}

func bigSizeOffset(maxreflen int) int { return discriminatorWidth(maxreflen) }
func bigOffsetOffset(maxreflen int) int { return bigSizeOffset(maxreflen) + 8 }
func blockIDsOffset(maxreflen int) int  { return bigOffsetOffset(maxreflen) + 8 }

func smallSize(ref []byte, maxreflen int) int {
	if maxreflen <= 255 {
		return int(ref[0])
	}
	return int(binary.LittleEndian.Uint16(ref[:2]))
}

func setSmallSize(ref []byte, maxreflen, size int) {
	if maxreflen <= 255 {
		ref[0] = byte(size)
	} else {
		binary.LittleEndian.PutUint16(ref[:2], uint16(size))
	}
}

// markLarge stamps ref's size discriminator to maxreflen, the value that
// marks a reference as large regardless of what its value_size/value_offset
// fields currently hold. Callers set those fields separately.
func markLarge(ref []byte, maxreflen int) {
	if maxreflen <= 255 {
		ref[0] = byte(maxreflen)
	} else {
		binary.LittleEndian.PutUint16(ref[:2], uint16(maxreflen))
	}
}

// sizeWouldBeSmall reports whether a value of the given size fits inline.
func sizeWouldBeSmall(size, maxreflen int) bool {
	return size <= maxreflen-discriminatorWidth(maxreflen)
}

func isSmall(ref []byte, maxreflen int) bool {
	return smallSize(ref, maxreflen) < maxreflen
}

func smallBuffer(ref []byte, maxreflen int) []byte {
	return ref[discriminatorWidth(maxreflen):maxreflen]
}

func bigSize(ref []byte, maxreflen int) int64 {
	off := bigSizeOffset(maxreflen)
	return int64(binary.LittleEndian.Uint64(ref[off : off+8]))
}

func setBigSize(ref []byte, maxreflen int, v int64) {
	off := bigSizeOffset(maxreflen)
	binary.LittleEndian.PutUint64(ref[off:off+8], uint64(v))
}

func bigOffset(ref []byte, maxreflen int) int64 {
	off := bigOffsetOffset(maxreflen)
	return int64(binary.LittleEndian.Uint64(ref[off : off+8]))
}

func setBigOffset(ref []byte, maxreflen int, v int64) {
	off := bigOffsetOffset(maxreflen)
	binary.LittleEndian.PutUint64(ref[off:off+8], uint64(v))
}

// rootBlockIDs returns the raw packed root block-id array. It is addressed
// by absolute tree index at the root's level: a large reference's window
// never ends past max_end_offset(levels), so every index ever used to read
// or write it is less than its capacity.
func rootBlockIDs(ref []byte, maxreflen int) []byte {
	return ref[blockIDsOffset(maxreflen):maxreflen]
}

func idAt(raw []byte, i int) blockstore.BlockID {
	off := i * 8
	return blockstore.BlockID(binary.LittleEndian.Uint64(raw[off : off+8]))
}

func setIDAt(raw []byte, i int, id blockstore.BlockID) {
	off := i * 8
	binary.LittleEndian.PutUint64(raw[off:off+8], uint64(id))
}

func internalChildIDs(blockData []byte) []byte { return blockData[4:] }
func leafData(blockData []byte) []byte         { return blockData[4:] }

func leafSize(blockSize int) int64 { return int64(blockSize) - 4 }

func internalFanout(blockSize int) int64 { return (int64(blockSize) - 4) / 8 }

func rootFanoutMax(maxreflen int) int64 {
	return int64(maxreflen-blockIDsOffset(maxreflen)) / 8
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ceilToStepMultiple returns the smallest multiple of step that is >= x,
// for any sign of x (step is always positive).
func ceilToStepMultiple(x, step int64) int64 {
	q := x / step
	r := x % step
	if r > 0 {
		q++
	}
	return q * step
}

func clamp64(x, lo, hi int64) int64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// bigRefInfo computes the byte length and tree depth of a large reference
// whose value occupies [offset, offset+size) in absolute tree coordinates.
// levels is the smallest integer such that the root can address that span
// with no more than rootFanoutMax(maxreflen) block ids.
func bigRefInfo(blockSize int, offset, size int64, maxreflen int) (refBytes int, levels int) {
	maxRootIDs := rootFanoutMax(maxreflen)
	blockCount := ceilDiv(size+offset, leafSize(blockSize))
	if blockCount == 0 {
		blockCount = 1
	}
	levels = 1
	for blockCount > maxRootIDs {
		blockCount = ceilDiv(blockCount, internalFanout(blockSize))
		levels++
	}
	return blockIDsOffset(maxreflen) + 8*int(blockCount), levels
}

// refInfo returns the on-disk byte length of ref and, for a large
// reference, the tree's current depth (0 for a small/inline reference).
func refInfo(blockSize int, ref []byte, maxreflen int) (refBytes int, levels int) {
	ss := smallSize(ref, maxreflen)
	if ss <= maxreflen-discriminatorWidth(maxreflen) {
		return discriminatorWidth(maxreflen) + ss, 0
	}
	return bigRefInfo(blockSize, bigOffset(ref, maxreflen), bigSize(ref, maxreflen), maxreflen)
}

func refByteLength(blockSize int, ref []byte, maxreflen int) int {
	n, _ := refInfo(blockSize, ref, maxreflen)
	return n
}

func refLevels(blockSize int, ref []byte, maxreflen int) int {
	_, levels := refInfo(blockSize, ref, maxreflen)
	return levels
}

func refValueOffset(ref []byte, maxreflen int) int64 {
	if isSmall(ref, maxreflen) {
		return 0
	}
	return bigOffset(ref, maxreflen)
}

func valueSizeOf(ref []byte, maxreflen int) int64 {
	if isSmall(ref, maxreflen) {
		return int64(smallSize(ref, maxreflen))
	}
	return bigSize(ref, maxreflen)
}

// stepsize is the span of absolute byte offsets covered by a single child
// at the given tree depth: one leaf's worth at levels==1, widening by a
// factor of internalFanout per additional level.
func stepsize(blockSize, levels int) int64 {
	step := leafSize(blockSize)
	for i := 0; i < levels-1; i++ {
		step *= internalFanout(blockSize)
	}
	return step
}

// maxEndOffset is the largest value_offset+value_size a tree of the given
// depth can address using no more than rootFanoutMax(maxreflen) root ids.
func maxEndOffset(blockSize, levels, maxreflen int) int64 {
	if levels == 0 {
		return int64(maxreflen - discriminatorWidth(maxreflen))
	}
	return stepsize(blockSize, levels) * rootFanoutMax(maxreflen)
}

// shrink clamps the absolute window [offset, offset+size) to child index's
// own absolute span [index*step, (index+1)*step), returning the clamped
// sub-window in the same absolute coordinates.
func shrink(blockSize, levels int, offset, size int64, index int) (subOffset, subSize int64) {
	step := stepsize(blockSize, levels)
	lo := int64(index) * step
	hi := lo + step
	subOffset = clamp64(offset, lo, hi)
	subSize = clamp64(offset+size, lo, hi) - subOffset
	return subOffset, subSize
}

// computeAcquisitionRange returns the half-open [lo, hi) range of child
// indices, at the given tree depth, that the window [offset, offset+size)
// overlaps.
func computeAcquisitionRange(blockSize, levels int, offset, size int64) (lo, hi int) {
	step := stepsize(blockSize, levels)
	lo = int(offset / step)
	hi = int(ceilDiv(offset+size, step))
	return lo, hi
}
