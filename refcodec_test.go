package blobkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Reference parameters most tests use: 4096-byte blocks and the 251-byte
// reference word. leaf_size 4092, internal fanout 511, and a root that can
// hold (251-17)/8 = 29 block ids.
const (
	testBlockSize = 4096
	testMaxRefLen = 251

	testLeafSize  = testBlockSize - 4
	testRootIDs   = (testMaxRefLen - 17) / 8
	testLevel1Max = int64(testLeafSize) * testRootIDs
)

func TestDiscriminatorWidth(t *testing.T) {
	require.Equal(t, 1, discriminatorWidth(251))
	require.Equal(t, 1, discriminatorWidth(255))
	require.Equal(t, 2, discriminatorWidth(256))
	require.Equal(t, 2, discriminatorWidth(1000))
}

func TestSmallRefRoundTrip(t *testing.T) {
	ref := make([]byte, testMaxRefLen)
	setSmallSize(ref, testMaxRefLen, 0)
	require.True(t, isSmall(ref, testMaxRefLen))
	require.Equal(t, 0, smallSize(ref, testMaxRefLen))
	require.Equal(t, 1, refByteLength(testBlockSize, ref, testMaxRefLen))

	setSmallSize(ref, testMaxRefLen, 250)
	require.True(t, isSmall(ref, testMaxRefLen))
	require.Equal(t, 250, smallSize(ref, testMaxRefLen))
	require.Equal(t, 251, refByteLength(testBlockSize, ref, testMaxRefLen))
	require.Equal(t, 0, refLevels(testBlockSize, ref, testMaxRefLen))

	require.True(t, sizeWouldBeSmall(250, testMaxRefLen))
	require.False(t, sizeWouldBeSmall(251, testMaxRefLen))
}

func TestWideDiscriminator(t *testing.T) {
	const maxreflen = 1000
	ref := make([]byte, maxreflen)
	setSmallSize(ref, maxreflen, 700)
	require.True(t, isSmall(ref, maxreflen))
	require.Equal(t, 700, smallSize(ref, maxreflen))
	require.Equal(t, 702, refByteLength(testBlockSize, ref, maxreflen))

	markLarge(ref, maxreflen)
	require.False(t, isSmall(ref, maxreflen))
	setBigSize(ref, maxreflen, 1<<20)
	setBigOffset(ref, maxreflen, 4092)
	require.Equal(t, int64(1<<20), bigSize(ref, maxreflen))
	require.Equal(t, int64(4092), bigOffset(ref, maxreflen))
	// (1000-18)/8 root ids available with a two-byte discriminator.
	require.Equal(t, int64(122), rootFanoutMax(maxreflen))
}

func TestBigRefInfoLevelBoundaries(t *testing.T) {
	tests := []struct {
		offset, size int64
		wantLevels   int
		wantBytes    int
	}{
		{0, 251, 1, 17 + 8},                   // one leaf
		{0, testLevel1Max, 1, 17 + 8*29},      // exactly the level-1 ceiling
		{0, testLevel1Max + 1, 2, 17 + 8},     // one byte past it
		{4092, testLevel1Max - 4092, 1, 17 + 8*29}, // offset consumes coverage too
		{0, 60_639_348, 2, 17 + 8*29},         // exactly the level-2 ceiling
		{0, 60_639_349, 3, 17 + 8},
	}
	for _, tc := range tests {
		gotBytes, gotLevels := bigRefInfo(testBlockSize, tc.offset, tc.size, testMaxRefLen)
		require.Equal(t, tc.wantLevels, gotLevels, "offset=%d size=%d", tc.offset, tc.size)
		require.Equal(t, tc.wantBytes, gotBytes, "offset=%d size=%d", tc.offset, tc.size)
	}
}

func TestStepsizeAndMaxEndOffset(t *testing.T) {
	require.Equal(t, int64(4092), stepsize(testBlockSize, 1))
	require.Equal(t, int64(4092*511), stepsize(testBlockSize, 2))
	require.Equal(t, int64(4092)*511*511, stepsize(testBlockSize, 3))

	require.Equal(t, int64(250), maxEndOffset(testBlockSize, 0, testMaxRefLen))
	require.Equal(t, testLevel1Max, maxEndOffset(testBlockSize, 1, testMaxRefLen))
	require.Equal(t, int64(4092*511)*29, maxEndOffset(testBlockSize, 2, testMaxRefLen))
}

func TestComputeAcquisitionRange(t *testing.T) {
	lo, hi := computeAcquisitionRange(testBlockSize, 1, 0, 4092)
	require.Equal(t, 0, lo)
	require.Equal(t, 1, hi)

	lo, hi = computeAcquisitionRange(testBlockSize, 1, 0, 4093)
	require.Equal(t, 0, lo)
	require.Equal(t, 2, hi)

	lo, hi = computeAcquisitionRange(testBlockSize, 1, 3000, 5000)
	require.Equal(t, 0, lo)
	require.Equal(t, 2, hi)

	lo, hi = computeAcquisitionRange(testBlockSize, 1, 4092, 1)
	require.Equal(t, 1, lo)
	require.Equal(t, 2, hi)

	lo, hi = computeAcquisitionRange(testBlockSize, 2, 4092*511, 10)
	require.Equal(t, 1, lo)
	require.Equal(t, 2, hi)
}

func TestShrink(t *testing.T) {
	// A window straddling two leaves clamps to each leaf's own span.
	subOffset, subSize := shrink(testBlockSize, 1, 3000, 5000, 0)
	require.Equal(t, int64(3000), subOffset)
	require.Equal(t, int64(1092), subSize)

	subOffset, subSize = shrink(testBlockSize, 1, 3000, 5000, 1)
	require.Equal(t, int64(4092), subOffset)
	require.Equal(t, int64(3908), subSize)

	// An index the window doesn't reach shrinks to an empty slice.
	_, subSize = shrink(testBlockSize, 1, 3000, 5000, 3)
	require.Equal(t, int64(0), subSize)
}

func TestRefByteLengthMonotonic(t *testing.T) {
	// refsize depends only on the root block-id count, which grows
	// monotonically with the covered end offset.
	prev := 0
	for size := int64(251); size <= testLevel1Max; size += 4092 {
		got, levels := bigRefInfo(testBlockSize, 0, size, testMaxRefLen)
		require.Equal(t, 1, levels)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestCeilHelpers(t *testing.T) {
	require.Equal(t, int64(0), ceilDiv(0, 4092))
	require.Equal(t, int64(1), ceilDiv(1, 4092))
	require.Equal(t, int64(1), ceilDiv(4092, 4092))
	require.Equal(t, int64(2), ceilDiv(4093, 4092))

	require.Equal(t, int64(4092), ceilToStepMultiple(1, 4092))
	require.Equal(t, int64(4092), ceilToStepMultiple(4092, 4092))
	require.Equal(t, int64(8184), ceilToStepMultiple(4093, 4092))
	require.Equal(t, int64(0), ceilToStepMultiple(0, 4092))
	require.Equal(t, int64(-4092), ceilToStepMultiple(-4092, 4092))
}
