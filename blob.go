// Package blobkv implements the large-value storage core of a blobkv store:
// a fixed-length reference word that either holds a value inline or points
// into a multi-level tree of cache blocks, plus the append/prepend/truncate
// and region-exposure primitives that operate on it.
package blobkv

import (
	"github.com/cockroachdb/errors"

	"github.com/chipstorage/blobkv/internal/blockstore"
	"github.com/chipstorage/blobkv/internal/invariants"
)

// Handle owns a private copy of one reference word and mediates every read
// or mutation of the value it denotes. A Handle is not safe for concurrent
// use from multiple goroutines; callers serialize operations on the same
// handle themselves.
type Handle struct {
	ref       []byte
	maxreflen int
	cache     *blockstore.Cache
}

// New constructs a Handle around a private copy of ref, which must be the
// canonical on-disk reference word for some record's value slot. ref may be
// shorter than maxreflen (only ref_byte_length(ref) bytes are meaningful);
// New copies exactly that many bytes into its own maxreflen-byte buffer.
func New(cache *blockstore.Cache, ref []byte, maxreflen int) (*Handle, error) {
	if maxreflen < blockIDsOffset(maxreflen)+8 {
		return nil, errors.AssertionFailedf("blobkv: maxreflen %d too small to hold one root block id", maxreflen)
	}
	h := &Handle{
		ref:       make([]byte, maxreflen),
		maxreflen: maxreflen,
		cache:     cache,
	}
	n := refByteLength(cache.BlockSize(), ref, maxreflen)
	copy(h.ref, ref[:n])
	return h, nil
}

// DumpRef writes this handle's canonical reference bytes back into out,
// which must be at least RefSize() bytes long. confirmMaxreflen must match
// the maxreflen this handle was constructed with; a mismatch is a caller
// bug (the reference word's layout depends on maxreflen throughout).
func (h *Handle) DumpRef(out []byte, confirmMaxreflen int) error {
	if confirmMaxreflen != h.maxreflen {
		return errors.AssertionFailedf("blobkv: DumpRef maxreflen mismatch: have %d, confirm %d", h.maxreflen, confirmMaxreflen)
	}
	n := refByteLength(h.cache.BlockSize(), h.ref, h.maxreflen)
	if len(out) < n {
		return errors.AssertionFailedf("blobkv: DumpRef output buffer too short: have %d, need %d", len(out), n)
	}
	copy(out, h.ref[:n])
	return nil
}

// ValueSize returns the logical byte length of the value this handle
// denotes.
func (h *Handle) ValueSize() int64 {
	return valueSizeOf(h.ref, h.maxreflen)
}

// RefSize returns the number of bytes of the reference word that are
// currently meaningful.
func (h *Handle) RefSize() int {
	return refByteLength(h.cache.BlockSize(), h.ref, h.maxreflen)
}

func (h *Handle) levels() int {
	return refLevels(h.cache.BlockSize(), h.ref, h.maxreflen)
}

// Levels reports the height of the block tree behind this handle's value:
// 0 when the value is stored inline in the reference word.
func (h *Handle) Levels() int { return h.levels() }

// currentValueOffset returns the absolute tree offset at which the value
// begins: 0 for an inline reference, ref_'s recorded value_offset for a
// large one.
func (h *Handle) currentValueOffset(levels int) int64 {
	if levels == 0 {
		return 0
	}
	return bigOffset(h.ref, h.maxreflen)
}

// checkCanonical re-derives the level the current (value_offset, valuesize)
// pair requires and panics if it disagrees with the level the mutation that
// just finished was tracking (the shared postcondition of every structural
// mutation). It is a no-op unless internal/invariants.Enabled, matching the
// module's other debug-only consistency checks.
func (h *Handle) checkCanonical(levels int) {
	if !invariants.Enabled {
		return
	}
	got := h.levels()
	if got != levels {
		panic(errors.AssertionFailedf("blobkv: non-canonical reference: encoded level %d, tracked level %d", got, levels))
	}
	if isSmall(h.ref, h.maxreflen) {
		return
	}
	offset := bigOffset(h.ref, h.maxreflen)
	size := bigSize(h.ref, h.maxreflen)
	if offset < 0 || offset+size > maxEndOffset(h.cache.BlockSize(), got, h.maxreflen) {
		panic(errors.AssertionFailedf(
			"blobkv: window [%d,%d) escapes level-%d coverage", offset, offset+size, got))
	}
}
