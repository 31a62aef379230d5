// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabcache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallRegionSize is large enough to leave room for a handful of blocks past
// the header, small enough that tests exhaust a slab in 127 Allocs instead of
// the 1023 a production-sized slab takes.
const smallRegionSize = 1 << 13 // 8192 bytes: comfortably more than FastbinCap blocks per slab

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := NewWithRegionSize(smallRegionSize)
	t.Cleanup(c.Release)
	return c
}

// TestFastPath allocs/frees the same pointer repeatedly and expects LIFO
// reuse out of the fastbin, with exactly one slab ever created.
func TestFastPath(t *testing.T) {
	c := newTestCache(t)

	p, ok := c.Alloc()
	require.True(t, ok)

	// The first Alloc bulk-refilled the fastbin and took one block from it,
	// so each Free brings the fastbin back to FastbinRefill blocks.
	for i := 0; i < 10; i++ {
		c.Free(p)
		assert.Equal(t, c.conf.FastbinRefill, c.fastbinCount)

		next, ok := c.Alloc()
		require.True(t, ok)
		assert.Equal(t, p, next, "LIFO fastbin must return the just-freed pointer")
		p = next
	}

	assert.Equal(t, int64(1), c.Stats().SlabsCreated)
}

// TestSlabExhaustionAndRollover allocates EffectiveBlocks+1 times without
// freeing. It expects a second slab to be created, every returned pointer
// distinct and block-aligned, and the first slab untracked (neither current
// nor on the partial list) once it has been drained.
func TestSlabExhaustionAndRollover(t *testing.T) {
	c := newTestCache(t)
	eff := c.conf.EffectiveBlocks

	seen := make(map[unsafe.Pointer]bool, eff+1)
	var firstSlabAddr uintptr

	for i := 0; i < eff+1; i++ {
		p, ok := c.Alloc()
		require.True(t, ok)
		assert.False(t, seen[p], "every allocation must be distinct")
		seen[p] = true
		assert.Equal(t, uintptr(0), uintptr(p)%BlockSize, "every allocation must be BlockSize-aligned")

		if i == 0 {
			firstSlabAddr = uintptr(p) &^ c.conf.regionMask()
		}
	}

	assert.Equal(t, int64(2), c.Stats().SlabsCreated)

	// The first slab is now full and untracked: not current, not partial.
	assert.NotEqual(t, firstSlabAddr, c.current.Addr())
	for p := c.partial; !p.IsNil(); p = p.Next() {
		assert.NotEqual(t, firstSlabAddr, p.Addr())
	}
}

// TestPartialReEntry exhausts the first slab, fills the fastbin to its cap,
// then frees one more of the first slab's blocks and expects that slab to be
// re-linked at the head of the partial list with a free count of exactly 1.
func TestPartialReEntry(t *testing.T) {
	c := newTestCache(t)
	eff := c.conf.EffectiveBlocks

	ptrs := make([]unsafe.Pointer, eff+1)
	for i := range ptrs {
		p, ok := c.Alloc()
		require.True(t, ok)
		ptrs[i] = p
	}
	firstPointer := ptrs[0]

	// Fill the fastbin with other blocks so the next Free takes the
	// owner-recovery path instead of the fastbin push.
	for i := 1; c.fastbinCount < c.conf.FastbinCap; i++ {
		c.Free(ptrs[i])
	}
	c.Free(firstPointer)

	require.False(t, c.partial.IsNil())
	assert.Equal(t, 1, c.partial.FreeCount())
	firstSlabAddr := uintptr(firstPointer) &^ c.conf.regionMask()
	assert.Equal(t, firstSlabAddr, c.partial.Addr())
}

// TestBulkRefill checks that a fresh Cache's first Alloc triggers the
// bulk-refill branch, leaving FastbinRefill-1 blocks cached in the fastbin.
func TestBulkRefill(t *testing.T) {
	c := newTestCache(t)
	require.True(t, c.conf.EffectiveBlocks > c.conf.FastbinRefill, "test config must leave more than FastbinRefill free blocks in a fresh slab")

	_, ok := c.Alloc()
	require.True(t, ok)

	assert.Equal(t, c.conf.FastbinRefill-1, c.fastbinCount)
}

// TestFastbinCap allocates FastbinCap+1 blocks, frees them all, and expects
// the fastbin's size to hold at the cap. The fastbin already holds blocks
// from the last bulk refill, so the frees beyond the cap go back onto the
// owning slab's free list via owner recovery.
func TestFastbinCap(t *testing.T) {
	c := newTestCache(t)
	require.True(t, c.conf.EffectiveBlocks > c.conf.FastbinCap+1)

	ptrs := make([]unsafe.Pointer, c.conf.FastbinCap+1)
	for i := range ptrs {
		p, ok := c.Alloc()
		require.True(t, ok)
		ptrs[i] = p
	}

	for _, p := range ptrs {
		c.Free(p)
	}

	assert.Equal(t, c.conf.FastbinCap, c.fastbinCount)
}

// TestRoundTrip allocates N blocks, frees all N, then allocates N again and
// expects no more slabs to have been created than in the first pass.
func TestRoundTrip(t *testing.T) {
	c := newTestCache(t)
	n := c.conf.EffectiveBlocks*2 + 7

	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		p, ok := c.Alloc()
		require.True(t, ok)
		ptrs[i] = p
	}
	firstPassSlabs := c.Stats().SlabsCreated

	for _, p := range ptrs {
		c.Free(p)
	}
	assert.Equal(t, int64(0), c.Stats().Allocs-c.Stats().Frees)

	for i := range ptrs {
		p, ok := c.Alloc()
		require.True(t, ok)
		ptrs[i] = p
	}

	assert.Equal(t, firstPassSlabs, c.Stats().SlabsCreated)
}

// TestAllocationUniqueness checks that no two pointers live at the same
// time are ever equal.
func TestAllocationUniqueness(t *testing.T) {
	c := newTestCache(t)
	n := c.conf.EffectiveBlocks + 10

	seen := make(map[unsafe.Pointer]bool, n)
	for i := 0; i < n; i++ {
		p, ok := c.Alloc()
		require.True(t, ok)
		require.False(t, seen[p])
		seen[p] = true
	}
}

func TestCrossCacheFreeIsAccepted(t *testing.T) {
	a := newTestCache(t)
	b := newTestCache(t)

	p, ok := a.Alloc()
	require.True(t, ok)

	// Per Free's documented caller contract, this does not panic in the
	// default (non-debug) configuration - the block simply lands in b's
	// fastbin.
	assert.NotPanics(t, func() {
		b.Free(p)
	})
	assert.Equal(t, 1, b.fastbinCount)
}

func TestDebugChecksRejectsForeignPointer(t *testing.T) {
	old := DebugChecks
	DebugChecks = true
	defer func() { DebugChecks = old }()

	c := newTestCache(t)
	p, ok := c.Alloc()
	require.True(t, ok)
	regionBase := uintptr(p) &^ c.conf.regionMask()

	qs := make([]unsafe.Pointer, c.conf.FastbinCap)
	for i := range qs {
		q, ok := c.Alloc()
		require.True(t, ok)
		qs[i] = q
	}
	for _, q := range qs {
		c.Free(q)
	}
	c.Free(p)

	// Fastbin is now full; the next Free forces owner recovery. This
	// address lands one region past a real, mapped slab (still inside
	// that slab's over-allocated mmap range, per NewSlab's 2x
	// over-allocation) but carries no valid self-pointer.
	foreign := unsafe.Pointer(regionBase + c.conf.RegionSize)
	assert.Panics(t, func() {
		c.Free(foreign)
	})
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewWithRegionSize(smallRegionSize)
	_, ok := c.Alloc()
	require.True(t, ok)

	assert.NotPanics(t, func() {
		c.Release()
		c.Release()
	})
}

func TestAllocAfterReleasePanics(t *testing.T) {
	c := NewWithRegionSize(smallRegionSize)
	c.Release()
	assert.Panics(t, func() {
		c.Alloc()
	})
}

// TestReleaseWalksPartialList drives a Cache past EffectiveBlocks so it
// holds both a current slab and a non-empty partial list, then checks that
// Release walks both lists rather than only the current slab.
func TestReleaseWalksPartialList(t *testing.T) {
	c := NewWithRegionSize(smallRegionSize)
	eff := c.conf.EffectiveBlocks

	ptrs := make([]unsafe.Pointer, eff+1)
	for i := range ptrs {
		p, ok := c.Alloc()
		require.True(t, ok)
		ptrs[i] = p
	}
	// With the fastbin filled to its cap, freeing a block from the first,
	// now-full-and-untracked slab goes through owner recovery and links it
	// onto the partial list, so at this point current and partial are both
	// non-nil.
	for i := 1; c.fastbinCount < c.conf.FastbinCap; i++ {
		c.Free(ptrs[i])
	}
	c.Free(ptrs[0])
	require.False(t, c.partial.IsNil())

	created := c.Stats().SlabsCreated
	require.GreaterOrEqual(t, created, int64(2))

	c.Release()

	assert.Equal(t, created, c.Stats().SlabsReleased)
}
