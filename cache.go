// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabcache

import (
	"fmt"
	"unsafe"

	"github.com/fmstephe/slabcache/internal/rawslab"
	"github.com/fmstephe/slabcache/internal/slabstats"
)

// DebugChecks turns on best-effort double-free and foreign-pointer checks.
// Off by default - production builds elide them, and the hot path below
// does not even evaluate the flag on the fastbin branch, so leaving it off
// costs nothing there.
var DebugChecks = false

// Cache is one thread's private allocator state. It is exclusively owned by
// whichever goroutine holds the pointer: Alloc and Free touch only fields
// reachable from this one *Cache, with no locks, no atomics, and no shared
// allocator-wide state. A Cache must not be used from more than one
// goroutine at a time; see Free's doc comment for what happens if a block
// crosses goroutines.
//
// Callers that want a synchronization-free per-thread fast path should pair
// a Cache with runtime.LockOSThread: call New() once after locking the
// calling goroutine to its OS thread, keep the *Cache for the life of that
// binding, and call Release when done.
type Cache struct {
	conf Config

	current rawslab.Slab // drawn from first
	partial rawslab.Slab // head of the intrusive partial-slabs list

	fastbin      uintptr // head of the intrusive fastbin stack, 0 if empty
	fastbinCount int

	stats slabstats.Stats

	released bool
}

// New returns a new, empty Cache using the fixed production slab region
// size.
func New() *Cache {
	return newCache(defaultConfig())
}

// NewWithRegionSize returns a new, empty Cache whose slabs use a custom
// region size (rounded up to a power of two), rather than the fixed
// production SlabRegionSize. Block size is unaffected - this allocator never
// hands out a block of any size other than BlockSize. This exists so tests
// can exercise slab exhaustion, partial-list promotion, and bulk refill
// with far fewer than EffectiveBlocks allocations per slab; see offheap.NewSized for the
// equivalent knob in the object-store lineage this package descends from.
func NewWithRegionSize(regionSize int) *Cache {
	return newCache(newConfigWithRegionSize(regionSize))
}

func newCache(conf Config) *Cache {
	c := &Cache{conf: conf}
	setFinalizer(c)
	return c
}

// Alloc returns a pointer to BlockSize bytes, aligned to BlockSize, whose
// contents are unspecified. It fails (returns ok == false) only if creating
// a new slab is necessary and the system allocator refuses.
//
// Alloc is thread-local and unsynchronized: it must only ever be called by
// the goroutine that owns c.
func (c *Cache) Alloc() (unsafe.Pointer, bool) {
	if c.released {
		panic("slabcache: Alloc called on a released Cache")
	}

	// Step 1: fastbin pop - the hot path, must stay branch-predictable.
	if c.fastbinCount > 0 {
		block := c.fastbin
		c.fastbin = rawslab.NextOf(block)
		c.fastbinCount--
		c.stats.Allocs.Add(1)
		c.stats.FastbinHits.Add(1)
		return unsafe.Pointer(block), true
	}

	// Step 2: current slab, with optional bulk refill.
	if !c.current.IsNil() {
		if block, ok := c.allocFromCurrent(); ok {
			return unsafe.Pointer(block), true
		}
	}

	// Step 4: promote a partial slab and retry from step 1.
	if !c.partial.IsNil() {
		promoted := c.partial
		c.partial = promoted.Next()
		promoted.SetNext(0)
		c.current = promoted
		return c.Alloc()
	}

	// Step 5: grow. Retry from step 1 on success; report failure otherwise.
	newSlab := rawslab.NewSlab(c.conf.RegionSize, BlockSize)
	if newSlab.IsNil() {
		return nil, false
	}
	c.current = newSlab
	c.stats.SlabsCreated.Add(1)
	return c.Alloc()
}

// allocFromCurrent draws a block from a non-nil current slab, bulk-refilling
// the fastbin first when the slab has plenty to spare. ok is false only when
// the current slab has no free blocks left to give (the caller then falls
// through to promoting a partial slab).
func (c *Cache) allocFromCurrent() (block uintptr, ok bool) {
	if c.current.FreeCount() > c.conf.FastbinRefill {
		// The refill threshold is a strict '>', so a slab holding
		// exactly FastbinRefill free blocks takes the single-pop
		// branch below instead.
		head, tail, n := c.current.PopFreeN(c.conf.FastbinRefill)
		rawslab.SetNext(tail, c.fastbin)
		c.fastbin = head
		c.fastbinCount += n

		block = c.fastbin
		c.fastbin = rawslab.NextOf(block)
		c.fastbinCount--

		c.stats.Allocs.Add(1)
		c.stats.FastbinHits.Add(1)
		return block, true
	}

	block, popped := c.current.PopFree()
	if !popped {
		return 0, false
	}

	c.stats.Allocs.Add(1)
	c.stats.SlabHits.Add(1)

	// A slab drained to zero is detached from the current slot; it
	// becomes "full" and untracked until a future Free rediscovers it
	// via owner recovery and re-links it onto the partial list.
	if c.current.FreeCount() == 0 {
		c.current = rawslab.Slab(0)
	}

	return block, true
}

// Free releases one previously-allocated block back to c.
//
// Free is thread-local in the intended usage: block must have been returned
// by an Alloc call on the same Cache, on the same goroutine, and must not
// already have been freed. Free does not defend against violations of that
// contract by default: freeing a block allocated by a different Cache is
// accepted (it either lands in c's fastbin, harmlessly, or splices into the
// real owner's slab free list - which is a data race if that owner Cache is
// concurrently in use on another goroutine). Set DebugChecks to get a
// best-effort panic instead of silent corruption; production code should
// leave it off and honor the contract.
func (c *Cache) Free(p unsafe.Pointer) {
	if c.released {
		panic("slabcache: Free called on a released Cache")
	}

	block := uintptr(p)

	// Step 1: fastbin push, the fast path.
	if c.fastbinCount < c.conf.FastbinCap {
		rawslab.SetNext(block, c.fastbin)
		c.fastbin = block
		c.fastbinCount++
		c.stats.Frees.Add(1)
		return
	}

	// Step 2: owner recovery.
	owner := c.recoverOwner(block)

	// Step 3: slab free-list push.
	wasFull := owner.FreeCount() == 0
	owner.PushFree(block)

	if DebugChecks && owner.FreeCount() > c.conf.EffectiveBlocks {
		panic(fmt.Sprintf("slabcache: free_count exceeded EffectiveBlocks on slab %#x - likely double-free", owner.Addr()))
	}

	c.stats.Frees.Add(1)

	// Step 4: re-promotion to partial. A slab that is already the
	// current slab, or already in the partial list, is not re-linked;
	// free_count transitioning from 0 to 1 is a sufficient discriminator
	// because this step only fires when the push crossed that boundary.
	if wasFull && owner != c.current {
		owner.SetNext(c.partial)
		c.partial = owner
	}
}

func (c *Cache) recoverOwner(block uintptr) rawslab.Slab {
	if DebugChecks {
		owner, ok := rawslab.OwnerOfChecked(block, c.conf.regionMask())
		if !ok {
			panic(fmt.Sprintf("slabcache: Free called with a pointer this allocator did not produce: %#x", block))
		}
		return owner
	}
	return rawslab.OwnerOf(block, c.conf.regionMask())
}

// Stats returns a snapshot of this Cache's lifetime allocation counters.
func (c *Cache) Stats() slabstats.Snapshot {
	return c.stats.Snapshot()
}

// Config returns the region-size configuration this Cache's slabs use.
func (c *Cache) Config() Config {
	return c.conf
}
