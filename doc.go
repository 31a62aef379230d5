// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package slabcache is a fixed-size, thread-caching slab allocator. It
// hands out BlockSize-byte blocks from larger, pre-carved slab regions and
// reclaims them on release.
//
// A Cache is the unit of ownership: create one per goroutine that wants a
// private, synchronization-free fast path (typically right after
// runtime.LockOSThread), and call Alloc/Free only from that goroutine.
//
//	c := slabcache.New()
//	defer c.Release()
//
//	p, ok := c.Alloc()
//	if !ok {
//		// system allocator refused to grow
//	}
//	c.Free(p)
//	// p must never be used again
//
// Internally, Alloc tries a per-Cache fastbin first, then the current
// slab's free list (optionally bulk-refilling the fastbin from it), then a
// partial slab promoted to current, and only then asks the system allocator
// for a new slab. Free pushes to the fastbin until it fills, then walks
// pointer arithmetic back to the owning slab (no per-block header is
// needed: every slab region is aligned to SlabRegionSize, and its address is
// stored in the first word of the region) and pushes onto that slab's own
// free list.
//
// # Non-goals
//
// This allocator only ever hands out BlockSize-byte blocks; there is no
// variable-size or typed-object allocation here, no cross-thread free-list
// migration (a block freed on a Cache that did not allocate it is still
// accepted, but ownership is never handed back), no shrinking of slabs
// during normal operation, and no defragmentation. Freeing a foreign,
// already-freed, or misaligned pointer is caller UB unless DebugChecks is
// enabled, in which case it is a best-effort panic instead of silent
// corruption.
package slabcache
