// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package rawslab implements the slab region layout: a self-describing
// header overlaid at the base of an aligned, mmap'd memory region, and the
// intrusive free-list operations used to carve that region into fixed-size
// blocks.
//
// None of the types here carry a conventional Go pointer. A Slab is just the
// uintptr address of its region; the header fields living inside the mmap'd
// region are themselves plain integers. This mirrors offheap's RefPointer -
// a reference is a raw address with methods doing the unsafe arithmetic, not
// a Go-heap object the garbage collector needs to track.
package rawslab

import "unsafe"

// header is overlaid at the base address of every slab region. Its address
// equals the Slab's own address - this is the back-pointer trick that lets
// Free recover the owning slab from any block pointer in O(1).
type header struct {
	self          uintptr
	freeCount     uint64
	freeListHead  uintptr
	next          uintptr
	rawAllocation uintptr
	rawSize       uintptr
}

// HeaderReserved returns the number of bytes reserved for the header at the
// front of a slab region, rounded up to a multiple of blockSize.
func HeaderReserved(blockSize uintptr) uintptr {
	return alignUp(uintptr(unsafe.Sizeof(header{})), blockSize)
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// blockNode overlays the first word of a free block. An allocated block's
// bytes are caller-owned opaque bytes; this layout is only ever read or
// written while the block is on a free list (a slab's free list, or a
// Cache's fastbin).
type blockNode struct {
	next uintptr
}

// NextOf returns the intrusive next-pointer stored in a free block.
func NextOf(addr uintptr) uintptr {
	return (*blockNode)(unsafe.Pointer(addr)).next
}

// SetNext stores the intrusive next-pointer in a free block.
func SetNext(addr uintptr, next uintptr) {
	(*blockNode)(unsafe.Pointer(addr)).next = next
}

// Slab is the address of an aligned slab region. The zero Slab represents
// "no slab" (IsNil() is true).
type Slab uintptr

// IsNil reports whether s refers to no slab.
func (s Slab) IsNil() bool {
	return s == 0
}

// Addr returns the raw region-base address of s.
func (s Slab) Addr() uintptr {
	return uintptr(s)
}

func (s Slab) header() *header {
	return (*header)(unsafe.Pointer(uintptr(s)))
}

// FreeCount returns the number of blocks currently on this slab's free list.
func (s Slab) FreeCount() int {
	return int(s.header().freeCount)
}

// Next returns the slab linked after s (used for the partial-slabs list).
func (s Slab) Next() Slab {
	return Slab(s.header().next)
}

// SetNext links n after s (used for the partial-slabs list).
func (s Slab) SetNext(n Slab) {
	s.header().next = uintptr(n)
}

// RawAllocation returns the unaligned base and size of the system allocation
// backing s, as needed to release it at teardown.
func (s Slab) RawAllocation() (base, size uintptr) {
	h := s.header()
	return h.rawAllocation, h.rawSize
}

// PopFree detaches and returns the head of s's free list.
func (s Slab) PopFree() (block uintptr, ok bool) {
	h := s.header()
	if h.freeListHead == 0 {
		return 0, false
	}
	block = h.freeListHead
	h.freeListHead = NextOf(block)
	h.freeCount--
	return block, true
}

// PopFreeN detaches up to n blocks from the head of s's free list, returning
// them as a chain (head through tail, linked via their existing next
// pointers, tail's next severed to 0) and the number actually removed. Used
// to bulk-refill a Cache's fastbin in one splice instead of popping one
// block at a time.
func (s Slab) PopFreeN(n int) (head, tail uintptr, removed int) {
	h := s.header()
	if h.freeListHead == 0 || n <= 0 {
		return 0, 0, 0
	}

	head = h.freeListHead
	cur := head
	removed = 1
	for removed < n {
		nxt := NextOf(cur)
		if nxt == 0 {
			break
		}
		cur = nxt
		removed++
	}
	tail = cur

	h.freeListHead = NextOf(tail)
	SetNext(tail, 0)
	h.freeCount -= uint64(removed)

	return head, tail, removed
}

// PushFree links block onto the head of s's free list.
func (s Slab) PushFree(block uintptr) {
	h := s.header()
	SetNext(block, h.freeListHead)
	h.freeListHead = block
	h.freeCount++
}

// OwnerOf recovers the Slab owning blockAddr: mask the address down to its
// region base (regionMask is RegionSize-1) and read the self-pointer stored
// there. This is the one indispensable trick of the design - it removes the
// need for a per-block header.
func OwnerOf(blockAddr uintptr, regionMask uintptr) Slab {
	regionBase := blockAddr &^ regionMask
	h := (*header)(unsafe.Pointer(regionBase))
	return Slab(h.self)
}

// OwnerOfChecked is the debug-mode form of OwnerOf: it additionally verifies
// that the back-pointer read from the region base points back at that same
// region base. A mismatch means blockAddr was not a pointer this allocator
// produced (or the region has been corrupted), and ok is false.
func OwnerOfChecked(blockAddr uintptr, regionMask uintptr) (owner Slab, ok bool) {
	regionBase := blockAddr &^ regionMask
	h := (*header)(unsafe.Pointer(regionBase))
	if h.self != regionBase {
		return 0, false
	}
	return Slab(h.self), true
}
