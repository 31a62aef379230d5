// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package rawslab

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewSlab requests a fresh slab region from the system allocator and
// initializes it: a regionSize-aligned region carved into fixed blockSize
// blocks after a header reservation, with every block chained onto the
// slab's free list.
//
// Returns the zero Slab (IsNil() true) if the system allocator refuses the
// request - the only recoverable failure mode this package has.
func NewSlab(regionSize, blockSize uintptr) Slab {
	total := regionSize * 2

	raw, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Slab(0)
	}

	rawBase := uintptr(unsafe.Pointer(&raw[0]))
	aligned := alignUp(rawBase, regionSize)

	reserved := HeaderReserved(blockSize)

	h := (*header)(unsafe.Pointer(aligned))
	h.self = aligned
	h.freeCount = 0
	h.freeListHead = 0
	h.next = 0
	h.rawAllocation = rawBase
	h.rawSize = total

	blocksStart := aligned + reserved
	blocksEnd := aligned + regionSize

	// Zero the blocks area deliberately: this faults the pages in now, so
	// later fast-path allocations don't take first-touch page faults
	// during measurement.
	zero(blocksStart, blocksEnd-blocksStart)

	var headBlock, tailBlock uintptr
	count := uint64(0)
	for off := blocksStart; off+blockSize <= blocksEnd; off += blockSize {
		if headBlock == 0 {
			headBlock = off
		} else {
			SetNext(tailBlock, off)
		}
		tailBlock = off
		count++
	}
	if tailBlock != 0 {
		SetNext(tailBlock, 0)
	}

	h.freeListHead = headBlock
	h.freeCount = count

	return Slab(aligned)
}

// Release returns a slab's backing memory to the system allocator.
func Release(s Slab) error {
	base, size := s.RawAllocation()
	b := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("rawslab: munmap failed for slab at %#x: %w", base, err)
	}
	return nil
}

func zero(addr, size uintptr) {
	if size == 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	for i := range b {
		b[i] = 0
	}
}
