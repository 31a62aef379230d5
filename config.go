// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabcache

import (
	"github.com/fmstephe/flib/fmath"

	"github.com/fmstephe/slabcache/internal/rawslab"
)

// Fixed, compile-time constants. No configuration knob changes these in a
// production build; the only variable point is the slab region size,
// exposed for tests via NewWithRegionSize.
const (
	// BlockSize is the size, in bytes, of every hand-out. Fixed: this
	// allocator has no support for blocks other than this configured
	// size.
	BlockSize = 64

	// BlockCount is the number of blocks a slab would hold before the
	// header reservation is subtracted out.
	BlockCount = 1024

	// SlabRegionSize is the size, and required alignment, of a slab's
	// usable region.
	SlabRegionSize = BlockSize * BlockCount

	// FastbinCap is the maximum number of blocks cached per Cache's
	// fastbin.
	FastbinCap = 64

	// FastbinRefill is the bulk-refill size used when the fastbin is
	// empty and the current slab has plenty of free blocks to spare.
	FastbinRefill = 32
)

// Config bundles the values derived from a slab region size: the header
// reservation, the number of blocks a slab of that size actually yields, and
// the fastbin thresholds. The production default (defaultConfig) uses the
// fixed constants above; NewWithRegionSize lets tests use a much smaller
// region so slab-exhaustion and partial-list behaviour can be exercised
// with far fewer allocations per slab.
type Config struct {
	RegionSize      uintptr
	HeaderReserved  uintptr
	EffectiveBlocks int
	FastbinCap      int
	FastbinRefill   int
}

func defaultConfig() Config {
	reserved := rawslab.HeaderReserved(BlockSize)
	return Config{
		RegionSize:      SlabRegionSize,
		HeaderReserved:  reserved,
		EffectiveBlocks: (SlabRegionSize - int(reserved)) / BlockSize,
		FastbinCap:      FastbinCap,
		FastbinRefill:   FastbinRefill,
	}
}

// newConfigWithRegionSize rounds regionSize up to a power of two (mirroring
// pointerstore.NewAllocConfigBySize's treatment of a requested slab size)
// and derives a Config from it, keeping BlockSize, FastbinCap and
// FastbinRefill fixed.
func newConfigWithRegionSize(regionSize int) Config {
	rs := uintptr(fmath.NxtPowerOfTwo(int64(regionSize)))
	reserved := rawslab.HeaderReserved(BlockSize)

	// A region must hold at least one block past the header.
	if rs < reserved+BlockSize {
		rs = uintptr(fmath.NxtPowerOfTwo(int64(reserved + BlockSize)))
	}

	return Config{
		RegionSize:      rs,
		HeaderReserved:  reserved,
		EffectiveBlocks: int((rs - reserved) / BlockSize),
		FastbinCap:      FastbinCap,
		FastbinRefill:   FastbinRefill,
	}
}

func (c Config) regionMask() uintptr {
	return c.RegionSize - 1
}
