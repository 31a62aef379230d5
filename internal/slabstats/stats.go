// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package slabstats provides the accounting counters attached to each Cache.
// It exists so callers can confirm a Cache's live-block count returns to
// zero after a balanced sequence of allocations and frees, and can observe
// allocator activity, without walking the intrusive lists by hand.
package slabstats

// Stats holds one Cache's lifetime counters. The zero value is ready to use.
// The counters are plain integers with no atomics or locks, so updating them
// adds no synchronization to the Alloc/Free hot path; like the rest of a
// Cache, a Stats is read and written only by the goroutine that owns it.
type Stats struct {
	Allocs        counter
	Frees         counter
	FastbinHits   counter
	SlabHits      counter
	SlabsCreated  counter
	SlabsReleased counter
}

// counter is an unsynchronized int64 counter.
type counter int64

// Add adds delta to c.
func (c *counter) Add(delta int64) { *c += counter(delta) }

// Load returns c's current value.
func (c *counter) Load() int64 { return int64(*c) }

// Snapshot is a point-in-time copy of Stats, safe to pass around by value.
type Snapshot struct {
	Allocs        int64
	Frees         int64
	FastbinHits   int64
	SlabHits      int64
	SlabsCreated  int64
	SlabsReleased int64
	Live          int64
}

// Snapshot reads all counters and returns their current values.
func (s *Stats) Snapshot() Snapshot {
	allocs := s.Allocs.Load()
	frees := s.Frees.Load()
	return Snapshot{
		Allocs:        allocs,
		Frees:         frees,
		FastbinHits:   s.FastbinHits.Load(),
		SlabHits:      s.SlabHits.Load(),
		SlabsCreated:  s.SlabsCreated.Load(),
		SlabsReleased: s.SlabsReleased.Load(),
		Live:          allocs - frees,
	}
}
