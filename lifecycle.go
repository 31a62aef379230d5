// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabcache

import (
	"runtime"

	"github.com/fmstephe/slabcache/internal/rawslab"
	"github.com/fmstephe/slabcache/internal/slabstats"
)

// setFinalizer registers c's teardown so that, if a caller forgets to call
// Release before letting a Cache become unreachable, its slabs are still
// returned to the system allocator. This is the closest Go equivalent to a
// pthread thread-exit destructor: Go gives user code no hook that runs
// deterministically when a goroutine (or the OS thread backing it) exits,
// so the finalizer is the backstop, and an explicit Release call is the
// expected primary path.
func setFinalizer(c *Cache) {
	runtime.SetFinalizer(c, (*Cache).Release)
}

// Release walks c's current and partial slabs and returns each one's
// backing memory to the system allocator, then marks c unusable. Blocks
// still parked in c's fastbin are released implicitly along with the slabs
// that own them - the fastbin itself is never walked.
//
// Release is idempotent. It must not be called while any other goroutine
// might still call Alloc or Free on c - like the rest of this type, it is
// not synchronized.
func (c *Cache) Release() {
	if c.released {
		return
	}

	runtime.SetFinalizer(c, nil)

	releaseList(c.current, &c.stats)
	releaseList(c.partial, &c.stats)

	c.current = rawslab.Slab(0)
	c.partial = rawslab.Slab(0)
	c.fastbin = 0
	c.fastbinCount = 0
	c.released = true
}

func releaseList(head rawslab.Slab, stats *slabstats.Stats) {
	cur := head
	for !cur.IsNil() {
		next := cur.Next()
		// Errors from the system allocator at teardown are
		// unrecoverable in the same sense pointerstore.Store.Destroy
		// treats them: there is nothing useful to do with a failed
		// Munmap except ignore it and move on, since we are already
		// tearing the Cache down.
		_ = rawslab.Release(cur)
		stats.SlabsReleased.Add(1)
		cur = next
	}
}
