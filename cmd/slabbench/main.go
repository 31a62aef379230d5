// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Command slabbench benchmarks slabcache.Cache against the Go runtime's own
// allocator, single-threaded and multi-threaded, mirroring the three-phase
// workload in the C benchmark this allocator's design was distilled from:
// allocate everything, free everything, then alloc-immediately-free in a
// tight loop.
package main

import (
	"flag"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/fmstephe/slabcache"
)

var (
	threadsFlag = flag.Int("threads", 4, "number of concurrent worker goroutines for the multi-threaded phase")
	allocsFlag  = flag.Int("allocs", 1_000_000, "allocations performed per worker")
)

func main() {
	flag.Parse()

	if *allocsFlag <= 0 {
		log.Fatalf("-allocs must be positive, got %d", *allocsFlag)
	}
	if *threadsFlag <= 0 {
		log.Fatalf("-threads must be positive, got %d", *threadsFlag)
	}

	fmt.Printf("Threads: %d\nAllocations per worker: %d\n\n", *threadsFlag, *allocsFlag)

	fmt.Println("Single-threaded:")
	runPhase("runtime allocator", 1, *allocsFlag, runtimeWorker)
	runPhase("slabcache", 1, *allocsFlag, slabWorker)

	fmt.Println("\nMulti-threaded:")
	runPhase("runtime allocator", *threadsFlag, *allocsFlag, runtimeWorker)
	runPhase("slabcache", *threadsFlag, *allocsFlag, slabWorker)
}

func runPhase(label string, workers, allocs int, worker func(allocs int)) {
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			worker(allocs)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("  %-17s %v\n", label, elapsed)
}

// runtimeWorker exercises the same three-phase shape using plain Go
// allocation, as the baseline slabWorker is measured against.
func runtimeWorker(allocs int) {
	ptrs := make([][]byte, allocs)

	for i := range ptrs {
		ptrs[i] = make([]byte, slabcache.BlockSize)
	}
	for i := range ptrs {
		ptrs[i] = nil
	}
	for i := 0; i < allocs; i++ {
		b := make([]byte, slabcache.BlockSize)
		_ = b
	}
}

// slabWorker locks its goroutine to an OS thread and owns one Cache for its
// entire lifetime, matching the intended usage in doc.go.
func slabWorker(allocs int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := slabcache.New()
	defer c.Release()

	ptrs := make([]unsafe.Pointer, allocs)

	for i := range ptrs {
		p, ok := c.Alloc()
		if !ok {
			log.Fatal("slabcache: system allocator refused to grow")
		}
		ptrs[i] = p
	}
	for i := range ptrs {
		c.Free(ptrs[i])
		ptrs[i] = nil
	}
	for i := 0; i < allocs; i++ {
		p, ok := c.Alloc()
		if !ok {
			log.Fatal("slabcache: system allocator refused to grow")
		}
		c.Free(p)
	}
}
