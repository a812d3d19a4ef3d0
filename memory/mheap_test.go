// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"
)

func allocThreads() int {
	n := runtime.NumCPU()
	if n < 3 {
		n = 3
	}
	if n > 32 {
		n = 32
	}
	return n
}

// fillSeeded writes a block pattern unique to (seed, index) so that any
// overlap between live blocks shows up as corruption.
func fillSeeded(p unsafe.Pointer, n int, seed byte) {
	b := block(p, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

func checkSeeded(t *testing.T, p unsafe.Pointer, n int, seed byte) {
	b := block(p, n)
	for i := range b {
		if b[i] != seed+byte(i*7) {
			t.Errorf("corrupt byte %d of %d-byte block (seed %d)", i, n, seed)
			return
		}
	}
}

// Every block is written and verified on the thread that allocated it.
func TestThreadedSameThreadLifecycle(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Finalize()

	loops := 2000
	if testing.Short() {
		loops = 50
	}
	const passes = 512
	datasize := [7]int{19, 249, 797, 3, 79, 34, 389}

	var wg sync.WaitGroup
	for ti := 0; ti < allocThreads(); ti++ {
		wg.Add(1)
		go func(ti int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer a.ThreadFinalize()

			addr := make([]unsafe.Pointer, passes)
			sizes := make([]int, passes)
			for loop := 0; loop < loops; loop++ {
				for i := 0; i < passes; i++ {
					size := datasize[(loop+i+ti)%7] + loop%1024
					p := a.Allocate(size, 16, 0)
					if p == nil {
						t.Errorf("thread %d: allocation of %d bytes failed", ti, size)
						return
					}
					fillSeeded(p, size, byte(loop+i))
					addr[i] = p
					sizes[i] = size
				}
				for i := 0; i < passes; i++ {
					checkSeeded(t, addr[i], sizes[i], byte(loop+i))
					a.Deallocate(addr[i])
				}
			}
		}(ti)
	}
	wg.Wait()
}

// One thread allocates and exits; another frees everything. The deferred
// frees must reach the orphaned heap and no byte may be lost.
func TestCrossThreadFree(t *testing.T) {
	a := newTestAllocator(t)

	loops := 100
	if testing.Short() {
		loops = 10
	}
	const passes = 1024
	datasize := [7]int{473, 39, 195, 24, 73, 376, 245}

	addr := make([]unsafe.Pointer, loops*passes)
	sizes := make([]int, loops*passes)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer a.ThreadFinalize()
		for i := range addr {
			size := datasize[i%7] + i%1024
			p := a.Allocate(size, 16, 0)
			if p == nil {
				t.Errorf("allocation %d failed", i)
				return
			}
			fillSeeded(p, size, byte(i))
			addr[i] = p
			sizes[i] = size
		}
	}()
	<-done

	for i := range addr {
		if addr[i] == nil {
			t.Fatal("allocator thread failed")
		}
		checkSeeded(t, addr[i], sizes[i], byte(i))
		a.Deallocate(addr[i])
	}

	if st := a.Stats(); st.DeferredFrees == 0 {
		t.Fatal("no frees were delegated")
	}

	a.ThreadFinalize()
	a.Finalize()
	st := a.Stats()
	if st.MappedBytes != 0 {
		t.Fatalf("%d bytes still mapped after Finalize", st.MappedBytes)
	}
	if st.MappedTotalBytes != st.UnmappedTotalBytes {
		t.Fatalf("mapped %d != unmapped %d", st.MappedTotalBytes, st.UnmappedTotalBytes)
	}
}

// A block freed remotely becomes reusable by the owner once it drains its
// inbox at the next allocation.
func TestDeferredFreeDrain(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Finalize()

	const count = 64
	addr := make([]unsafe.Pointer, count)

	ready := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer a.ThreadFinalize()
		for i := range addr {
			addr[i] = a.Allocate(256, 16, 0)
			fillSeeded(addr[i], 256, byte(i))
		}
		close(ready)
		<-release
		// The next allocation drains the inbox.
		p := a.Allocate(256, 16, 0)
		if p == nil {
			t.Error("post-drain allocation failed")
			return
		}
		a.Deallocate(p)
	}()

	<-ready
	func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer a.ThreadFinalize()
		for i := range addr {
			checkSeeded(t, addr[i], 256, byte(i))
			a.Deallocate(addr[i])
		}
	}()
	close(release)
	<-done

	if st := a.Stats(); st.DeferredFrees != count {
		t.Fatalf("DeferredFrees = %d, want %d", st.DeferredFrees, count)
	}
}

// Thread churn: heaps orphaned on exit must be adopted, keeping the heap
// population bounded by the thread count.
func TestThreadChurnAdoptsHeaps(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Finalize()

	rounds := 1000
	if testing.Short() {
		rounds = 50
	}
	n := allocThreads()

	var wg sync.WaitGroup
	for ti := 0; ti < n; ti++ {
		wg.Add(1)
		go func(ti int) {
			defer wg.Done()
			runtime.LockOSThread()
			addr := make([]unsafe.Pointer, 10)
			for round := 0; round < rounds; round++ {
				a.ThreadInitialize()
				for pass := 0; pass < 100; pass++ {
					for i := range addr {
						size := 16 + (ti+pass+i)%400
						addr[i] = a.Allocate(size, 16, 0)
						if addr[i] == nil {
							t.Errorf("thread %d: allocation failed", ti)
							return
						}
						fillSeeded(addr[i], size, byte(round+pass+i))
					}
					for i := range addr {
						size := 16 + (ti+pass+i)%400
						checkSeeded(t, addr[i], size, byte(round+pass+i))
						a.Deallocate(addr[i])
					}
				}
				a.ThreadFinalize()
			}
		}(ti)
	}
	wg.Wait()

	st := a.Stats()
	if st.HeapsCreated > uint64(n) {
		t.Fatalf("HeapsCreated = %d, want <= %d", st.HeapsCreated, n)
	}
	if st.HeapsAdopted == 0 {
		t.Fatal("no heap was ever adopted")
	}
	if st.HeapsOrphaned < uint64(rounds) {
		t.Fatalf("HeapsOrphaned = %d, want >= %d", st.HeapsOrphaned, rounds)
	}
}

// Spans handed back by exiting threads must flow through the caches and
// serve other threads.
func TestSpanMigration(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Finalize()

	const count = 2048
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer a.ThreadFinalize()
		addr := make([]unsafe.Pointer, count)
		for i := range addr {
			addr[i] = a.Allocate(1024, 16, 0)
		}
		for i := range addr {
			a.Deallocate(addr[i])
		}
	}()
	<-done

	// The churn above overflows the thread span cache into the central
	// cache. A fresh thread adopts the orphaned heap; allocating past
	// its remaining cached spans must pull spans back out of the
	// central cache rather than mapping new ones.
	func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer a.ThreadFinalize()
		addr := make([]unsafe.Pointer, 600)
		for i := range addr {
			addr[i] = a.Allocate(1024, 16, 0)
			if addr[i] == nil {
				t.Fatal("allocation failed")
			}
		}
		for i := range addr {
			a.Deallocate(addr[i])
		}
	}()

	st := a.Stats()
	if st.CentralCacheInserts == 0 {
		t.Fatal("central cache saw no spans")
	}
	if st.CentralCacheExtracts == 0 {
		t.Fatal("no span was reused from the central cache")
	}
}
