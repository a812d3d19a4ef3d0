// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Memory allocator.
//
// This is a thread-caching, lock-free general purpose allocator working
// in spans of pages. Small and medium allocation sizes are rounded up to
// one of 159 size classes, each of which carves page-aligned spans into
// blocks of exactly that size. Large allocations bypass the caches and
// map pages directly.
//
// The allocator's data structures are:
//
//	span: a run of pages aligned to the span granularity (64 KiB),
//		carved into blocks of one size class, with a free list of
//		block indices threaded through the free blocks themselves.
//	heap: a per-thread owner of spans. Holds one list of partially
//		used spans per size class and one cache of fully free spans
//		per page count. Only the owning thread touches a heap, except
//		through its deferred-free inbox.
//	centralCache: one lock-free stack of fully free spans per page
//		count, shared by all heaps.
//	mstats: allocation statistics.
//
// Allocating a small or medium block proceeds up a hierarchy of caches:
//
//	1. Round the size up to a size class and pop a block off the head
//	   span of this thread's heap list for that class. This is the
//	   common case and touches no shared state.
//
//	2. If the heap has no partial span for the class, reuse a fully
//	   free span from the heap's own span cache.
//
//	3. Failing that, extract a run of spans from the central cache.
//
//	4. Failing that, map a fresh span from the operating system.
//
// Freeing reverses the flow: a block freed by its owning thread goes back
// on its span's free list, and a span that becomes fully free moves to the
// heap span cache, overflowing into the central cache. A block freed by
// any other thread is pushed onto the owning heap's deferred-free stack
// and reclaimed by the owner at its next allocation.
//
// Every span is aligned to the span granularity, so any user pointer
// resolves to its owning span with a single mask.

package memory

import (
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	debugLog    = false
	debugAssert = false

	// statsEnabled compiles the statistics counters in or out.
	statsEnabled = true

	pageShift = 12
	pageSize  = 1 << pageShift

	// Span granularity. Every span is aligned to spanSize, which is what
	// makes spanOf a single mask. The 16 low bits of every span address
	// are zero and are reused as counter bits in packed cache words.
	spanShift = 16
	spanSize  = 1 << spanShift
	spanMask  = spanSize - 1

	maxSpanPageCount = spanSize / pageSize

	// Fixed span header size. Blocks start at this offset, so it must be
	// a multiple of the block alignment.
	spanHeaderSize = 32

	blockAlign = 16

	smallGranularity = 16
	smallClassCount  = ((pageSize - spanHeaderSize) / 2) / smallGranularity
	smallSizeLimit   = smallClassCount * smallGranularity

	mediumClassCount = 32
	mediumSizeLimit  = spanSize - spanHeaderSize
	mediumIncrement  = ((mediumSizeLimit-smallSizeLimit)/mediumClassCount + smallGranularity - 1) &^ (smallGranularity - 1)

	sizeClassCount = smallClassCount + mediumClassCount

	// Size class stored in spans that were mapped directly for a large
	// allocation and carry no class.
	largeSizeClass = 0xFF

	// High-water mark for a heap's per-page-count span cache. When a
	// cache list grows past the limit, half of it is handed to the
	// central cache.
	threadSpanCacheLimit   = 32
	threadSpanCacheRelease = threadSpanCacheLimit / 2

	// Hard ceiling for each central cache stack, in spans. Inserts that
	// would exceed it unmap the spans instead.
	centralCacheLimit = 4096

	heapBucketCount = 197
)

// ErrInitialize is returned when the platform cannot provide memory
// regions aligned to the span granularity.
var ErrInitialize = errors.New("memory: cannot map span-aligned pages")

// Flags control allocation behavior.
type Flags uint32

const (
	// ZeroInitialized requests that the returned block is zeroed.
	ZeroInitialized Flags = 1 << iota
)

// An Allocator is a self-contained allocation context: size-class table,
// central span caches, heap registry and orphan stack. The zero value is
// ready for Initialize. Independent Allocators never share state.
//
// Memory returned by an Allocator is invisible to the garbage collector;
// blocks must not hold the only reference to a Go heap object.
type Allocator struct {
	initialized bool

	sizeClasses [sizeClassCount]sizeClass

	// Central cache of fully free spans, one lock-free stack per page
	// count. Index 0 is unused.
	central [maxSpanPageCount + 1]centralCache

	// Registry of all heaps, hash-bucketed by id so the deallocation
	// path can find any heap from a span's owner id. Buckets hold heap
	// addresses and are CAS-push only.
	buckets [heapBucketCount]atomic.Uintptr

	// LIFO of heaps whose owner thread has exited, awaiting adoption.
	// Packed heap address | push tag in the low bits.
	orphans atomic.Uintptr

	heapID  atomic.Uint32
	threads sync.Map // thread id (uint64) -> *heap

	stats mstats
}

// std is the process-wide allocator behind the package-level functions.
var std Allocator

// Initialize precomputes the size-class table and verifies that the
// platform can provide span-aligned memory. It must complete before any
// other operation and is not safe to call concurrently with them.
func (a *Allocator) Initialize() error {
	if a.initialized {
		return nil
	}
	a.initSizes()

	// Probe the page mapper once. Alignment is a global invariant; if
	// the platform cannot satisfy it, nothing else is valid.
	p := a.mapPages(1)
	if p == nil || uintptr(p)&spanMask != 0 {
		return ErrInitialize
	}
	a.unmapPages(p, 1)

	a.initialized = true
	return nil
}

// Finalize drains every registered heap, unmaps every span and resets the
// allocator. All blocks must have been deallocated; the caller must
// guarantee no operation is in flight.
func (a *Allocator) Finalize() {
	if !a.initialized {
		return
	}
	for i := range a.buckets {
		h := (*heap)(unsafe.Pointer(a.buckets[i].Load()))
		for h != nil {
			next := h.nextHeap
			a.releaseHeap(h)
			h = next
		}
		a.buckets[i].Store(0)
	}
	for pc := uintptr(1); pc <= maxSpanPageCount; pc++ {
		a.central[pc].drain(a, pc)
	}
	a.orphans.Store(0)
	a.heapID.Store(0)
	a.threads.Range(func(k, v any) bool {
		a.threads.Delete(k)
		return true
	})
	a.initialized = false
}

// releaseHeap reclaims everything a heap still holds at finalization: the
// deferred-free inbox, the cached free spans, and the heap page itself.
func (a *Allocator) releaseHeap(h *heap) {
	h.drainDeferred(a)
	for pc := uintptr(1); pc <= maxSpanPageCount; pc++ {
		s := h.spanCache[pc]
		for s != nil {
			next := s.nextSpan()
			a.unmapPages(unsafe.Pointer(s), pc)
			s = next
		}
		h.spanCache[pc] = nil
	}
	if debugAssert {
		for ci := range h.sizeCache {
			if h.sizeCache[ci] != nil {
				throw("finalize with live allocations")
			}
		}
	}
	a.unmapPages(unsafe.Pointer(h), heapPageCount)
}

// ThreadInitialize prepares the calling thread for allocation. It is a
// no-op: heaps are created lazily on the first allocation.
func (a *Allocator) ThreadInitialize() {
}

// ThreadFinalize releases the calling thread's heap for adoption by a
// future thread. Cached spans above the release threshold are handed to
// the central cache first.
func (a *Allocator) ThreadFinalize() {
	runtime.LockOSThread()
	tid := threadID()
	v, ok := a.threads.Load(tid)
	if !ok {
		runtime.UnlockOSThread()
		return
	}
	a.threads.Delete(tid)
	h := v.(*heap)
	h.drainDeferred(a)
	for pc := uintptr(1); pc <= maxSpanPageCount; pc++ {
		h.trimSpanCache(a, pc, threadSpanCacheRelease)
	}
	a.orphanHeap(h)
	runtime.UnlockOSThread()
}

// Allocate returns a pointer to at least size usable bytes, or nil if the
// request cannot be satisfied. Blocks are naturally 16-aligned; align is
// accepted as a hint up to 16 and rejected above it.
func (a *Allocator) Allocate(size, align int, flags Flags) unsafe.Pointer {
	if size < 0 || align > blockAlign {
		return nil
	}
	if size > mediumSizeLimit {
		p := a.allocateLarge(uintptr(size))
		if p != nil && flags&ZeroInitialized != 0 {
			memclr(p, uintptr(size))
		}
		return p
	}

	// The heap is keyed on the OS thread; pin the goroutine so the
	// thread cannot change under us. This is the analogue of running
	// the cache path in a non-preemptible context.
	runtime.LockOSThread()
	h := a.threadHeap()
	if h == nil {
		runtime.UnlockOSThread()
		return nil
	}
	if h.deferFree.Load() != 0 {
		h.drainDeferred(a)
	}
	p := h.allocate(a, uintptr(size))
	runtime.UnlockOSThread()

	if p != nil {
		if statsEnabled {
			a.stats.allocations.Add(1)
		}
		if flags&ZeroInitialized != 0 {
			memclr(p, uintptr(size))
		}
	}
	return p
}

// Deallocate returns a block to the allocator. A nil pointer is ignored.
// Blocks freed on a thread other than the owner's are delegated to the
// owning heap's deferred-free stack.
func (a *Allocator) Deallocate(p unsafe.Pointer) {
	if p == nil {
		return
	}
	s := spanOf(p)
	if s.sizeClass == largeSizeClass {
		a.deallocateLarge(s)
		return
	}
	if debugAssert && uint(s.sizeClass) >= sizeClassCount {
		throw("deallocate of untracked pointer")
	}

	runtime.LockOSThread()
	owner := s.owner.Load()
	if h := a.boundHeap(); h != nil && h.id == owner {
		h.free(a, s, p)
	} else {
		a.deferFree(owner, p)
	}
	runtime.UnlockOSThread()

	if statsEnabled {
		a.stats.deallocations.Add(1)
	}
}

// Reallocate grows or shrinks a block, preserving min(size, oldSize)
// bytes. The block is left untouched and nil returned if a needed
// allocation fails. A nil p behaves as Allocate. oldSize may be zero if
// the caller did not track it.
func (a *Allocator) Reallocate(p unsafe.Pointer, size, align, oldSize int) unsafe.Pointer {
	if size < 0 || align > blockAlign {
		return nil
	}
	if p == nil {
		return a.Allocate(size, align, 0)
	}

	s := spanOf(p)
	if s.sizeClass == largeSizeClass {
		// Keep the mapping when the new size still needs at least half
		// of the mapped pages.
		total := uintptr(s.listSize) * pageSize
		need := uintptr(size) + spanHeaderSize
		if need <= total && need*2 >= total {
			return p
		}
	} else {
		csize := uintptr(a.sizeClasses[s.sizeClass].size)
		if uintptr(size) <= csize && uintptr(size)*2 >= csize {
			return p
		}
	}

	q := a.Allocate(size, align, 0)
	if q == nil {
		return nil
	}
	n := a.UsableSize(p)
	if oldSize > 0 && oldSize < n {
		n = oldSize
	}
	if size < n {
		n = size
	}
	memmove(q, p, uintptr(n))
	a.Deallocate(p)
	return q
}

// UsableSize reports the capacity in bytes of the block p points to. p
// must be a pointer previously returned by Allocate or Reallocate.
func (a *Allocator) UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	s := spanOf(p)
	if s.sizeClass == largeSizeClass {
		return int(uintptr(s.listSize)*pageSize - spanHeaderSize)
	}
	return int(a.sizeClasses[s.sizeClass].size)
}

// allocateLarge maps pages directly for an allocation above the medium
// size limit. The span records the page count in place of a list size.
func (a *Allocator) allocateLarge(size uintptr) unsafe.Pointer {
	size += spanHeaderSize
	pages := size >> pageShift
	if size&(pageSize-1) != 0 {
		pages++
	}
	p := a.mapPages(pages)
	if p == nil {
		return nil
	}
	s := (*span)(p)
	s.sizeClass = largeSizeClass
	s.listSize = uint32(pages)
	if statsEnabled {
		a.stats.allocations.Add(1)
	}
	return unsafe.Pointer(uintptr(p) + spanHeaderSize)
}

func (a *Allocator) deallocateLarge(s *span) {
	a.unmapPages(unsafe.Pointer(s), uintptr(s.listSize))
	if statsEnabled {
		a.stats.deallocations.Add(1)
	}
}

// Stats returns a snapshot of the allocator's statistics counters.
func (a *Allocator) Stats() Statistics {
	return a.stats.snapshot()
}

// Initialize prepares the default allocator.
func Initialize() error { return std.Initialize() }

// Finalize tears down the default allocator.
func Finalize() { std.Finalize() }

// ThreadInitialize prepares the calling thread on the default allocator.
func ThreadInitialize() { std.ThreadInitialize() }

// ThreadFinalize orphans the calling thread's heap on the default
// allocator.
func ThreadFinalize() { std.ThreadFinalize() }

// Allocate allocates from the default allocator.
func Allocate(size, align int, flags Flags) unsafe.Pointer {
	return std.Allocate(size, align, flags)
}

// Reallocate reallocates on the default allocator.
func Reallocate(p unsafe.Pointer, size, align, oldSize int) unsafe.Pointer {
	return std.Reallocate(p, size, align, oldSize)
}

// Deallocate frees on the default allocator.
func Deallocate(p unsafe.Pointer) { std.Deallocate(p) }

// UsableSize reports block capacity on the default allocator.
func UsableSize(p unsafe.Pointer) int { return std.UsableSize(p) }

// Stats snapshots the default allocator's counters.
func Stats() Statistics { return std.Stats() }

func throw(s string) {
	panic("memory: " + s)
}

func dlogf(format string, args ...any) {
	log.Printf("memory: "+format, args...)
}

func memclr(p unsafe.Pointer, n uintptr) {
	clear(unsafe.Slice((*byte)(p), n))
}

func memmove(dst, src unsafe.Pointer, n uintptr) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

func osyield() {
	runtime.Gosched()
}
