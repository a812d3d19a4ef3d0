// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Per-thread heaps.
//
// A heap owns spans. Each size class has a doubly-linked list of spans
// with at least one free block; each page count has a singly-linked cache
// of fully free spans. All of it is touched only by the owning thread.
// The one cross-thread door is the deferred-free inbox, a lock-free stack
// of blocks freed by other threads, drained by the owner at each
// allocation.
//
// Heaps live on pages mapped straight from the page mapper, never on the
// Go heap, and are never unmapped before finalization: a heap whose
// thread exits is pushed on the orphan stack and adopted wholesale by the
// next thread that needs one. The registry keeps every heap reachable by
// id so a remote free can always find the owner.

package memory

import (
	"sync/atomic"
	"unsafe"
)

type heap struct {
	id uint32

	// deferFree is the inbox of blocks freed by non-owner threads: a
	// lock-free LIFO threaded through the first bytes of each block.
	// Producers push with CAS; only the owner empties it, with a single
	// swap, so the two never contend on removal.
	deferFree atomic.Uintptr

	nextHeap   *heap // registry bucket chain
	nextOrphan *heap // orphan stack chain

	// sizeCache[c] heads the list of partial spans of class c.
	sizeCache [sizeClassCount]*span

	// spanCache[p] heads the cache of fully free p-page spans. The head
	// span's listSize tracks the list length.
	spanCache [maxSpanPageCount + 1]*span
}

// A heap must fit in its mapped pages.
const heapPageCount = (unsafe.Sizeof(heap{}) + pageSize - 1) / pageSize

// allocate carves one block of at least size bytes out of the heap.
func (h *heap) allocate(a *Allocator, size uintptr) unsafe.Pointer {
	ci := sizeToClass(size)
	sc := &a.sizeClasses[ci]
	for sc.size == 0 || uintptr(sc.size) < size {
		ci++
		sc = &a.sizeClasses[ci]
	}

	if s := h.sizeCache[ci]; s != nil {
		p := s.popBlock(uintptr(sc.size), uintptr(sc.blockCount))
		if s.freeCount == 0 {
			// The span is full; it leaves the list and is tracked
			// only through pointer masking until a block is freed.
			h.unlinkHead(ci, s)
		}
		return p
	}

	s := h.acquireSpan(a, uintptr(sc.pageCount))
	if s == nil {
		return nil
	}
	s.reset(ci, sc)
	if sc.blockCount > 1 {
		h.sizeCache[ci] = s
	}
	s.owner.Store(h.id)
	return s.blockAt(0, uintptr(sc.size))
}

// free is the local deallocation path: the calling thread owns the span's
// heap. Deferred blocks are drained through here as well.
func (h *heap) free(a *Allocator, s *span, p unsafe.Pointer) {
	ci := int(s.sizeClass)
	sc := &a.sizeClasses[ci]

	wasFull := s.freeCount == 0
	s.pushBlock(p, uintptr(sc.size))

	if uintptr(s.freeCount) == uintptr(sc.blockCount) {
		// Fully free: out of the partial list, into the span cache.
		if !wasFull {
			h.unlink(ci, s)
		}
		h.cacheSpan(a, s, uintptr(sc.pageCount))
		return
	}
	if wasFull {
		h.linkHead(ci, s)
	}
}

// linkHead pushes s to the head of the partial list for class ci.
func (h *heap) linkHead(ci int, s *span) {
	head := h.sizeCache[ci]
	s.setNext(head)
	s.prev = 0
	if head != nil {
		head.setPrev(s)
	}
	h.sizeCache[ci] = s
}

// unlinkHead removes s, known to be the list head.
func (h *heap) unlinkHead(ci int, s *span) {
	n := s.nextSpan()
	if n != nil {
		n.prev = 0
	}
	h.sizeCache[ci] = n
	s.next = 0
}

// unlink removes s from anywhere in the partial list for class ci.
func (h *heap) unlink(ci int, s *span) {
	if h.sizeCache[ci] == s {
		h.unlinkHead(ci, s)
		return
	}
	prev := s.prevSpan()
	next := s.nextSpan()
	if debugAssert && prev == nil {
		throw("unlink of unlisted span")
	}
	prev.setNext(next)
	if next != nil {
		next.setPrev(prev)
	}
	s.next = 0
	s.prev = 0
}

// acquireSpan obtains a free span of pc pages: heap cache, then central
// cache, then a fresh mapping.
func (h *heap) acquireSpan(a *Allocator, pc uintptr) *span {
	if s := h.spanCache[pc]; s != nil {
		next := s.nextSpan()
		if next != nil {
			next.listSize = s.listSize - 1
		}
		h.spanCache[pc] = next
		return s
	}
	if s := a.central[pc].extract(a); s != nil {
		// The first span services the allocation; the rest of the
		// extracted run becomes the heap's cache for this page count.
		// The parked spans take this heap's id immediately: owner must
		// match the holding heap whenever a span sits on one of its
		// caches, not just once it is carved.
		rest := s.nextSpan()
		if rest != nil {
			rest.listSize = s.listSize - 1
		}
		for r := rest; r != nil; r = r.nextSpan() {
			r.owner.Store(h.id)
		}
		h.spanCache[pc] = rest
		return s
	}
	return (*span)(a.mapPages(pc))
}

// cacheSpan stores a fully free span in the heap cache, spilling half of
// the list into the central cache past the high-water mark.
func (h *heap) cacheSpan(a *Allocator, s *span, pc uintptr) {
	head := h.spanCache[pc]
	count := uint32(1)
	if head != nil {
		count += head.listSize
	}
	s.setNext(head)
	s.prev = 0
	s.listSize = count
	h.spanCache[pc] = s
	if count > threadSpanCacheLimit {
		h.trimSpanCache(a, pc, threadSpanCacheRelease)
	}
}

// trimSpanCache keeps at most keep spans in the cache for pc pages and
// hands the rest to the central cache as one sublist.
func (h *heap) trimSpanCache(a *Allocator, pc uintptr, keep uint32) {
	head := h.spanCache[pc]
	if head == nil || head.listSize <= keep {
		return
	}
	count := head.listSize
	if keep == 0 {
		h.spanCache[pc] = nil
		a.central[pc].insert(a, head, count, pc)
		return
	}
	tail := head
	for i := uint32(1); i < keep; i++ {
		tail = tail.nextSpan()
	}
	sub := tail.nextSpan()
	tail.next = 0
	head.listSize = keep
	a.central[pc].insert(a, sub, count-keep, pc)
}

// drainDeferred empties the deferred-free inbox and applies the local
// free path to every block. Only the owning thread calls this, so the
// swap cannot race with another drainer.
func (h *heap) drainDeferred(a *Allocator) {
	p := h.deferFree.Swap(0)
	for p != 0 {
		next := *(*uintptr)(unsafe.Pointer(p))
		h.free(a, spanOf(unsafe.Pointer(p)), unsafe.Pointer(p))
		p = next
	}
}

// deferFree pushes a block onto the owning heap's inbox. The next link is
// written into the block's first bytes before the head CAS publishes it.
func (a *Allocator) deferFree(owner uint32, p unsafe.Pointer) {
	h := a.heapByID(owner)
	if h == nil {
		throw("free of pointer with unknown heap")
	}
	for {
		old := h.deferFree.Load()
		*(*uintptr)(p) = old
		if h.deferFree.CompareAndSwap(old, uintptr(p)) {
			break
		}
	}
	if statsEnabled {
		a.stats.deferredFrees.Add(1)
	}
}

// boundHeap returns the heap bound to the calling thread, or nil. The
// caller must hold the OS thread lock.
func (a *Allocator) boundHeap() *heap {
	if v, ok := a.threads.Load(threadID()); ok {
		return v.(*heap)
	}
	return nil
}

// threadHeap returns the calling thread's heap, adopting an orphan or
// creating a fresh heap on first use. The caller must hold the OS thread
// lock.
func (a *Allocator) threadHeap() *heap {
	tid := threadID()
	if v, ok := a.threads.Load(tid); ok {
		return v.(*heap)
	}
	h := a.adoptHeap()
	if h == nil {
		h = a.createHeap()
	}
	if h != nil {
		a.threads.Store(tid, h)
	}
	return h
}

// heapByID finds a registered heap by id.
func (a *Allocator) heapByID(id uint32) *heap {
	h := (*heap)(unsafe.Pointer(a.buckets[id%heapBucketCount].Load()))
	for h != nil && h.id != id {
		h = h.nextHeap
	}
	return h
}

// createHeap maps and registers a new heap. The id comes from a monotonic
// counter, skipping zero and any id still live in its bucket.
func (a *Allocator) createHeap() *heap {
	p := a.mapPages(heapPageCount)
	if p == nil {
		return nil
	}
	memclr(p, heapPageCount*pageSize)
	h := (*heap)(p)

	for {
		id := a.heapID.Add(1)
		if id == 0 || a.heapByID(id) != nil {
			continue
		}
		h.id = id
		break
	}

	b := &a.buckets[h.id%heapBucketCount]
	for {
		old := b.Load()
		h.nextHeap = (*heap)(unsafe.Pointer(old))
		if b.CompareAndSwap(old, uintptr(unsafe.Pointer(h))) {
			break
		}
	}
	if statsEnabled {
		a.stats.heapsCreated.Add(1)
	}
	return h
}

// Orphan stack. Heap pages are span-aligned, so the low bits of the head
// word are free to carry a push tag that defeats ABA on the pop CAS;
// heaps themselves are never unmapped while the allocator lives.

func (a *Allocator) orphanHeap(h *heap) {
	for {
		old := a.orphans.Load()
		h.nextOrphan = (*heap)(unsafe.Pointer(old &^ uintptr(spanMask)))
		next := uintptr(unsafe.Pointer(h)) | ((old + 1) & uintptr(spanMask))
		if a.orphans.CompareAndSwap(old, next) {
			break
		}
	}
	if statsEnabled {
		a.stats.heapsOrphaned.Add(1)
	}
}

func (a *Allocator) adoptHeap() *heap {
	for {
		old := a.orphans.Load()
		h := (*heap)(unsafe.Pointer(old &^ uintptr(spanMask)))
		if h == nil {
			return nil
		}
		next := uintptr(unsafe.Pointer(h.nextOrphan)) | ((old + 1) & uintptr(spanMask))
		if a.orphans.CompareAndSwap(old, next) {
			h.nextOrphan = nil
			if statsEnabled {
				a.stats.heapsAdopted.Add(1)
			}
			return h
		}
	}
}
