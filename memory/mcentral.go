// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Central free span caches.
//
// One lock-free stack per page count holds the fully free spans that
// overflow the per-thread heap caches. The central cache doesn't track
// spans individually; heaps hand over whole sublists, already threaded
// through the span headers, and take back whole sublists.
//
// The stack head is a single word packing the head span's address with
// the stack's span count: span addresses are aligned to the span
// granularity, so the low 16 bits are free for the count. Each sublist
// head records its own length in listSize and a skip link to the sublist
// below it in prev, which is what lets extract peel off exactly one
// sublist. A reserved head value serves as a lock token for the brief
// extract critical section; inserts that observe it yield and retry.

package memory

import (
	"sync/atomic"
	"unsafe"
)

type centralCache struct {
	head atomic.Uintptr
}

// centralLocked is the lock token: a null span with count one, a state
// no insert ever produces.
const centralLocked = 1

func centralPack(s *span, count uintptr) uintptr {
	if s == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(s)) | count
}

func centralSpan(word uintptr) *span {
	return (*span)(unsafe.Pointer(word &^ uintptr(spanMask)))
}

func centralCount(word uintptr) uintptr {
	return word & uintptr(spanMask)
}

// insert pushes a sublist of count spans, threaded through next with a
// nil-terminated tail, onto the cache. Past the hard ceiling the spans
// are unmapped instead of cached.
func (c *centralCache) insert(a *Allocator, sub *span, count uint32, pc uintptr) {
	tail := sub
	for i := uint32(1); i < count; i++ {
		tail = tail.nextSpan()
	}
	for {
		old := c.head.Load()
		if old == centralLocked {
			osyield()
			continue
		}
		oldHead := centralSpan(old)
		oldCount := centralCount(old)
		if oldCount+uintptr(count) > centralCacheLimit {
			a.unmapList(sub, count, pc)
			return
		}
		tail.setNext(oldHead)
		sub.setPrev(oldHead)
		sub.listSize = count
		if c.head.CompareAndSwap(old, centralPack(sub, oldCount+uintptr(count))) {
			if statsEnabled {
				a.stats.centralInserts.Add(uint64(count))
			}
			return
		}
	}
}

// extract pops one whole sublist and returns its head, or nil when the
// cache is empty. The head's listSize is the sublist length; the chain is
// cut after it.
func (c *centralCache) extract(a *Allocator) *span {
	for {
		old := c.head.Load()
		if old == 0 {
			return nil
		}
		if old == centralLocked {
			osyield()
			continue
		}
		if !c.head.CompareAndSwap(old, centralLocked) {
			continue
		}
		s := centralSpan(old)
		count := centralCount(old)
		next := s.prevSpan()
		c.head.Store(centralPack(next, count-uintptr(s.listSize)))

		// The sublist is ours now; detach its tail from the rest of
		// the stack.
		tail := s
		for i := uint32(1); i < s.listSize; i++ {
			tail = tail.nextSpan()
		}
		tail.next = 0
		s.prev = 0
		if statsEnabled {
			a.stats.centralExtracts.Add(uint64(s.listSize))
		}
		return s
	}
}

// drain unmaps every cached span. Only called at finalization, with no
// concurrent operations.
func (c *centralCache) drain(a *Allocator, pc uintptr) {
	for {
		s := c.extract(a)
		if s == nil {
			break
		}
		a.unmapList(s, s.listSize, pc)
	}
	c.head.Store(0)
}

// unmapList returns a nil-terminated sublist of count spans to the
// operating system.
func (a *Allocator) unmapList(s *span, count uint32, pc uintptr) {
	for i := uint32(0); i < count; i++ {
		next := s.nextSpan()
		a.unmapPages(unsafe.Pointer(s), pc)
		s = next
	}
}
