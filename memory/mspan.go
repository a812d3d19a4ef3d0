// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"sync/atomic"
	"unsafe"
)

// A span is a contiguous run of pages aligned to the span granularity,
// carved into blocks of a single size class. The header lives at the
// start of the mapped region; the rest is block storage. Spans are linked
// into lists through signed span-granularity offsets rather than raw
// pointers, so a list keeps its shape when handed between caches and a
// link fits in 32 bits. Offset 0 means no neighbour.
//
// A span stays valid, readable memory for as long as it sits on any
// cache; it is only returned to the operating system by an explicit
// unmap.
type span struct {
	// owner is the id of the heap that currently owns this span: the
	// heap whose partial list or span cache it sits on, or whose carve
	// it last served. It is written with a release store whenever a
	// span is handed to a heap and read with an acquire load on the
	// deallocation path.
	owner atomic.Uint32

	sizeClass uint8

	// freeList is the index of the first free block. The index of the
	// block after it is stored in the first four bytes of the free
	// block itself, or is the auto-link marker meaning the free list
	// continues at the next consecutive index.
	freeList  uint8
	freeCount uint16

	// listSize is the number of spans reachable through next when this
	// span heads a cache list. Large direct spans reuse it for their
	// page count.
	listSize uint32

	next int32
	prev int32
}

// The span header must leave block 0 at a block-aligned offset.
var _ [spanHeaderSize - unsafe.Sizeof(span{})]byte
var _ [0 - spanHeaderSize%blockAlign]byte

// autoLink marks a free block whose successor is the next consecutive
// block index and has not been touched yet. It lets a fresh span skip
// threading its whole free list up front.
const autoLink = ^uint32(0)

// spanOf returns the span containing p. Valid for any pointer into a
// span, including large direct mappings, because spans are aligned to the
// span granularity.
func spanOf(p unsafe.Pointer) *span {
	return (*span)(unsafe.Pointer(uintptr(p) &^ uintptr(spanMask)))
}

func (s *span) base() uintptr {
	return uintptr(unsafe.Pointer(s))
}

// spanAt resolves a span-granularity offset relative to s. Offset 0 is
// no span.
func (s *span) spanAt(off int32) *span {
	if off == 0 {
		return nil
	}
	return (*span)(unsafe.Pointer(uintptr(int64(s.base()) + int64(off)*spanSize)))
}

// spanDelta encodes the link from one span to another. The address space
// assumption is that two spans are never further apart than 1<<47 bytes.
func spanDelta(from, to *span) int32 {
	if to == nil {
		return 0
	}
	return int32((int64(to.base()) - int64(from.base())) >> spanShift)
}

func (s *span) nextSpan() *span { return s.spanAt(s.next) }
func (s *span) prevSpan() *span { return s.spanAt(s.prev) }
func (s *span) setNext(t *span) { s.next = spanDelta(s, t) }
func (s *span) setPrev(t *span) { s.prev = spanDelta(s, t) }

// blockAt returns the address of block idx for the given block size.
func (s *span) blockAt(idx, size uintptr) unsafe.Pointer {
	return unsafe.Pointer(s.base() + spanHeaderSize + idx*size)
}

// blockIndex maps a pointer inside the span back to its block index.
func (s *span) blockIndex(p unsafe.Pointer, size uintptr) uintptr {
	return (uintptr(p) - (s.base() + spanHeaderSize)) / size
}

// setBlockLink writes the free-list word of block idx. The allocator owns
// the first bytes of every free block; user data overwrites them once the
// block is handed out.
func (s *span) setBlockLink(idx, size uintptr, link uint32) {
	*(*uint32)(s.blockAt(idx, size)) = link
}

// reset prepares a recycled or fresh span for carving blocks of the given
// class. Block 0 is considered handed out by the caller.
func (s *span) reset(ci int, sc *sizeClass) {
	s.sizeClass = uint8(ci)
	s.freeList = 1
	s.freeCount = sc.blockCount - 1
	s.listSize = 0
	s.next = 0
	s.prev = 0
	if sc.blockCount > 1 {
		s.setBlockLink(1, uintptr(sc.size), autoLink)
	}
}

// popBlock carves one block off the span's free list. The caller must
// have checked freeCount > 0.
func (s *span) popBlock(size, blockCount uintptr) unsafe.Pointer {
	idx := uintptr(s.freeList)
	p := s.blockAt(idx, size)
	link := *(*uint32)(p)
	if link == autoLink {
		nx := idx + 1
		if nx < blockCount {
			s.setBlockLink(nx, size, autoLink)
		}
		s.freeList = uint8(nx)
	} else {
		s.freeList = uint8(link)
	}
	s.freeCount--
	return p
}

// pushBlock threads a freed block back onto the span's free list.
func (s *span) pushBlock(p unsafe.Pointer, size uintptr) {
	idx := s.blockIndex(p, size)
	*(*uint32)(p) = uint32(s.freeList)
	s.freeList = uint8(idx)
	s.freeCount++
}
