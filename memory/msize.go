// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Malloc size classes.
//
// See malloc.go for overview.
//
// Small classes step by the small granularity (16 bytes) up to the small
// size limit; medium classes step by a larger increment up to the medium
// size limit. For each class a page count is chosen so that the overhead
// per block (header plus tail waste) is minimised, stopping once the
// waste per block drops below 1/32 of the block size. If a class ends up
// with the same span shape as its predecessor the predecessor is merged
// into it; the lookup path walks upward over merged classes.

package memory

// A sizeClass describes the span shape for one block size. The table is
// computed once by initSizes, deterministically, and is read-only
// afterwards.
type sizeClass struct {
	size       uint32 // block size in bytes; 0 when merged into the next class
	pageCount  uint16 // pages mapped per span of this class
	blockCount uint16 // blocks carved from each span
}

func (a *Allocator) initSizes() {
	for i := 0; i < smallClassCount; i++ {
		a.sizeClasses[i].size = uint32((i + 1) * smallGranularity)
		a.adjustSizeClass(i)
	}
	for i := 0; i < mediumClassCount; i++ {
		size := uint32(smallSizeLimit + (i+1)*mediumIncrement)
		if size > mediumSizeLimit {
			size = mediumSizeLimit
		}
		a.sizeClasses[smallClassCount+i].size = size
		a.adjustSizeClass(smallClassCount + i)
	}
}

// adjustSizeClass searches for the page count that minimises overhead per
// allocated byte for class ci, subject to the free-list index fitting in
// eight bits.
func (a *Allocator) adjustSizeClass(ci int) {
	size := uintptr(a.sizeClasses[ci].size)

	// Smallest page count whose span fits at least one block.
	pages := (size + spanHeaderSize + pageSize - 1) / pageSize

	blocks := (pages*pageSize - spanHeaderSize) / size
	wasted := pages*pageSize - spanHeaderSize - blocks*size

	bestFactor := float64(wasted+spanHeaderSize) / float64(blocks*size)
	bestPages := pages
	bestBlocks := blocks

	for float64(wasted)/float64(blocks) > float64(size)/32 {
		pages++
		if pages > maxSpanPageCount {
			break
		}
		blocks = (pages*pageSize - spanHeaderSize) / size
		if blocks > 255 {
			break
		}
		wasted = pages*pageSize - spanHeaderSize - blocks*size

		factor := float64(wasted+spanHeaderSize) / float64(blocks*size)
		if factor < bestFactor {
			bestFactor = factor
			bestPages = pages
			bestBlocks = blocks
		}
	}

	if debugLog {
		dlogf("size class %d: %d pages, %d blocks of %d bytes", ci, bestPages, bestBlocks, size)
	}

	a.sizeClasses[ci].pageCount = uint16(bestPages)
	a.sizeClasses[ci].blockCount = uint16(bestBlocks)

	// Merge the previous class when it would produce the same span
	// shape; requests for it resolve upward to this class instead.
	if ci > 0 &&
		a.sizeClasses[ci-1].pageCount == a.sizeClasses[ci].pageCount &&
		a.sizeClasses[ci-1].blockCount == a.sizeClasses[ci].blockCount {
		a.sizeClasses[ci-1].size = 0
	}
}

// sizeToClass returns the first candidate class index for a request. The
// caller walks upward while the class size is zero (merged) or smaller
// than the request.
func sizeToClass(size uintptr) int {
	if size > smallSizeLimit {
		return smallClassCount + int((size-smallSizeLimit-1)/mediumIncrement)
	}
	if size == 0 {
		return 0
	}
	return int((size - 1) / smallGranularity)
}
