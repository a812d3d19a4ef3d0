// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "unsafe"

// mapPages obtains pages*pageSize bytes from the operating system,
// aligned to the span granularity. Returns nil when the system is out of
// memory; no allocator state is touched in that case.
func (a *Allocator) mapPages(pages uintptr) unsafe.Pointer {
	p := sysMap(pages * pageSize)
	if p == nil {
		return nil
	}
	if debugAssert && uintptr(p)&spanMask != 0 {
		throw("misaligned span mapping")
	}
	if statsEnabled {
		n := int64(pages * pageSize)
		a.stats.mapped.Add(n)
		a.stats.mappedTotal.Add(uint64(n))
	}
	return p
}

// unmapPages returns a region obtained from mapPages.
func (a *Allocator) unmapPages(p unsafe.Pointer, pages uintptr) {
	sysUnmap(p, pages*pageSize)
	if statsEnabled {
		n := int64(pages * pageSize)
		a.stats.mapped.Add(-n)
		a.stats.unmappedTotal.Add(uint64(n))
	}
}
