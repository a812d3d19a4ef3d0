// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "testing"

// resolveClass mirrors the allocation path's class walk.
func resolveClass(a *Allocator, size uintptr) int {
	ci := sizeToClass(size)
	for a.sizeClasses[ci].size == 0 || uintptr(a.sizeClasses[ci].size) < size {
		ci++
	}
	return ci
}

func TestSizeClassTable(t *testing.T) {
	a := new(Allocator)
	a.initSizes()

	for ci, sc := range a.sizeClasses {
		if sc.size == 0 {
			// Merged into a later class; shape must match it.
			continue
		}
		if sc.size%blockAlign != 0 {
			t.Errorf("class %d: size %d not block-aligned", ci, sc.size)
		}
		if sc.pageCount < 1 || sc.pageCount > maxSpanPageCount {
			t.Errorf("class %d: page count %d out of range", ci, sc.pageCount)
		}
		if sc.blockCount < 1 || sc.blockCount > 255 {
			t.Errorf("class %d: block count %d out of range", ci, sc.blockCount)
		}
		span := uintptr(sc.pageCount) * pageSize
		used := spanHeaderSize + uintptr(sc.blockCount)*uintptr(sc.size)
		if used > span {
			t.Errorf("class %d: %d blocks of %d bytes overflow %d pages", ci, sc.blockCount, sc.size, sc.pageCount)
		}
	}
	if last := a.sizeClasses[sizeClassCount-1]; last.size != mediumSizeLimit {
		t.Errorf("last class size = %d, want %d", last.size, mediumSizeLimit)
	}
}

func TestSizeClassResolution(t *testing.T) {
	a := new(Allocator)
	a.initSizes()

	for size := uintptr(0); size <= mediumSizeLimit; size++ {
		ci := resolveClass(a, size)
		sc := a.sizeClasses[ci]
		if uintptr(sc.size) < size {
			t.Fatalf("size %d resolved to class %d of size %d", size, ci, sc.size)
		}
		// No earlier usable class may also fit.
		for prev := ci - 1; prev >= 0; prev-- {
			if a.sizeClasses[prev].size == 0 {
				continue
			}
			if uintptr(a.sizeClasses[prev].size) >= size {
				t.Fatalf("size %d resolved to class %d but class %d of size %d fits",
					size, ci, prev, a.sizeClasses[prev].size)
			}
			break
		}
	}
}

func TestSizeClassDeterminism(t *testing.T) {
	a := new(Allocator)
	b := new(Allocator)
	a.initSizes()
	b.initSizes()
	if a.sizeClasses != b.sizeClasses {
		t.Fatal("size class tables differ between allocators")
	}
}

func TestSizeClassMerging(t *testing.T) {
	a := new(Allocator)
	a.initSizes()

	merged := 0
	for ci := 0; ci < sizeClassCount-1; ci++ {
		if a.sizeClasses[ci].size != 0 {
			continue
		}
		merged++
		if a.sizeClasses[ci].pageCount != a.sizeClasses[ci+1].pageCount ||
			a.sizeClasses[ci].blockCount != a.sizeClasses[ci+1].blockCount {
			t.Errorf("class %d merged but shape differs from class %d", ci, ci+1)
		}
	}
	if merged == 0 {
		t.Error("expected at least one merged size class")
	}
}
