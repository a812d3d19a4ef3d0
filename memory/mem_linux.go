// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysMap asks the kernel for size bytes of anonymous memory aligned to
// the span granularity. mmap only guarantees page alignment, so the
// mapping is padded by one span granule and the misaligned head and tail
// are trimmed back off.
func sysMap(size uintptr) unsafe.Pointer {
	p, err := unix.MmapPtr(-1, 0, nil, size+spanSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}
	addr := uintptr(p)
	aligned := (addr + spanMask) &^ uintptr(spanMask)
	if head := aligned - addr; head != 0 {
		unix.MunmapPtr(p, head)
	}
	if tail := (addr + size + spanSize) - (aligned + size); tail != 0 {
		unix.MunmapPtr(unsafe.Pointer(aligned+size), tail)
	}
	return unsafe.Pointer(aligned)
}

func sysUnmap(p unsafe.Pointer, size uintptr) {
	unix.MunmapPtr(p, size)
}
