// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// sysMap reserves and commits size bytes. The Windows allocation
// granularity is 64 KiB, the same as the span granularity, so mappings
// are naturally span-aligned.
func sysMap(size uintptr) unsafe.Pointer {
	p, err := windows.VirtualAlloc(0, size,
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil
	}
	if p&uintptr(spanMask) != 0 {
		windows.VirtualFree(p, 0, windows.MEM_RELEASE)
		return nil
	}
	return unsafe.Pointer(p)
}

func sysUnmap(p unsafe.Pointer, size uintptr) {
	windows.VirtualFree(uintptr(p), 0, windows.MEM_RELEASE)
}
