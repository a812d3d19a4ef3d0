// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "golang.org/x/sys/windows"

// threadID identifies the calling OS thread. The caller must have locked
// the goroutine to its thread for the id to stay meaningful.
func threadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
