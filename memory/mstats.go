// Copyright 2014 Mattias Jansson. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Allocator statistics.
//
// Counters are sampled with atomic adds on the allocate, free and map
// paths and read as a consistent-enough snapshot; individual counters are
// exact, relationships between them are momentary. Compiled out when
// statsEnabled is false.

package memory

import "sync/atomic"

type mstats struct {
	mapped        atomic.Int64
	mappedTotal   atomic.Uint64
	unmappedTotal atomic.Uint64

	allocations   atomic.Uint64
	deallocations atomic.Uint64
	deferredFrees atomic.Uint64

	centralInserts  atomic.Uint64
	centralExtracts atomic.Uint64

	heapsCreated  atomic.Uint64
	heapsAdopted  atomic.Uint64
	heapsOrphaned atomic.Uint64
}

// Statistics is a point-in-time snapshot of an Allocator's counters.
type Statistics struct {
	// MappedBytes is the memory currently held from the operating
	// system; MappedTotalBytes and UnmappedTotalBytes are the running
	// totals of both directions.
	MappedBytes        int64
	MappedTotalBytes   uint64
	UnmappedTotalBytes uint64

	Allocations   uint64
	Deallocations uint64
	DeferredFrees uint64

	// CentralCacheInserts and CentralCacheExtracts count spans moved
	// into and out of the central span cache.
	CentralCacheInserts  uint64
	CentralCacheExtracts uint64

	HeapsCreated  uint64
	HeapsAdopted  uint64
	HeapsOrphaned uint64
}

func (m *mstats) snapshot() Statistics {
	return Statistics{
		MappedBytes:          m.mapped.Load(),
		MappedTotalBytes:     m.mappedTotal.Load(),
		UnmappedTotalBytes:   m.unmappedTotal.Load(),
		Allocations:          m.allocations.Load(),
		Deallocations:        m.deallocations.Load(),
		DeferredFrees:        m.deferredFrees.Load(),
		CentralCacheInserts:  m.centralInserts.Load(),
		CentralCacheExtracts: m.centralExtracts.Load(),
		HeapsCreated:         m.heapsCreated.Load(),
		HeapsAdopted:         m.heapsAdopted.Load(),
		HeapsOrphaned:        m.heapsOrphaned.Load(),
	}
}
