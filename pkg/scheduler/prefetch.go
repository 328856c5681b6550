// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/gomlx/tilesched/internal/xsync"
	"github.com/gomlx/tilesched/pkg/core/schedule"
)

// SharedStorage is the storage shared by the lanes of one execution unit: the prefetch buffer with
// the next entries of the unit's slice of the schedule, and the barrier the lanes rendezvous on.
//
// The buffer is reused across refill cycles. Lanes only write to it between the write-safety barrier
// and the next buffer-ready barrier, and only read from it after the buffer-ready barrier.
type SharedStorage struct {
	prefetched []schedule.Entry
	barrier    *xsync.Barrier
}

// NewSharedStorage creates the storage of one unit, for the given buffer capacity and number of lanes.
func NewSharedStorage(prefetchTileCount, threadCount int) *SharedStorage {
	return &SharedStorage{
		prefetched: make([]schedule.Entry, prefetchTileCount),
		barrier:    xsync.NewBarrier(threadCount),
	}
}

// Capacity of the prefetch buffer.
func (s *SharedStorage) Capacity() int {
	return len(s.prefetched)
}

// sync is the rendezvous of all lanes of the unit.
//
// It panics if the barrier was broken by a failing lane, so the remaining lanes don't wait forever.
func (s *SharedStorage) sync() {
	if err := s.barrier.Wait(); err != nil {
		panic(err)
	}
}

// prefetchTiles copies the part of the next refill that belongs to lane: slots lane, lane+threadCount,
// lane+2*threadCount, ... of the buffer, from the schedule entries following the tilesComputed
// already consumed by the unit.
//
// Slots past the end of the unit's range, or past the end of the schedule, are left untouched.
func (s *SharedStorage) prefetchTiles(params *LaunchParams, r UnitRange, tilesComputed, lane, threadCount int) {
	capacity := len(s.prefetched)
	for offset := lane; offset < capacity; offset += threadCount {
		unitIdx := tilesComputed + offset
		globalIdx := r.BlockLoadStart + unitIdx
		if unitIdx >= r.IterationsPerBlock || globalIdx >= params.TileCount {
			break
		}
		s.prefetched[offset] = params.Schedule[globalIdx]
	}
}
