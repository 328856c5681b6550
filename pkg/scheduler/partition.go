// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import "github.com/pkg/errors"

// UnitRange is the slice of the schedule assigned to one execution unit: the nominal range
// [BlockLoadStart, BlockLoadStart+IterationsPerBlock).
//
// The nominal range of the last units may extend past the tile count: only its intersection with
// [0, tileCount) is valid, see Effective.
type UnitRange struct {
	IterationsPerBlock int
	BlockLoadStart     int
}

// Partition returns the range of the schedule assigned to unit, in a grid of gridSize units, for a
// schedule of tileCount tiles: ceil(tileCount/gridSize) tiles per unit, in unit order.
func Partition(tileCount, gridSize, unit int) (UnitRange, error) {
	if gridSize < 1 {
		return UnitRange{}, errors.Errorf("grid size must be >= 1, got %d", gridSize)
	}
	if unit < 0 || unit >= gridSize {
		return UnitRange{}, errors.Errorf("unit %d out of range for a grid of %d units", unit, gridSize)
	}
	if tileCount < 0 {
		return UnitRange{}, errors.Errorf("tile count must be >= 0, got %d", tileCount)
	}
	return partition(tileCount, gridSize, unit), nil
}

// partition is Partition without the checks.
func partition(tileCount, gridSize, unit int) UnitRange {
	iterationsPerBlock := (tileCount - 1 + gridSize) / gridSize
	return UnitRange{
		IterationsPerBlock: iterationsPerBlock,
		BlockLoadStart:     iterationsPerBlock * unit,
	}
}

// Effective returns the valid range [start, end) of the unit, clipped to [0, tileCount).
// It is empty (start == end) if the unit has nothing to do.
func (r UnitRange) Effective(tileCount int) (start, end int) {
	start = min(r.BlockLoadStart, tileCount)
	end = min(r.BlockLoadStart+r.IterationsPerBlock, tileCount)
	return
}

// Len returns the number of tiles the unit will actually compute: min(IterationsPerBlock, max(0, tileCount-BlockLoadStart)).
func (r UnitRange) Len(tileCount int) int {
	start, end := r.Effective(tileCount)
	return end - start
}
