// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tiling"
)

// LaunchParams are the parameters of one launch, shared read-only by all units.
type LaunchParams struct {
	// TileCount is the total number of tiles of all problems, and the number of entries of Schedule.
	TileCount int

	// Schedule with exactly TileCount entries, produced before the launch.
	Schedule schedule.Schedule

	// ProblemSizes of the grouped problems, indexed by Entry.ProblemIdx.
	// Only needed by Visitor.TileCoord, Visitor.Region and Visitor.ProblemSize.
	ProblemSizes []tiling.ProblemSize
}

// State of a Visitor.
type State int

const (
	// HasMore means the visitor may still return tiles.
	HasMore State = iota

	// Exhausted means the unit's slice of the schedule was consumed. It's terminal.
	Exhausted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case HasMore:
		return "HasMore"
	case Exhausted:
		return "Exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Visitor is the tile cursor of one lane of an execution unit.
//
// All lanes of a unit walk the same tiles: every lane must call NextTile the same number of times,
// since NextTile synchronizes the lanes of the unit whenever the prefetch buffer is drained and refilled.
// The loop of a lane looks like:
//
//	for v.NextTile() {
//		region := v.Region()
//		... compute this lane's share of region of problem v.ProblemIndex() ...
//	}
type Visitor[P tiling.Policy] struct {
	params *LaunchParams
	shared *SharedStorage
	tile   tiling.TileShape
	policy P

	unitRange         UnitRange
	unit, lane        int
	threadCount       int
	prefetchTileCount int

	tilesComputed  int
	problemIdx     int
	problemTileIdx int
	state          State
	hasTile        bool
}

// newVisitor creates the visitor of lane in unit, and issues the prologue fill of the prefetch buffer
// for this lane.
func newVisitor[P tiling.Policy](config *Config, params *LaunchParams, shared *SharedStorage, gridSize, unit, lane int) *Visitor[P] {
	v := &Visitor[P]{
		params:            params,
		shared:            shared,
		tile:              config.TileShape,
		unitRange:         partition(params.TileCount, gridSize, unit),
		unit:              unit,
		lane:              lane,
		threadCount:       config.ThreadCount,
		prefetchTileCount: config.PrefetchTileCount,
	}
	v.shared.prefetchTiles(v.params, v.unitRange, 0, v.lane, v.threadCount)
	return v
}

// NextTile advances the visitor to the next tile of the unit and reports whether there is one.
//
// It returns false, and the visitor becomes Exhausted, once the unit's range or the schedule is
// consumed. That's the normal end of the work, not an error.
func (v *Visitor[P]) NextTile() bool {
	if v.state == Exhausted {
		return false
	}
	if v.tilesComputed >= v.unitRange.IterationsPerBlock || v.unitRange.BlockLoadStart+v.tilesComputed >= v.params.TileCount {
		v.state = Exhausted
		v.hasTile = false
		return false
	}

	prefetchIdx := v.tilesComputed % v.prefetchTileCount
	if prefetchIdx == 0 {
		// Buffer ready: the writes of the last refill are visible to all lanes.
		v.shared.sync()
	}
	entry := v.shared.prefetched[prefetchIdx]
	v.tilesComputed++

	if v.tilesComputed%v.prefetchTileCount == 0 {
		// Write safety: no lane is still reading the entries about to be overwritten.
		v.shared.sync()
		v.shared.prefetchTiles(v.params, v.unitRange, v.tilesComputed, v.lane, v.threadCount)
	}

	v.problemIdx = int(entry.ProblemIdx)
	v.problemTileIdx = int(entry.ProblemStart)
	v.hasTile = true
	return true
}

func (v *Visitor[P]) assertHasTile(method string) {
	if !v.hasTile {
		exceptions.Panicf("Visitor.%s() called without a current tile: it's only valid after NextTile() returned true", method)
	}
}

// ProblemIndex of the current tile.
func (v *Visitor[P]) ProblemIndex() int {
	v.assertHasTile("ProblemIndex")
	return v.problemIdx
}

// TileIndex is the linear index of the current tile within its problem's tile grid.
func (v *Visitor[P]) TileIndex() int {
	v.assertHasTile("TileIndex")
	return v.problemTileIdx
}

// ProblemSize of the current tile's problem. It requires LaunchParams.ProblemSizes.
func (v *Visitor[P]) ProblemSize() tiling.ProblemSize {
	v.assertHasTile("ProblemSize")
	if v.problemIdx >= len(v.params.ProblemSizes) {
		exceptions.Panicf("Visitor.ProblemSize(): problem %d has no size, LaunchParams.ProblemSizes has %d problems",
			v.problemIdx, len(v.params.ProblemSizes))
	}
	return v.params.ProblemSizes[v.problemIdx]
}

// TileCoord of the current tile in its problem's output tile grid, decoded according to policy P.
func (v *Visitor[P]) TileCoord() tiling.Coord {
	return v.policy.Decode(v.TileIndex(), v.ProblemSize(), v.tile)
}

// Region of the output of the current problem covered by the current tile.
func (v *Visitor[P]) Region() tiling.Region {
	problem := v.ProblemSize()
	return tiling.RegionOf(v.policy.Decode(v.problemTileIdx, problem, v.tile), problem, v.policy.OutputTile(v.tile))
}

// State of the visitor.
func (v *Visitor[P]) State() State { return v.state }

// TilesComputed is the number of tiles returned so far.
func (v *Visitor[P]) TilesComputed() int { return v.tilesComputed }

// Range of the schedule assigned to the unit.
func (v *Visitor[P]) Range() UnitRange { return v.unitRange }

// Unit is the ordinal of the execution unit in the grid.
func (v *Visitor[P]) Unit() int { return v.unit }

// Lane is the index of this visitor's lane within its unit.
func (v *Visitor[P]) Lane() int { return v.lane }

// ThreadCount is the number of lanes of the unit.
func (v *Visitor[P]) ThreadCount() int { return v.threadCount }

// Tile shape of the kernel.
func (v *Visitor[P]) Tile() tiling.TileShape { return v.tile }
