// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule defines the Schedule consumed by the tile scheduler: a flat, ordered list of
// Entry, one per output tile of all the problems of a grouped GEMM.
//
// The schedule is normally produced by the upstream indexing/all-gather stage of the MoE pipeline.
// This package also provides HostProducer, a host-side producer that computes a static schedule
// from the problem sizes, used by tests and the command line tool.
package schedule

import (
	"fmt"

	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Entry of the schedule: which problem a tile belongs to, and the linear index of the tile
// within the problem's tile grid.
type Entry struct {
	ProblemIdx   int32
	ProblemStart int32
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("(%d, %d)", e.ProblemIdx, e.ProblemStart)
}

// Schedule is the flattened Schedule Array. It is read-only once produced.
type Schedule []Entry

// TileCount returns the total number of tiles of the problems under policy P.
func TileCount[P tiling.Policy](problems []tiling.ProblemSize, tile tiling.TileShape) int {
	return xslices.Sum(xslices.Map(problems, func(problem tiling.ProblemSize) int {
		return tiling.TileCount[P](problem, tile)
	}))
}

// Build returns the schedule for the problems under policy P: problems in order, and within each
// problem its tiles in ascending linear order.
func Build[P tiling.Policy](problems []tiling.ProblemSize, tile tiling.TileShape) Schedule {
	s := make(Schedule, 0, TileCount[P](problems, tile))
	for problemIdx, problem := range problems {
		for tileIdx := range tiling.TileCount[P](problem, tile) {
			s = append(s, Entry{ProblemIdx: int32(problemIdx), ProblemStart: int32(tileIdx)})
		}
	}
	return s
}

// Validate checks that the schedule has exactly tileCount entries, that every entry refers to an
// existing problem and to a tile within that problem's grid under policy P, and that each tile
// appears exactly once.
//
// The scheduler itself never validates the schedule: a malformed schedule is a contract violation of
// the producer. This is meant to be used by producers and tests before launching.
func Validate[P tiling.Policy](s Schedule, tileCount int, problems []tiling.ProblemSize, tile tiling.TileShape) error {
	if len(s) != tileCount {
		return errors.Errorf("schedule has %d entries, but tile count is %d", len(s), tileCount)
	}
	if want := TileCount[P](problems, tile); want != tileCount {
		return errors.Errorf("tile count %d doesn't match the %d tiles of the %d problems with tile shape %s",
			tileCount, want, len(problems), tile)
	}
	seen := make([][]bool, len(problems))
	for problemIdx, problem := range problems {
		seen[problemIdx] = make([]bool, tiling.TileCount[P](problem, tile))
	}
	for idx, e := range s {
		if e.ProblemIdx < 0 || int(e.ProblemIdx) >= len(problems) {
			return errors.Errorf("schedule entry #%d %s refers to problem %d, but there are only %d problems",
				idx, e, e.ProblemIdx, len(problems))
		}
		tiles := seen[e.ProblemIdx]
		if e.ProblemStart < 0 || int(e.ProblemStart) >= len(tiles) {
			return errors.Errorf("schedule entry #%d %s refers to tile %d, but problem %d (%s) has %d tiles",
				idx, e, e.ProblemStart, e.ProblemIdx, problems[e.ProblemIdx], len(tiles))
		}
		if tiles[e.ProblemStart] {
			return errors.Errorf("schedule entry #%d %s is duplicate", idx, e)
		}
		tiles[e.ProblemStart] = true
	}
	return nil
}
