// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilesched/pkg/core/tiling"
)

// Producer is implemented by whoever is responsible for filling in the schedule before a launch.
//
// A host driver calls WorkspaceSize to allocate the workspace (in number of entries) and, if
// RequiresPrecomputation is true, HostPrecompute to fill it in.
type Producer interface {
	// RequiresPrecomputation reports whether HostPrecompute must be called before the launch.
	RequiresPrecomputation() bool

	// WorkspaceSize returns the number of entries of the workspace needed for the problems, for a grid
	// of blockCount execution units.
	WorkspaceSize(problems []tiling.ProblemSize, blockCount int) int

	// HostPrecompute fills workspace (of size at least WorkspaceSize) with the schedule.
	HostPrecompute(problems []tiling.ProblemSize, blockCount int, workspace Schedule)
}

// HostProducer computes a static schedule on the host, with the tiles of problems tiled by Tile
// under policy P.
type HostProducer[P tiling.Policy] struct {
	Tile tiling.TileShape
}

var _ Producer = HostProducer[tiling.Forward]{}

// RequiresPrecomputation implements Producer.
func (h HostProducer[P]) RequiresPrecomputation() bool { return true }

// WorkspaceSize implements Producer. The schedule doesn't depend on the number of units.
func (h HostProducer[P]) WorkspaceSize(problems []tiling.ProblemSize, _ int) int {
	return TileCount[P](problems, h.Tile)
}

// HostPrecompute implements Producer.
func (h HostProducer[P]) HostPrecompute(problems []tiling.ProblemSize, blockCount int, workspace Schedule) {
	size := h.WorkspaceSize(problems, blockCount)
	if len(workspace) < size {
		exceptions.Panicf("schedule.HostProducer.HostPrecompute: workspace has %d entries, %d required", len(workspace), size)
	}
	copy(workspace, Build[P](problems, h.Tile))
}

// Produce runs the producer protocol with p: it allocates the workspace and, if the producer requires
// it, precomputes the schedule. For producers that don't precompute, the returned schedule is empty
// and the caller is expected to get it from somewhere else.
func Produce(p Producer, problems []tiling.ProblemSize, blockCount int) Schedule {
	workspace := make(Schedule, p.WorkspaceSize(problems, blockCount))
	if p.RequiresPrecomputation() {
		p.HostPrecompute(problems, blockCount, workspace)
	}
	return workspace
}
