// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

// Policy defines how a problem is tiled and in which order its tiles are traversed.
//
// Implementations are empty structs used as type parameters.
type Policy interface {
	// Transposed reports whether the problem is tiled in its transposed form.
	Transposed() bool

	// GridShape returns the shape of the grid of tiles the policy iterates over for the problem.
	// Its Count is the number of schedule entries the problem contributes.
	GridShape(problem ProblemSize, tile TileShape) GridShape

	// Decode maps the linear index of a tile within a problem to its coordinate in the output tile grid
	// of the problem, whose tiles have the shape returned by OutputTile.
	Decode(tileIdx int, problem ProblemSize, tile TileShape) Coord

	// OutputTile is the shape, in the original (not transposed) output, of a tile of the given shape.
	OutputTile(tile TileShape) TileShape
}

// Forward tiles the output C = A x B as is, traversing the tile grid in row-major order.
// It is used by the gather-then-compute direction.
type Forward struct{}

// Transposed tiles the transposed output C^T = B^T x A^T, row-major over the transposed grid, which
// is a column-major sweep over the output C. It is used by the compute-then-scatter direction.
type Transposed struct{}

var (
	_ Policy = Forward{}
	_ Policy = Transposed{}
)

// Transposed implements Policy.
func (Forward) Transposed() bool { return false }

// GridShape implements Policy.
func (Forward) GridShape(problem ProblemSize, tile TileShape) GridShape {
	return rowMajorGrid(problem.M, problem.N, tile.M, tile.N)
}

// Decode implements Policy.
func (p Forward) Decode(tileIdx int, problem ProblemSize, tile TileShape) Coord {
	grid := p.GridShape(problem, tile)
	return Coord{Row: tileIdx / grid.Cols, Col: tileIdx % grid.Cols}
}

// OutputTile implements Policy.
func (Forward) OutputTile(tile TileShape) TileShape { return tile }

// Transposed implements Policy.
func (Transposed) Transposed() bool { return true }

// GridShape implements Policy. The grid is the one of the transposed problem.
func (Transposed) GridShape(problem ProblemSize, tile TileShape) GridShape {
	swapped := problem.swapped()
	return rowMajorGrid(swapped.M, swapped.N, tile.M, tile.N)
}

// Decode implements Policy.
func (p Transposed) Decode(tileIdx int, problem ProblemSize, tile TileShape) Coord {
	grid := p.GridShape(problem, tile)
	// Row/col of the transposed grid are col/row of the output grid.
	return Coord{Row: tileIdx % grid.Cols, Col: tileIdx / grid.Cols}
}

// OutputTile implements Policy.
func (Transposed) OutputTile(tile TileShape) TileShape {
	return TileShape{M: tile.N, N: tile.M, K: tile.K}
}

// TileCount returns the number of tiles of the problem under policy P.
func TileCount[P Policy](problem ProblemSize, tile TileShape) int {
	var policy P
	return policy.GridShape(problem, tile).Count()
}

// TileRegion returns the output region of the tile tileIdx of the problem under policy P.
func TileRegion[P Policy](tileIdx int, problem ProblemSize, tile TileShape) Region {
	var policy P
	return RegionOf(policy.Decode(tileIdx, problem, tile), problem, policy.OutputTile(tile))
}
