// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling defines the geometry of grouped matrix-multiplication problems: problem sizes,
// tile shapes, the grid of output tiles of a problem, and the Policy that decodes a linear tile
// index into a tile of the output.
//
// Two policies are provided, Forward and Transposed. They are meant to be used as type parameters
// (e.g. scheduler.Kernel[tiling.Transposed]), so the choice is fixed when the kernel is
// instantiated and not re-evaluated per tile.
package tiling

import "fmt"

// ProblemSize of one GEMM problem: output is M x N, contracting axis is K.
type ProblemSize struct {
	M, N, K int
}

// String implements fmt.Stringer.
func (p ProblemSize) String() string {
	return fmt.Sprintf("%dx%dx%d", p.M, p.N, p.K)
}

// swapped returns the problem with M and N exchanged: the transposed output C^T = B^T x A^T.
func (p ProblemSize) swapped() ProblemSize {
	return ProblemSize{M: p.N, N: p.M, K: p.K}
}

// TileShape is the shape of the output tile computed by one iteration of an execution unit.
// K is the contracting depth of each step of the tile loop, it doesn't change the tiling of the output.
type TileShape struct {
	M, N, K int
}

// String implements fmt.Stringer.
func (t TileShape) String() string {
	if t.K > 0 {
		return fmt.Sprintf("%dx%dx%d", t.M, t.N, t.K)
	}
	return fmt.Sprintf("%dx%d", t.M, t.N)
}

// Ok returns whether the output dimensions of the tile are positive.
func (t TileShape) Ok() bool {
	return t.M > 0 && t.N > 0 && t.K >= 0
}

// GridShape is the number of tiles along the rows and columns of a problem's output.
type GridShape struct {
	Rows, Cols int
}

// Count returns the number of tiles in the grid.
func (g GridShape) Count() int {
	return g.Rows * g.Cols
}

// Coord of a tile in the output tile grid of a problem.
type Coord struct {
	Row, Col int
}

// Region of the output matrix, in elements: rows [Row, Row+Rows) and columns [Col, Col+Cols).
type Region struct {
	Row, Col   int
	Rows, Cols int
}

// Empty returns whether the region holds no elements.
func (r Region) Empty() bool {
	return r.Rows <= 0 || r.Cols <= 0
}

// ceilDiv of non-negative numbers.
func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// rowMajorGrid tiles an M x N output with tiles of tm x tn.
func rowMajorGrid(m, n, tm, tn int) GridShape {
	return GridShape{Rows: ceilDiv(m, tm), Cols: ceilDiv(n, tn)}
}

// RegionOf returns the output region covered by the tile at coord, for a problem whose output is
// tiled in tiles of outputTile (see Policy.OutputTile). The region is clipped to the problem bounds.
func RegionOf(coord Coord, problem ProblemSize, outputTile TileShape) Region {
	r := Region{Row: coord.Row * outputTile.M, Col: coord.Col * outputTile.N}
	r.Rows = min(outputTile.M, problem.M-r.Row)
	r.Cols = min(outputTile.N, problem.N-r.Col)
	return r
}
