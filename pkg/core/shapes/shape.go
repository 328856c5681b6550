// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the dtype and dimensions of a tensor.
//
// Unlike the shapes of a computation graph, dimensions here may be 0: an expert that received no
// tokens has an activation tensor with 0 rows, and that is a perfectly valid grouped GEMM operand.
//
// The Check* methods return typed errors (*RankError, *DimError) if the shape doesn't match, so
// callers can report the mismatch in their own terms.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a tensor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// RowMajorStrides returns the strides, in elements, of a contiguous row-major layout of the shape.
func (s Shape) RowMajorStrides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= max(s.Dimensions[axis], 1)
	}
	return strides
}

// UncheckedAxis can be used in CheckDims for an axis whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// RankError is returned when a shape doesn't have the wanted rank.
type RankError struct {
	Shape Shape
	Want  int
}

func (e *RankError) Error() string {
	return fmt.Sprintf("shape %s has incompatible rank %d (wanted %d)", e.Shape, e.Shape.Rank(), e.Want)
}

// DimError is returned when an axis of a shape doesn't have the wanted dimension.
type DimError struct {
	Shape      Shape
	Axis, Want int
}

func (e *DimError) Error() string {
	return fmt.Sprintf("shape %s axis %d has dimension %d, wanted %d", e.Shape, e.Axis, e.Shape.Dimensions[e.Axis], e.Want)
}

// CheckRank checks that the shape has the given rank. It returns a *RankError otherwise.
func (s Shape) CheckRank(rank int) error {
	if s.Rank() != rank {
		return &RankError{Shape: s, Want: rank}
	}
	return nil
}

// CheckDims checks that the shape has the given dimensions and rank. A value of UncheckedAxis in
// dimensions means it can take any value and is not checked.
//
// It returns a *RankError if the rank is different, or a *DimError for the first axis that doesn't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if err := s.CheckRank(len(dimensions)); err != nil {
		return err
	}
	for axis, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[axis] != wantDim {
			return &DimError{Shape: s, Axis: axis, Want: wantDim}
		}
	}
	return nil
}
