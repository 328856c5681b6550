// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Number is any Go integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Sum of the elements of the slice.
func Sum[T Number](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

// Max returns the maximum value of the slice, or the zero value if it is empty.
func Max[T Number](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, v := range slice[1:] {
		if v > max {
			max = v
		}
	}
	return
}

// SlicesInRelData checks that got and want have the same length and that every element is within
// relative tolerance relTol of the wanted value: |got - want| <= relTol * max(1, |want|).
//
// It returns an error describing the first mismatch.
func SlicesInRelData[T constraints.Float](got, want []T, relTol float64) error {
	if len(got) != len(want) {
		return errors.Errorf("slices have different lengths: got %d, want %d", len(got), len(want))
	}
	for ii := range got {
		g, w := float64(got[ii]), float64(want[ii])
		if math.IsNaN(g) != math.IsNaN(w) || math.Abs(g-w) > relTol*max(1, math.Abs(w)) {
			return errors.Errorf("element #%d: got %g, want %g (relative tolerance %g)", ii, g, w, relTol)
		}
	}
	return nil
}
