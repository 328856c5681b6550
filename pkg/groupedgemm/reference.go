// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupedgemm

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilesched/pkg/core/tensors"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Reference computes the problems one element at a time on the calling goroutine, without the
// scheduler. The tensors may be on the host or on a device, but must be contiguous.
//
// It uses the same accumulation order as Run, so for the same inputs the outputs are identical.
func (g *GEMM[P]) Reference(problems []Problem) error {
	sizes := make([]tiling.ProblemSize, len(problems))
	for ii := range problems {
		size, err := g.validateProblem(ii, &problems[ii], false)
		if err != nil {
			return errors.WithMessage(err, "groupedgemm.Reference")
		}
		sizes[ii] = size
	}
	switch g.dtype {
	case dtypes.Float32:
		reference(problems, sizes, g.transposeWeight, float32Ops)
	case dtypes.Float64:
		reference(problems, sizes, g.transposeWeight, float64Ops)
	case dtypes.Float16:
		reference(problems, sizes, g.transposeWeight, float16Ops)
	case dtypes.BFloat16:
		reference(problems, sizes, g.transposeWeight, bfloat16Ops)
	}
	return nil
}

func reference[T dtypes.Supported](problems []Problem, sizes []tiling.ProblemSize, transposeWeight bool, ops elementOps[T]) {
	flats := flatOperands[T](problems)
	for ii, size := range sizes {
		op := &flats[ii]
		acc := make([]float64, size.N)
		for row := range size.M {
			for col := range size.N {
				acc[col] = dotRange(0, op, size, transposeWeight, row, col, 0, size.K, ops)
			}
			storeRow(op, size, row, 0, acc, ops)
		}
	}
}

// AllClose returns an error describing the first element where |got - want| > atol + rtol * |want|.
// Both tensors must have the same shape and be contiguous.
func AllClose(got, want *tensors.Tensor, atol, rtol float64) error {
	if !got.Shape().Equal(want.Shape()) {
		return errors.Errorf("AllClose: shapes differ, got %s, want %s", got.Shape(), want.Shape())
	}
	switch got.DType() {
	case dtypes.Float32:
		return allClose(tensors.Flat[float32](got), tensors.Flat[float32](want), atol, rtol, float32Ops)
	case dtypes.Float64:
		return allClose(tensors.Flat[float64](got), tensors.Flat[float64](want), atol, rtol, float64Ops)
	case dtypes.Float16:
		return allClose(tensors.Flat[float16.Float16](got), tensors.Flat[float16.Float16](want), atol, rtol, float16Ops)
	case dtypes.BFloat16:
		return allClose(tensors.Flat[bfloat16.BFloat16](got), tensors.Flat[bfloat16.BFloat16](want), atol, rtol, bfloat16Ops)
	}
	return errors.Errorf("AllClose: dtype %s not supported", got.DType())
}

func allClose[T dtypes.Supported](got, want []T, atol, rtol float64, ops elementOps[T]) error {
	for ii := range got {
		g, w := ops.load(got[ii]), ops.load(want[ii])
		if diff := math.Abs(g - w); diff > atol+rtol*math.Abs(w) || math.IsNaN(diff) {
			return errors.Errorf("element #%d differs: got %g, want %g (atol=%g, rtol=%g)", ii, g, w, atol, rtol)
		}
	}
	return nil
}
