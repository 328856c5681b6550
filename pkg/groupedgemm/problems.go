// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupedgemm

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilesched/pkg/core/tensors"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// NewProblems allocates a group of problems of the given sizes on device.
//
// Inputs and weights are filled with uniform random values in [0, 1). If withBias, biases are
// allocated with random values as well. Outputs are zeros.
//
// The weights hold the same values with or without transposeWeight, for the same rng state: only
// their layout changes, from [N, K] to a contiguous [K, N].
func NewProblems(dtype dtypes.DType, sizes []tiling.ProblemSize, transposeWeight, withBias bool, device tensors.Device, rng *rand.Rand) ([]Problem, error) {
	switch dtype {
	case dtypes.Float32:
		return newProblems(sizes, transposeWeight, withBias, device, rng, float32Ops), nil
	case dtypes.Float64:
		return newProblems(sizes, transposeWeight, withBias, device, rng, float64Ops), nil
	case dtypes.Float16:
		return newProblems(sizes, transposeWeight, withBias, device, rng, float16Ops), nil
	case dtypes.BFloat16:
		return newProblems(sizes, transposeWeight, withBias, device, rng, bfloat16Ops), nil
	}
	return nil, errors.Errorf("groupedgemm.NewProblems: dtype %s not supported", dtype)
}

func newProblems[T dtypes.Supported](sizes []tiling.ProblemSize, transposeWeight, withBias bool, device tensors.Device, rng *rand.Rand, ops elementOps[T]) []Problem {
	random := func(dims ...int) *tensors.Tensor {
		t := tensors.Zeros[T](dims...)
		flat := tensors.Flat[T](t)
		for ii := range flat {
			flat[ii] = ops.store(rng.Float64())
		}
		return t.OnDevice(device)
	}
	problems := make([]Problem, len(sizes))
	for ii, size := range sizes {
		p := &problems[ii]
		p.Input = random(size.M, size.K)
		p.Weight = random(size.N, size.K)
		if transposeWeight {
			// Same values as the [N, K] layout, stored as [K, N].
			p.Weight = p.Weight.Transposed().Contiguous()
		}
		if withBias {
			p.Bias = random(size.M, size.N)
		}
		p.Output = tensors.Zeros[T](size.M, size.N).OnDevice(device)
	}
	return problems
}

// CloneOutputs returns problems sharing the inputs, weights and biases of the given ones, with new
// zero outputs on the host: used to compute a reference for the same inputs.
func CloneOutputs(problems []Problem) []Problem {
	clones := make([]Problem, len(problems))
	for ii, p := range problems {
		clones[ii] = p
		switch p.Output.DType() {
		case dtypes.Float32:
			clones[ii].Output = tensors.Zeros[float32](p.Output.Shape().Dimensions...)
		case dtypes.Float64:
			clones[ii].Output = tensors.Zeros[float64](p.Output.Shape().Dimensions...)
		case dtypes.Float16:
			clones[ii].Output = tensors.Zeros[float16.Float16](p.Output.Shape().Dimensions...)
		case dtypes.BFloat16:
			clones[ii].Output = tensors.Zeros[bfloat16.BFloat16](p.Output.Shape().Dimensions...)
		default:
			exceptions.Panicf("groupedgemm.CloneOutputs: dtype %s not supported", p.Output.DType())
		}
	}
	return clones
}
