// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package groupedgemm implements a fused grouped GEMM driven by the tile scheduler: a group of
// independent matrix multiplications (one per expert of a mixture-of-experts layer) computed by a
// single launch, where each lane of each execution unit computes its share of the tiles the
// scheduler hands to it.
//
// For each problem i of the group:
//
//	Output_i[M_i, N] = Input_i[M_i, K] x Weight_i^T + Bias_i
//
// Weight_i has layout [N, K], or [K, N] if the GEMM is created with transposeWeight. Bias is optional
// and has the shape of the output.
//
// Supported dtypes are Float32, Float64, Float16 and BFloat16. Accumulation is always done in float64
// and rounded once to the output dtype.
package groupedgemm

import (
	"fmt"
	"runtime"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tensors"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/gomlx/tilesched/pkg/support/checks"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Problem is one GEMM of the group. All tensors must be on a device and contiguous.
type Problem struct {
	// Input of shape [M, K].
	Input *tensors.Tensor

	// Weight of shape [N, K], or [K, N] for a GEMM with transposed weights.
	Weight *tensors.Tensor

	// Bias of shape [M, N]. Optional.
	Bias *tensors.Tensor

	// Output of shape [M, N], overwritten by Run.
	Output *tensors.Tensor
}

// Size returns the size of the problem, for the given weight layout.
func (p *Problem) Size(transposeWeight bool) tiling.ProblemSize {
	size := tiling.ProblemSize{M: p.Input.Dim(0), K: p.Input.Dim(1)}
	if transposeWeight {
		size.N = p.Weight.Dim(1)
	} else {
		size.N = p.Weight.Dim(0)
	}
	return size
}

// GEMM is a grouped GEMM for a fixed dtype and weight layout, using a scheduler kernel with tiling
// policy P.
type GEMM[P tiling.Policy] struct {
	kernel          *scheduler.Kernel[P]
	dtype           dtypes.DType
	transposeWeight bool
}

// SupportedDTypes are the dtypes a GEMM can be created with.
var SupportedDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16}

// New creates a grouped GEMM for dtype, with the scheduler specialized by config.
func New[P tiling.Policy](config scheduler.Config, dtype dtypes.DType, transposeWeight bool) (*GEMM[P], error) {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16:
	default:
		return nil, errors.Errorf("groupedgemm: dtype %s not supported, supported dtypes are %v", dtype, SupportedDTypes)
	}
	kernel, err := scheduler.NewKernel[P](config)
	if err != nil {
		return nil, errors.WithMessage(err, "groupedgemm")
	}
	return &GEMM[P]{kernel: kernel, dtype: dtype, transposeWeight: transposeWeight}, nil
}

// DType of the GEMM operands.
func (g *GEMM[P]) DType() dtypes.DType { return g.dtype }

// TransposeWeight reports whether the weights have the [K, N] layout.
func (g *GEMM[P]) TransposeWeight() bool { return g.transposeWeight }

// Kernel returns the scheduler kernel used by the GEMM.
func (g *GEMM[P]) Kernel() *scheduler.Kernel[P] { return g.kernel }

// String implements fmt.Stringer.
func (g *GEMM[P]) String() string {
	return fmt.Sprintf("GroupedGEMM(%s, transposeWeight=%v, transposed=%v, %s)",
		g.dtype, g.transposeWeight, g.kernel.Transposed(), g.kernel.Config())
}

// Validate checks the problems can be computed by the GEMM, and returns their sizes.
func (g *GEMM[P]) Validate(problems []Problem) ([]tiling.ProblemSize, error) {
	sizes := make([]tiling.ProblemSize, len(problems))
	for ii := range problems {
		size, err := g.validateProblem(ii, &problems[ii], true)
		if err != nil {
			return nil, err
		}
		sizes[ii] = size
	}
	return sizes, nil
}

func (g *GEMM[P]) validateProblem(idx int, p *Problem, onDevice bool) (tiling.ProblemSize, error) {
	name := func(tensor string) string { return fmt.Sprintf("problems[%d].%s", idx, tensor) }
	if p.Input == nil || p.Weight == nil || p.Output == nil {
		return tiling.ProblemSize{}, errors.Errorf("%s, %s and %s must be set", name("Input"), name("Weight"), name("Output"))
	}
	input := checks.InputLoose
	if !onDevice {
		input = checks.Contiguous
	}
	if err := checks.All(
		input(name("Input"), p.Input), checks.Type(name("Input"), p.Input, g.dtype), checks.NDim(name("Input"), p.Input, 2),
		input(name("Weight"), p.Weight), checks.Type(name("Weight"), p.Weight, g.dtype), checks.NDim(name("Weight"), p.Weight, 2),
	); err != nil {
		return tiling.ProblemSize{}, err
	}
	size := p.Size(g.transposeWeight)
	weightDims := [2]int{size.N, size.K}
	if g.transposeWeight {
		weightDims = [2]int{size.K, size.N}
	}
	validations := []checks.Check{
		checks.Dims2(name("Weight"), p.Weight, weightDims[0], weightDims[1]),
		input(name("Output"), p.Output), checks.Type(name("Output"), p.Output, g.dtype),
		checks.Dims2(name("Output"), p.Output, size.M, size.N),
	}
	if p.Bias != nil {
		validations = append(validations,
			input(name("Bias"), p.Bias), checks.Type(name("Bias"), p.Bias, g.dtype),
			checks.Dims2(name("Bias"), p.Bias, size.M, size.N))
	}
	if err := checks.All(validations...); err != nil {
		return tiling.ProblemSize{}, err
	}
	return size, nil
}

// Run computes all problems in one launch over a grid of gridSize execution units.
// If gridSize <= 0, runtime.NumCPU() units are used.
//
// The problems are validated first, and nothing is computed if any of them is invalid.
func (g *GEMM[P]) Run(problems []Problem, gridSize int) error {
	sizes, err := g.Validate(problems)
	if err != nil {
		return err
	}
	if gridSize <= 0 {
		gridSize = runtime.NumCPU()
	}

	tile := g.kernel.Config().TileShape
	producer := schedule.HostProducer[P]{Tile: tile}
	s := schedule.Produce(producer, sizes, gridSize)
	params := scheduler.LaunchParams{TileCount: len(s), Schedule: s, ProblemSizes: sizes}
	if klog.V(2).Enabled() {
		if err := schedule.Validate[P](s, params.TileCount, sizes, tile); err != nil {
			return errors.WithMessage(err, "groupedgemm: host schedule")
		}
	}

	switch g.dtype {
	case dtypes.Float32:
		return run(g, problems, params, gridSize, float32Ops)
	case dtypes.Float64:
		return run(g, problems, params, gridSize, float64Ops)
	case dtypes.Float16:
		return run(g, problems, params, gridSize, float16Ops)
	case dtypes.BFloat16:
		return run(g, problems, params, gridSize, bfloat16Ops)
	}
	return errors.Errorf("groupedgemm: dtype %s not supported", g.dtype)
}

// elementOps converts elements of type T to and from the float64 accumulator.
type elementOps[T dtypes.Supported] struct {
	load  func(T) float64
	store func(float64) T
}

var (
	float32Ops = elementOps[float32]{
		load:  func(x float32) float64 { return float64(x) },
		store: func(x float64) float32 { return float32(x) },
	}
	float64Ops = elementOps[float64]{
		load:  func(x float64) float64 { return x },
		store: func(x float64) float64 { return x },
	}
	float16Ops = elementOps[float16.Float16]{
		load:  func(x float16.Float16) float64 { return float64(x.Float32()) },
		store: func(x float64) float16.Float16 { return float16.Fromfloat32(float32(x)) },
	}
	bfloat16Ops = elementOps[bfloat16.BFloat16]{
		load:  func(x bfloat16.BFloat16) float64 { return float64(x.Float32()) },
		store: func(x float64) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32(x)) },
	}
)

// operands are the flat views of one problem.
type operands[T dtypes.Supported] struct {
	input, weight, bias, output []T
}

func flatOperands[T dtypes.Supported](problems []Problem) []operands[T] {
	flats := make([]operands[T], len(problems))
	for ii, p := range problems {
		flats[ii] = operands[T]{
			input:  tensors.Flat[T](p.Input),
			weight: tensors.Flat[T](p.Weight),
			output: tensors.Flat[T](p.Output),
		}
		if p.Bias != nil {
			flats[ii].bias = tensors.Flat[T](p.Bias)
		}
	}
	return flats
}

// run launches the kernel: each lane computes the rows lane, lane+ThreadCount, ... of every tile
// handed to its unit.
func run[P tiling.Policy, T dtypes.Supported](g *GEMM[P], problems []Problem, params scheduler.LaunchParams, gridSize int, ops elementOps[T]) error {
	flats := flatOperands[T](problems)
	tileK := g.kernel.Config().TileShape.K
	err := g.kernel.Launch(params, gridSize, func(v *scheduler.Visitor[P]) {
		var acc []float64
		for v.NextTile() {
			size := v.ProblemSize()
			region := v.Region()
			op := &flats[v.ProblemIndex()]
			if cap(acc) < region.Cols {
				acc = make([]float64, region.Cols)
			}
			acc = acc[:region.Cols]
			for row := region.Row + v.Lane(); row < region.Row+region.Rows; row += v.ThreadCount() {
				clear(acc)
				step := tileK
				if step == 0 {
					// Tile without a contracting depth: the whole K in one step.
					step = max(size.K, 1)
				}
				for k0 := 0; k0 < size.K; k0 += step {
					kEnd := min(k0+step, size.K)
					for col := range region.Cols {
						acc[col] = dotRange(acc[col], op, size, g.transposeWeight, row, region.Col+col, k0, kEnd, ops)
					}
				}
				storeRow(op, size, row, region.Col, acc, ops)
			}
		}
	})
	return errors.WithMessagef(err, "groupedgemm")
}

// dotRange adds to sum input[row, k] * weight(col, k) for k in [k0, kEnd), in increasing k order.
func dotRange[T dtypes.Supported](sum float64, op *operands[T], size tiling.ProblemSize, transposeWeight bool, row, col, k0, kEnd int, ops elementOps[T]) float64 {
	inputRow := op.input[row*size.K : (row+1)*size.K]
	if transposeWeight {
		for k := k0; k < kEnd; k++ {
			sum += ops.load(inputRow[k]) * ops.load(op.weight[k*size.N+col])
		}
		return sum
	}
	weightRow := op.weight[col*size.K : (col+1)*size.K]
	for k := k0; k < kEnd; k++ {
		sum += ops.load(inputRow[k]) * ops.load(weightRow[k])
	}
	return sum
}

// storeRow adds the bias and writes acc to output[row, col0:col0+len(acc)].
func storeRow[T dtypes.Supported](op *operands[T], size tiling.ProblemSize, row, col0 int, acc []float64, ops elementOps[T]) {
	base := row*size.N + col0
	for col, value := range acc {
		if op.bias != nil {
			value += ops.load(op.bias[base+col])
		}
		op.output[base+col] = ops.store(value)
	}
}
