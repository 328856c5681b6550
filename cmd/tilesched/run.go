// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tensors"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/groupedgemm"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/gomlx/tilesched/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// gemmFlags select the variant of the grouped GEMM.
type gemmFlags struct {
	dtype           string
	transposeWeight bool
	bias            bool
	seed            uint64
}

func (f *gemmFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dtype, "dtype", "Float32", fmt.Sprintf("DType of the GEMM, one of %v.", groupedgemm.SupportedDTypes))
	cmd.Flags().BoolVar(&f.transposeWeight, "transpose-weight", false, "Weights have the [K, N] layout instead of [N, K].")
	cmd.Flags().BoolVar(&f.bias, "bias", false, "Add a bias to the outputs.")
	cmd.Flags().Uint64Var(&f.seed, "seed", 3, "Seed of the random inputs.")
}

// parseDType returns the supported dtype with the given name (case-insensitive).
func parseDType(name string) (dtypes.DType, error) {
	for _, dtype := range groupedgemm.SupportedDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("dtype %q not supported, valid values are %v", name, groupedgemm.SupportedDTypes)
}

// newProblems allocates random problems for the flags.
func (f *gemmFlags) newProblems(dtype dtypes.DType, sizes []tiling.ProblemSize) ([]groupedgemm.Problem, error) {
	rng := rand.New(rand.NewPCG(f.seed, f.seed))
	return groupedgemm.NewProblems(dtype, sizes, f.transposeWeight, f.bias, tensors.Device(0), rng)
}

func runCmd() *cobra.Command {
	var flags gemmFlags
	cmd := &cobra.Command{
		Use:   "run [problem-set.yaml]",
		Short: "Run the grouped GEMM once on random inputs and verify it against the reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadProblemSet(args)
			if err != nil {
				return err
			}
			dtype, err := parseDType(flags.dtype)
			if err != nil {
				return err
			}
			problems, err := flags.newProblems(dtype, set.Problems)
			if err != nil {
				return err
			}
			var result runResult
			if flagTransposed {
				result, err = runAndVerify[tiling.Transposed](set.Config, dtype, flags.transposeWeight, problems, gridSize())
			} else {
				result, err = runAndVerify[tiling.Forward](set.Config, dtype, flags.transposeWeight, problems, gridSize())
			}
			if err != nil {
				return err
			}
			printRunResult(cmd.OutOrStdout(), set, result)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// runResult of one verified run of the grouped GEMM.
type runResult struct {
	gemm     string
	gridSize int
	tiles    int
	flops    float64
	elapsed  time.Duration
}

// runAndVerify runs the grouped GEMM once on problems and checks the outputs against the reference.
func runAndVerify[P tiling.Policy](config scheduler.Config, dtype dtypes.DType, transposeWeight bool, problems []groupedgemm.Problem, gridSize int) (runResult, error) {
	g, err := groupedgemm.New[P](config, dtype, transposeWeight)
	if err != nil {
		return runResult{}, err
	}
	result := runResult{gemm: g.String(), gridSize: gridSize}
	sizes, err := g.Validate(problems)
	if err != nil {
		return result, err
	}
	result.tiles = schedule.TileCount[P](sizes, config.TileShape)
	result.flops = xslices.Sum(xslices.Map(sizes, func(size tiling.ProblemSize) float64 {
		return 2 * float64(size.M) * float64(size.N) * float64(size.K)
	}))

	start := time.Now()
	if err := g.Run(problems, gridSize); err != nil {
		return result, err
	}
	result.elapsed = time.Since(start)
	klog.V(1).Infof("%s: %d tiles in %s", g, result.tiles, result.elapsed)

	want := groupedgemm.CloneOutputs(problems)
	if err := g.Reference(want); err != nil {
		return result, err
	}
	for ii := range problems {
		if err := groupedgemm.AllClose(problems[ii].Output, want[ii].Output, 0, 0); err != nil {
			return result, errors.WithMessagef(err, "%s: problem #%d doesn't match the reference", g, ii)
		}
	}
	return result, nil
}

// throughput in FLOP/s, humanized.
func (r runResult) throughput() string {
	if r.elapsed <= 0 {
		return "-"
	}
	return humanize.SIWithDigits(r.flops/r.elapsed.Seconds(), 2, "FLOP/s")
}

func printRunResult(w io.Writer, set *problemSet, r runResult) {
	fmt.Fprintln(w, titleStyle.Render(r.gemm))
	t := newTable(lipgloss.Right, lipgloss.Left)
	t.Row(false, "problems", humanize.Comma(int64(len(set.Problems))))
	t.Row(false, "grid", humanize.Comma(int64(r.gridSize)))
	t.Row(false, "tiles", humanize.Comma(int64(r.tiles)))
	t.Row(false, "FLOPs", humanize.SIWithDigits(r.flops, 2, "FLOP"))
	t.Row(false, "elapsed", r.elapsed.String())
	t.Row(false, "throughput", r.throughput())
	t.Row(true, "verified", "outputs match the reference")
	fmt.Fprintln(w, t.Render())
}
