// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/groupedgemm"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// tuningPoint is one configuration of the tuning sweep.
type tuningPoint struct {
	transposed bool
	gridSize   int
	prefetch   int
}

func (p tuningPoint) String() string {
	return fmt.Sprintf("transposed=%v,grid=%d,prefetch=%d", p.transposed, p.gridSize, p.prefetch)
}

// tuningSpace returns all combinations of policies, grid sizes (powers of 2 up to maxGrid) and
// prefetch capacities.
func tuningSpace(maxGrid int, prefetches []int) []tuningPoint {
	var grids []int
	for grid := 1; grid < maxGrid; grid *= 2 {
		grids = append(grids, grid)
	}
	grids = append(grids, maxGrid)
	var space []tuningPoint
	for _, transposed := range []bool{false, true} {
		for _, grid := range grids {
			for _, prefetch := range prefetches {
				space = append(space, tuningPoint{transposed: transposed, gridSize: grid, prefetch: prefetch})
			}
		}
	}
	return space
}

func tuneCmd() *cobra.Command {
	var (
		flags      gemmFlags
		prefetches []int
		repeats    int
	)
	cmd := &cobra.Command{
		Use:   "tune [problem-set.yaml]",
		Short: "Sweep tiling policies, grid sizes and prefetch capacities, verifying every run",
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
			maxGrid := flagGrid
			if maxGrid <= 0 {
				maxGrid = 2 * runtime.NumCPU()
			}
			if slices.ContainsFunc(prefetches, func(p int) bool { return p <= 0 }) {
				return errors.Errorf("--prefetch values must be > 0, got %v", prefetches)
			}
			problems, err := flags.newProblems(dtype, set.Problems)
			if err != nil {
				return err
			}
			term := termenv.NewOutput(os.Stderr)
			term.HideCursor()
			defer term.ShowCursor()
			results, err := tune(set.Config, dtype, flags.transposeWeight, problems, tuningSpace(maxGrid, prefetches), max(repeats, 1), os.Stderr)
			if err != nil {
				return err
			}
			printTuningResults(cmd.OutOrStdout(), results)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntSliceVar(&prefetches, "prefetch", []int{1, 2, 4, 8, 16}, "Prefetch capacities to try.")
	cmd.Flags().IntVar(&repeats, "repeats", 3, "Runs per configuration, the fastest one is kept.")
	return cmd
}

// tuningResult is the fastest run of a tuning point.
type tuningResult struct {
	point  tuningPoint
	result runResult
}

// tune runs every point of space repeats times, showing the progress on progressOut, and returns the
// results sorted from fastest to slowest. Every run is verified against the reference.
func tune(base scheduler.Config, dtype dtypes.DType, transposeWeight bool, problems []groupedgemm.Problem,
	space []tuningPoint, repeats int, progressOut io.Writer) ([]tuningResult, error) {
	bar := progressbar.NewOptions(len(space)*repeats,
		progressbar.OptionSetDescription("tuning"),
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	results := make([]tuningResult, 0, len(space))
	for _, point := range space {
		config := base
		config.PrefetchTileCount = point.prefetch
		var best runResult
		for range repeats {
			var (
				r   runResult
				err error
			)
			if point.transposed {
				r, err = runAndVerify[tiling.Transposed](config, dtype, transposeWeight, problems, point.gridSize)
			} else {
				r, err = runAndVerify[tiling.Forward](config, dtype, transposeWeight, problems, point.gridSize)
			}
			if err != nil {
				_ = bar.Exit()
				return nil, errors.WithMessagef(err, "tuning %s", point)
			}
			if best.gemm == "" || r.elapsed < best.elapsed {
				best = r
			}
			must.M(bar.Add(1))
		}
		results = append(results, tuningResult{point: point, result: best})
	}
	_ = bar.Finish()
	slices.SortStableFunc(results, func(a, b tuningResult) int {
		return cmp.Compare(a.result.elapsed, b.result.elapsed)
	})
	return results, nil
}

func printTuningResults(w io.Writer, results []tuningResult) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Tuning results (%d configurations, fastest first)", len(results))))
	t := newTable(lipgloss.Right)
	t.Headers("#", "Policy", "Grid", "Prefetch", "Tiles", "Elapsed", "Throughput")
	for ii, r := range results {
		policy := "forward"
		if r.point.transposed {
			policy = "transposed"
		}
		t.Row(ii == 0, fmt.Sprint(ii+1), policy, fmt.Sprint(r.point.gridSize), fmt.Sprint(r.point.prefetch),
			fmt.Sprint(r.result.tiles), r.result.elapsed.Round(time.Microsecond).String(), r.result.throughput())
	}
	fmt.Fprintln(w, t.Render())
}
