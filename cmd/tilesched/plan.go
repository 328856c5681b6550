// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/gomlx/tilesched/pkg/support/xslices"
	"github.com/spf13/cobra"
)

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [problem-set.yaml]",
		Short: "Print the tiles of each problem and the slice of the schedule of each execution unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadProblemSet(args)
			if err != nil {
				return err
			}
			if flagTransposed {
				return plan[tiling.Transposed](cmd.OutOrStdout(), set, gridSize())
			}
			return plan[tiling.Forward](cmd.OutOrStdout(), set, gridSize())
		},
	}
}

// plan prints the problems and the unit ranges of a launch of the problem set.
func plan[P tiling.Policy](w io.Writer, set *problemSet, gridSize int) error {
	tile := set.Config.TileShape
	s := schedule.Build[P](set.Problems, tile)
	var policy P

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Problems (%s, tile %s, transposed=%v)", set.Config, tile, policy.Transposed())))
	problemsTable := newTable(lipgloss.Right)
	problemsTable.Headers("Problem", "M", "N", "K", "Grid", "Tiles", "First entry")
	first := 0
	for ii, p := range set.Problems {
		grid := policy.GridShape(p, tile)
		problemsTable.Row(grid.Count() == 0, fmt.Sprint(ii), humanize.Comma(int64(p.M)), humanize.Comma(int64(p.N)),
			humanize.Comma(int64(p.K)), fmt.Sprintf("%dx%d", grid.Rows, grid.Cols), humanize.Comma(int64(grid.Count())),
			fmt.Sprint(first))
		first += grid.Count()
	}
	fmt.Fprintln(w, problemsTable.Render())

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Execution units (grid of %d, %s tiles)", gridSize, humanize.Comma(int64(len(s))))))
	unitTiles, unitRefills := make([]int, gridSize), make([]int, gridSize)
	unitsTable := newTable(lipgloss.Right)
	unitsTable.Headers("Unit", "Nominal range", "Effective range", "Tiles", "Refills", "First tile", "Last tile")
	for unit := range gridSize {
		r, err := scheduler.Partition(len(s), gridSize, unit)
		if err != nil {
			return err
		}
		start, end := r.Effective(len(s))
		firstTile, lastTile := "-", "-"
		if end > start {
			firstTile, lastTile = s[start].String(), s[end-1].String()
		}
		numTiles := end - start
		unitTiles[unit] = numTiles
		unitRefills[unit] = numTiles / set.Config.PrefetchTileCount
		unitsTable.Row(numTiles == 0, fmt.Sprint(unit),
			fmt.Sprintf("[%d, %d)", r.BlockLoadStart, r.BlockLoadStart+r.IterationsPerBlock),
			fmt.Sprintf("[%d, %d)", start, end), fmt.Sprint(numTiles),
			fmt.Sprint(unitRefills[unit]), firstTile, lastTile)
	}
	fmt.Fprintln(w, unitsTable.Render())
	fmt.Fprintf(w, "At most %d tiles per unit, %d refills of %d entries.\n",
		xslices.Max(unitTiles), xslices.Sum(unitRefills), set.Config.PrefetchTileCount)
	return nil
}
