// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilesched plans, runs and tunes grouped GEMMs driven by the prefetching tile scheduler.
//
// The group of problems is read from a YAML problem-set file (see problemSet), or built from the
// per-expert token splits given with --splits, --n and --k.
//
// Examples:
//
//	# Show the tiles of each problem and the range of each execution unit.
//	tilesched plan --splits=3,0,129,40 --n=256 --k=64 --grid=8
//
//	# Run the GEMM in bfloat16 and verify it against the reference.
//	tilesched run moe.yaml --dtype=BFloat16 --bias
//
//	# Sweep grid sizes, prefetch capacities and tiling policies.
//	tilesched tune moe.yaml
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Flags shared by all subcommands.
var (
	flagConfig     string
	flagSplits     []int
	flagN, flagK   int
	flagGrid       int
	flagTransposed bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tilesched",
		Short: "Prefetching tile scheduler for grouped (MoE) GEMMs",
		Long: `tilesched plans, runs and tunes grouped GEMMs driven by the prefetching tile scheduler.

The problems are read from a YAML problem-set file:

  problems:
    - {m: 128, n: 256, k: 64}
    - {m: 17, n: 256, k: 64}
  config:
    tile: {m: 64, n: 64, k: 32}
    prefetch: 4
    lanes: 4

or, for a mixture-of-experts layer, from the per-expert token splits of each rank:

  experts:
    splits: [[3, 0, 64], [5, 1, 0]]
    n: 256
    k: 64

The scheduler configuration is taken, by increasing priority, from the defaults, $TILESCHED_CONFIG,
the problem-set file and --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flagConfig, "config", "", `Scheduler configuration, e.g. "tile=64x64x32,prefetch=4,lanes=8,units=4".`)
	pflags.IntSliceVar(&flagSplits, "splits", nil, "Tokens per expert, used instead of a problem-set file.")
	pflags.IntVar(&flagN, "n", 256, "Output features of the experts, used with --splits.")
	pflags.IntVar(&flagK, "k", 64, "Input features of the experts, used with --splits.")
	pflags.IntVar(&flagGrid, "grid", 0, "Number of execution units of the launch. If 0, the number of CPUs.")
	pflags.BoolVar(&flagTransposed, "transposed", false, "Use the transposed tiling policy (column-major sweep of the outputs).")

	// klog flags (-v, -logtostderr, ...).
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	pflags.AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(planCmd(), runCmd(), tuneCmd())
	return rootCmd
}
