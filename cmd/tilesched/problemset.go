// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"runtime"

	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// problemSet is the content of a problem-set file: either explicit problems or the token splits of
// a mixture-of-experts layer, and optionally the scheduler configuration.
type problemSet struct {
	Problems []tiling.ProblemSize `yaml:"problems"`
	Experts  *experts             `yaml:"experts"`
	Config   scheduler.Config     `yaml:"config"`
}

// experts of a mixture-of-experts layer: Splits[rank][expert] is the number of tokens routed by rank
// to expert, and all experts have weights of [N, K].
type experts struct {
	Splits [][]int `yaml:"splits"`
	N      int     `yaml:"n"`
	K      int     `yaml:"k"`
}

// parseProblemSet parses a problem-set file content. The configuration starts from base, and only
// the keys present in the file override it.
func parseProblemSet(data []byte, base scheduler.Config) (*problemSet, error) {
	set := &problemSet{Config: base}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, errors.Wrap(err, "parsing problem set")
	}
	if set.Experts != nil {
		if len(set.Problems) > 0 {
			return nil, errors.New("problem set has both \"problems\" and \"experts\", only one can be given")
		}
		splits, err := schedule.GatherSplits(set.Experts.Splits)
		if err != nil {
			return nil, errors.WithMessage(err, "problem set experts")
		}
		set.Problems, err = schedule.ProblemsFromSplits(splits, set.Experts.N, set.Experts.K)
		if err != nil {
			return nil, errors.WithMessage(err, "problem set experts")
		}
	}
	for ii, p := range set.Problems {
		if p.M < 0 || p.N <= 0 || p.K <= 0 {
			return nil, errors.Errorf("problem #%d has invalid size %s", ii, p)
		}
	}
	if err := set.Config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "problem set")
	}
	return set, nil
}

// loadProblemSet builds the problem set from the command line: the file in args, if any, or the
// --splits flags. --config, if given, overrides only the configuration keys it names.
func loadProblemSet(args []string) (*problemSet, error) {
	base, err := scheduler.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	var set *problemSet
	switch {
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, errors.Wrapf(err, "reading problem set")
		}
		set, err = parseProblemSet(data, base)
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", args[0])
		}
	case len(flagSplits) > 0:
		problems, err := schedule.ProblemsFromSplits(flagSplits, flagN, flagK)
		if err != nil {
			return nil, err
		}
		set = &problemSet{Problems: problems, Config: base}
	default:
		return nil, errors.New("no problems given: pass a problem-set file or --splits")
	}
	if flagConfig != "" {
		set.Config, err = scheduler.ParseConfigOnto(set.Config, flagConfig)
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

// gridSize returns the number of execution units to launch.
func gridSize() int {
	if flagGrid > 0 {
		return flagGrid
	}
	return runtime.NumCPU()
}
