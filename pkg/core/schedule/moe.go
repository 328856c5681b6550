// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/pkg/errors"
)

// ProblemsFromSplits returns one problem per expert of a mixture-of-experts layer: expert i gets
// the splits[i] tokens routed to it (gathered from all ranks) as rows, n output features and k input
// features.
//
// Experts with no tokens yield empty problems, which contribute no tiles.
func ProblemsFromSplits(splits []int, n, k int) ([]tiling.ProblemSize, error) {
	if n <= 0 || k <= 0 {
		return nil, errors.Errorf("invalid expert weight dimensions n=%d, k=%d: they must be > 0", n, k)
	}
	problems := make([]tiling.ProblemSize, len(splits))
	for expert, tokens := range splits {
		if tokens < 0 {
			return nil, errors.Errorf("invalid split for expert %d: %d tokens", expert, tokens)
		}
		problems[expert] = tiling.ProblemSize{M: tokens, N: n, K: k}
	}
	return problems, nil
}

// GatherSplits sums the per-rank splits (splits[rank][expert]) into the per-expert number of tokens
// after the all-gather.
func GatherSplits(splits [][]int) ([]int, error) {
	if len(splits) == 0 {
		return nil, nil
	}
	numExperts := len(splits[0])
	total := make([]int, numExperts)
	for rank, rankSplits := range splits {
		if len(rankSplits) != numExperts {
			return nil, errors.Errorf("rank %d has splits for %d experts, but rank 0 has %d", rank, len(rankSplits), numExperts)
		}
		for expert, tokens := range rankSplits {
			total[expert] += tokens
		}
	}
	return total, nil
}
