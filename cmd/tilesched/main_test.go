package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/gomlx/tilesched/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProblemSet(t *testing.T) {
	set, err := parseProblemSet([]byte(`
problems:
  - {m: 128, n: 256, k: 64}
  - {m: 0, n: 256, k: 64}
config:
  tile: {m: 64, n: 32, k: 16}
  prefetch: 4
`), scheduler.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []tiling.ProblemSize{{M: 128, N: 256, K: 64}, {M: 0, N: 256, K: 64}}, set.Problems)
	assert.Equal(t, tiling.TileShape{M: 64, N: 32, K: 16}, set.Config.TileShape)
	assert.Equal(t, 4, set.Config.PrefetchTileCount)
	// Keys not in the file keep their base value.
	assert.Equal(t, scheduler.DefaultThreadCount, set.Config.ThreadCount)

	set, err = parseProblemSet([]byte(`
experts:
  splits: [[3, 0, 64], [5, 1, 0]]
  n: 32
  k: 8
`), scheduler.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []tiling.ProblemSize{{M: 8, N: 32, K: 8}, {M: 1, N: 32, K: 8}, {M: 64, N: 32, K: 8}}, set.Problems)

	for _, bad := range []string{
		"problems: [{m: 1, n: 0, k: 1}]",
		"problems: [{m: 1, n: 1, k: 1}]\nconfig: {prefetch: 0}",
		"problems: [{m: 1, n: 1, k: 1}]\nexperts: {splits: [[1]], n: 1, k: 1}",
		"experts: {splits: [[1, 2], [3]], n: 1, k: 1}",
		"problems: {m: 1}",
	} {
		_, err = parseProblemSet([]byte(bad), scheduler.DefaultConfig())
		assert.Error(t, err, "problem set %q should fail", bad)
	}
}

func TestLoadProblemSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problems.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
problems:
  - {m: 32, n: 16, k: 8}
config:
  tile: {m: 16, n: 16, k: 8}
  lanes: 2
`), 0o644))
	t.Setenv(scheduler.TILESCHED_CONFIG, "units=3")
	savedConfig := flagConfig
	t.Cleanup(func() { flagConfig = savedConfig })

	// Each layer only overrides the keys it names: defaults, then environment, then file, then flag.
	flagConfig = "prefetch=4"
	set, err := loadProblemSet([]string{path})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Config{
		TileShape:         tiling.TileShape{M: 16, N: 16, K: 8},
		PrefetchTileCount: 4,
		ThreadCount:       2,
		MaxResidentUnits:  3,
	}, set.Config)

	flagConfig = ""
	set, err = loadProblemSet([]string{path})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultPrefetchTileCount, set.Config.PrefetchTileCount)
	assert.Equal(t, 2, set.Config.ThreadCount)

	flagConfig = "lanes=0"
	_, err = loadProblemSet([]string{path})
	assert.Error(t, err)
}

func TestTuningSpace(t *testing.T) {
	space := tuningSpace(6, []int{2, 8})
	// 2 policies x grids {1, 2, 4, 6} x 2 prefetches.
	require.Len(t, space, 16)
	assert.Equal(t, tuningPoint{transposed: false, gridSize: 1, prefetch: 2}, space[0])
	assert.Equal(t, tuningPoint{transposed: true, gridSize: 6, prefetch: 8}, space[15])
	assert.Len(t, tuningSpace(1, []int{1}), 2)
}

func testProblemSet() *problemSet {
	config := scheduler.DefaultConfig()
	config.TileShape = tiling.TileShape{M: 8, N: 8, K: 4}
	config.PrefetchTileCount = 2
	config.ThreadCount = 3
	return &problemSet{
		Problems: []tiling.ProblemSize{{M: 20, N: 16, K: 12}, {M: 0, N: 16, K: 12}, {M: 5, N: 16, K: 12}},
		Config:   config,
	}
}

func TestPlan(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, plan[tiling.Forward](&buf, testProblemSet(), 4))
	out := buf.String()
	// 3x2 + 0 + 1x2 = 8 tiles, 2 per unit.
	assert.Contains(t, out, "grid of 4, 8 tiles")
	assert.Contains(t, out, "[6, 8)")

	buf.Reset()
	require.NoError(t, plan[tiling.Transposed](&buf, testProblemSet(), 3))
	assert.Contains(t, buf.String(), "transposed=true")
}

func TestRunAndTune(t *testing.T) {
	set := testProblemSet()
	flags := gemmFlags{dtype: "bfloat16", bias: true, seed: 7}
	dtype, err := parseDType(flags.dtype)
	require.NoError(t, err)
	require.Equal(t, dtypes.BFloat16, dtype)
	_, err = parseDType("int8")
	require.Error(t, err)

	problems, err := flags.newProblems(dtype, set.Problems)
	require.NoError(t, err)
	r, err := runAndVerify[tiling.Transposed](set.Config, dtype, false, problems, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, r.tiles)
	assert.Equal(t, 2.0*(20+5)*16*12, r.flops)

	results, err := tune(set.Config, dtype, false, problems, tuningSpace(4, []int{1, 3}), 2, io.Discard)
	require.NoError(t, err)
	require.Len(t, results, 12)
	for ii := 1; ii < len(results); ii++ {
		assert.LessOrEqual(t, results[ii-1].result.elapsed, results[ii].result.elapsed)
	}
	var buf bytes.Buffer
	printTuningResults(&buf, results)
	assert.Contains(t, buf.String(), "12 configurations")
}
