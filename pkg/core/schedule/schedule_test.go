package schedule

import (
	"testing"

	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTile     = tiling.TileShape{M: 4, N: 4}
	testProblems = []tiling.ProblemSize{
		{M: 8, N: 4, K: 16},  // 2 tiles
		{M: 0, N: 4, K: 16},  // Expert with no tokens: 0 tiles.
		{M: 5, N: 12, K: 16}, // 2x3 = 6 tiles
	}
)

func TestBuild(t *testing.T) {
	s := Build[tiling.Forward](testProblems, testTile)
	require.Len(t, s, 8)
	assert.Equal(t, 8, TileCount[tiling.Forward](testProblems, testTile))
	want := Schedule{{0, 0}, {0, 1}, {2, 0}, {2, 1}, {2, 2}, {2, 3}, {2, 4}, {2, 5}}
	assert.Equal(t, want, s)
	require.NoError(t, Validate[tiling.Forward](s, len(s), testProblems, testTile))

	// Transposed problems: 4x8 -> 1x2 tiles, 4x0 -> none, 12x5 -> 3x2.
	s = Build[tiling.Transposed](testProblems, tiling.TileShape{M: 4, N: 4})
	require.Len(t, s, 8)
	assert.Equal(t, "(2, 5)", s[7].String())
}

func TestValidate(t *testing.T) {
	s := Build[tiling.Forward](testProblems, testTile)
	assert.Error(t, Validate[tiling.Forward](s[:7], 8, testProblems, testTile))
	assert.Error(t, Validate[tiling.Forward](s[:7], 7, testProblems, testTile))

	bad := append(Schedule(nil), s...)
	bad[3] = Entry{ProblemIdx: 3, ProblemStart: 0}
	assert.ErrorContains(t, Validate[tiling.Forward](bad, 8, testProblems, testTile), "refers to problem 3")

	bad[3] = Entry{ProblemIdx: 2, ProblemStart: 6}
	assert.ErrorContains(t, Validate[tiling.Forward](bad, 8, testProblems, testTile), "refers to tile 6")

	bad[3] = Entry{ProblemIdx: 2, ProblemStart: 0}
	assert.ErrorContains(t, Validate[tiling.Forward](bad, 8, testProblems, testTile), "duplicate")
}

func TestHostProducer(t *testing.T) {
	var producer Producer = HostProducer[tiling.Forward]{Tile: testTile}
	assert.True(t, producer.RequiresPrecomputation())
	assert.Equal(t, 8, producer.WorkspaceSize(testProblems, 3))
	s := Produce(producer, testProblems, 3)
	assert.Equal(t, Build[tiling.Forward](testProblems, testTile), s)
	assert.Panics(t, func() { producer.HostPrecompute(testProblems, 3, make(Schedule, 2)) })
}

func TestSplits(t *testing.T) {
	splits, err := GatherSplits([][]int{{1, 0, 3}, {2, 0, 4}})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0, 7}, splits)

	_, err = GatherSplits([][]int{{1, 0, 3}, {2, 0}})
	assert.Error(t, err)

	problems, err := ProblemsFromSplits(splits, 32, 16)
	require.NoError(t, err)
	assert.Equal(t, []tiling.ProblemSize{{M: 3, N: 32, K: 16}, {M: 0, N: 32, K: 16}, {M: 7, N: 32, K: 16}}, problems)

	_, err = ProblemsFromSplits([]int{1, -1}, 32, 16)
	assert.Error(t, err)
	_, err = ProblemsFromSplits([]int{1}, 0, 16)
	assert.Error(t, err)
}
