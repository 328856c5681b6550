package scheduler

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticSchedule returns a schedule where every entry is unique and easy to map back to its
// global index: entry i is (i, 1000+i).
func syntheticSchedule(tileCount int) schedule.Schedule {
	s := make(schedule.Schedule, tileCount)
	for ii := range s {
		s[ii] = entry(ii)
	}
	return s
}

func entry(globalIdx int) schedule.Entry {
	return schedule.Entry{ProblemIdx: int32(globalIdx), ProblemStart: int32(1000 + globalIdx)}
}

func newTestKernel[P tiling.Policy](t *testing.T, prefetch, lanes int) *Kernel[P] {
	config := DefaultConfig()
	config.PrefetchTileCount = prefetch
	config.ThreadCount = lanes
	config.MaxResidentUnits = -1
	k, err := NewKernel[P](config)
	require.NoError(t, err)
	return k
}

// visited holds, for each unit and lane, the entries returned by NextTile in order.
type visited [][][]schedule.Entry

// launchAndRecord launches k and records the (problem index, tile index) returned to every lane.
func launchAndRecord[P tiling.Policy](t *testing.T, k *Kernel[P], params LaunchParams, gridSize int) visited {
	v := make(visited, gridSize)
	for unit := range v {
		v[unit] = make([][]schedule.Entry, k.Config().ThreadCount)
	}
	done := make(chan error, 1)
	go func() {
		done <- k.Launch(params, gridSize, func(visitor *Visitor[P]) {
			var entries []schedule.Entry
			for visitor.NextTile() {
				entries = append(entries, schedule.Entry{
					ProblemIdx:   int32(visitor.ProblemIndex()),
					ProblemStart: int32(visitor.TileIndex()),
				})
			}
			v[visitor.Unit()][visitor.Lane()] = entries
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout: launch deadlocked.")
	}
	return v
}

func TestPartition(t *testing.T) {
	// Coverage law: the effective ranges of all units cover [0, tileCount) exactly once.
	for tileCount := range 50 {
		for gridSize := 1; gridSize <= 12; gridSize++ {
			covered := make([]int, tileCount)
			for unit := range gridSize {
				r, err := Partition(tileCount, gridSize, unit)
				require.NoError(t, err)
				start, end := r.Effective(tileCount)
				require.LessOrEqual(t, start, end)
				require.Equal(t, end-start, r.Len(tileCount))
				require.Equal(t, min(r.IterationsPerBlock, max(0, tileCount-r.BlockLoadStart)), r.Len(tileCount))
				for idx := start; idx < end; idx++ {
					covered[idx]++
				}
			}
			for idx, count := range covered {
				require.Equal(t, 1, count, "tileCount=%d, gridSize=%d: index %d covered %d times", tileCount, gridSize, idx, count)
			}
		}
	}

	// tile_count=10, G=4: ranges [0,3) [3,6) [6,9) and [9,10) clipped from [9,12).
	wantRanges := [][2]int{{0, 3}, {3, 6}, {6, 9}, {9, 10}}
	for unit, want := range wantRanges {
		r, err := Partition(10, 4, unit)
		require.NoError(t, err)
		assert.Equal(t, 3, r.IterationsPerBlock)
		assert.Equal(t, 3*unit, r.BlockLoadStart)
		start, end := r.Effective(10)
		assert.Equal(t, want, [2]int{start, end})
	}

	_, err := Partition(10, 0, 0)
	assert.Error(t, err)
	_, err = Partition(10, 4, 4)
	assert.Error(t, err)
	_, err = Partition(-1, 4, 0)
	assert.Error(t, err)
}

func TestLaunch_OrderAndTermination(t *testing.T) {
	for _, tileCount := range []int{0, 1, 5, 10, 17, 64} {
		s := syntheticSchedule(tileCount)
		params := LaunchParams{TileCount: tileCount, Schedule: s}
		for _, gridSize := range []int{1, 2, 3, 4, 7, 16} {
			for _, prefetch := range []int{1, 2, 3, 8} {
				for _, lanes := range []int{1, 2, 5} {
					name := fmt.Sprintf("T=%d/G=%d/P=%d/lanes=%d", tileCount, gridSize, prefetch, lanes)
					k := newTestKernel[tiling.Forward](t, prefetch, lanes)
					got := launchAndRecord(t, k, params, gridSize)
					var all []schedule.Entry
					for unit := range gridSize {
						r := partition(tileCount, gridSize, unit)
						start, end := r.Effective(tileCount)
						want := s[start:end]
						for lane := range lanes {
							// Termination law: exactly Len(tileCount) tiles; order: the unit's slice in order.
							require.Len(t, got[unit][lane], r.Len(tileCount), name)
							if len(want) > 0 {
								require.Equal(t, []schedule.Entry(want), got[unit][lane], "%s: unit %d lane %d", name, unit, lane)
							}
						}
						all = append(all, got[unit][0]...)
					}
					if tileCount > 0 {
						require.Equal(t, []schedule.Entry(s), all, name)
					} else {
						require.Empty(t, all, name)
					}
				}
			}
		}
	}
}

func TestLaunch_EmptySchedule(t *testing.T) {
	// tile_count=0: every unit's first NextTile returns false.
	k := newTestKernel[tiling.Forward](t, 2, 3)
	var firstCalls [4][3]bool
	err := k.Launch(LaunchParams{}, 4, func(v *Visitor[tiling.Forward]) {
		firstCalls[v.Unit()][v.Lane()] = v.NextTile()
		assert.Equal(t, Exhausted, v.State())
		assert.False(t, v.NextTile(), "Exhausted must be terminal")
	})
	require.NoError(t, err)
	for unit := range firstCalls {
		for lane := range firstCalls[unit] {
			assert.False(t, firstCalls[unit][lane])
		}
	}
}

func TestPrefetch(t *testing.T) {
	// Snapshots of the prefetch buffer taken after every fill (prologue and refills), per unit.
	type fills [][]schedule.Entry
	check := func(t *testing.T, tileCount, gridSize, prefetch, lanes int) []fills {
		k := newTestKernel[tiling.Forward](t, prefetch, lanes)
		s := syntheticSchedule(tileCount)
		got := make([]fills, gridSize)
		err := k.Launch(LaunchParams{TileCount: tileCount, Schedule: s}, gridSize, func(v *Visitor[tiling.Forward]) {
			// snapshot adds two extra rendezvous taken by all lanes. The first makes the writes of the
			// fill visible, the second keeps lanes off the buffer until lane 0 copied it.
			snapshot := func() {
				v.shared.sync()
				if v.Lane() == 0 {
					remaining := v.Range().Len(tileCount) - v.TilesComputed()
					n := min(prefetch, remaining)
					got[v.Unit()] = append(got[v.Unit()], slices.Clone(v.shared.prefetched[:n]))
				}
				v.shared.sync()
			}
			snapshot()
			for v.NextTile() {
				if v.TilesComputed()%prefetch == 0 {
					snapshot()
				}
			}
		})
		require.NoError(t, err)

		// Every fill holds the next min(P, remaining) entries of the unit's slice.
		for unit := range gridSize {
			r := partition(tileCount, gridSize, unit)
			start, end := r.Effective(tileCount)
			consumed := 0
			for fillIdx, fill := range got[unit] {
				from := start + consumed
				to := min(from+prefetch, end)
				require.Equal(t, []schedule.Entry(s[from:to]), fill, "unit %d fill #%d", unit, fillIdx)
				consumed += prefetch
			}
		}
		return got
	}

	t.Run("Scenario", func(t *testing.T) {
		// tile_count=10, G=4, P=2: unit 0 holds {0, 1} on the first fill, then {2} alone.
		got := check(t, 10, 4, 2, 3)
		require.Len(t, got[0], 2)
		assert.Equal(t, []schedule.Entry{entry(0), entry(1)}, got[0][0])
		assert.Equal(t, []schedule.Entry{entry(2)}, got[0][1])
		// Unit 3 has only tile 9.
		assert.Equal(t, []schedule.Entry{entry(9)}, got[3][0])
	})

	for _, lanes := range []int{1, 2, 3, 7, 16} {
		t.Run(fmt.Sprintf("lanes=%d", lanes), func(t *testing.T) {
			check(t, 37, 3, 5, lanes)
			check(t, 37, 5, 8, lanes)
			check(t, 12, 1, 4, lanes)
		})
	}
}

func TestLaunch_BoundsSafety(t *testing.T) {
	// Sentinels past tileCount must never be seen, and the schedule is capped so that any read past
	// tileCount panics (and fails the launch).
	const padding = 16
	sentinel := schedule.Entry{ProblemIdx: -1, ProblemStart: -1}
	for _, tc := range []struct{ tileCount, gridSize, prefetch int }{
		{10, 4, 8}, {10, 3, 2}, {7, 5, 4}, {1, 8, 8}, {33, 8, 3},
	} {
		backing := append(syntheticSchedule(tc.tileCount), slices.Repeat([]schedule.Entry{sentinel}, padding)...)
		params := LaunchParams{TileCount: tc.tileCount, Schedule: backing[:tc.tileCount:tc.tileCount]}
		r := partition(tc.tileCount, tc.gridSize, 0)
		require.Greater(t, tc.gridSize*r.IterationsPerBlock, tc.tileCount, "test case must overhang: %+v", tc)
		k := newTestKernel[tiling.Forward](t, tc.prefetch, 3)
		got := launchAndRecord(t, k, params, tc.gridSize)
		for unit := range got {
			for lane := range got[unit] {
				assert.NotContains(t, got[unit][lane], sentinel)
			}
		}
	}
}

func TestLaunch_MalformedSchedule(t *testing.T) {
	// A schedule shorter than tileCount is a contract violation of the producer: the launch must not
	// hang, and it reports the failure.
	k := newTestKernel[tiling.Forward](t, 8, 2)
	done := make(chan error, 1)
	go func() {
		done <- k.Launch(LaunchParams{TileCount: 10, Schedule: syntheticSchedule(6)}, 2, func(v *Visitor[tiling.Forward]) {
			for v.NextTile() {
			}
		})
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "unit 1")
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout: launch with malformed schedule deadlocked.")
	}
}

func TestLaunch_PanickingBody(t *testing.T) {
	k := newTestKernel[tiling.Forward](t, 2, 4)
	err := k.Launch(LaunchParams{TileCount: 20, Schedule: syntheticSchedule(20)}, 2, func(v *Visitor[tiling.Forward]) {
		for v.NextTile() {
			if v.Unit() == 1 && v.Lane() == 2 && v.TilesComputed() == 3 {
				panic("tile failed")
			}
		}
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unit 1, lane 2: tile failed")
}

func TestLaunch_Transposed(t *testing.T) {
	problems := []tiling.ProblemSize{{M: 9, N: 5, K: 8}, {M: 0, N: 5, K: 8}, {M: 3, N: 17, K: 8}}
	config := DefaultConfig()
	config.TileShape = tiling.TileShape{M: 4, N: 2}
	config.PrefetchTileCount = 3
	config.ThreadCount = 2
	k, err := NewKernel[tiling.Transposed](config)
	require.NoError(t, err)
	require.True(t, k.Transposed())

	s := schedule.Build[tiling.Transposed](problems, config.TileShape)
	params := LaunchParams{TileCount: len(s), Schedule: s, ProblemSizes: problems}
	const gridSize = 3
	regions := make([][]tiling.Region, gridSize)
	problemIdx := make([][]int, gridSize)
	err = k.Launch(params, gridSize, func(v *Visitor[tiling.Transposed]) {
		for v.NextTile() {
			var policy tiling.Transposed
			assert.Equal(t, policy.Decode(v.TileIndex(), v.ProblemSize(), v.Tile()), v.TileCoord())
			if v.Lane() == 0 {
				regions[v.Unit()] = append(regions[v.Unit()], v.Region())
				problemIdx[v.Unit()] = append(problemIdx[v.Unit()], v.ProblemIndex())
			}
		}
	})
	require.NoError(t, err)

	// The regions of all tiles cover each problem's output exactly once.
	covered := make([][]int, len(problems))
	for ii, p := range problems {
		covered[ii] = make([]int, p.M*p.N)
	}
	for unit := range gridSize {
		for ii, r := range regions[unit] {
			p := problems[problemIdx[unit][ii]]
			for row := r.Row; row < r.Row+r.Rows; row++ {
				for col := r.Col; col < r.Col+r.Cols; col++ {
					covered[problemIdx[unit][ii]][row*p.N+col]++
				}
			}
		}
	}
	for ii := range problems {
		for idx, c := range covered[ii] {
			require.Equal(t, 1, c, "problem %d element %d", ii, idx)
		}
	}
}

func TestVisitor_AccessorsWithoutTile(t *testing.T) {
	k := newTestKernel[tiling.Forward](t, 2, 1)
	err := k.Launch(LaunchParams{TileCount: 1, Schedule: syntheticSchedule(1)}, 1, func(v *Visitor[tiling.Forward]) {
		assert.Panics(t, func() { v.ProblemIndex() })
		assert.Equal(t, HasMore, v.State())
		if !assert.True(t, v.NextTile()) {
			return
		}
		assert.Equal(t, 0, v.ProblemIndex())
		assert.Equal(t, 1000, v.TileIndex())
		// No ProblemSizes given.
		assert.Panics(t, func() { v.ProblemSize() })
		assert.False(t, v.NextTile())
		assert.Panics(t, func() { v.TileIndex() })
	})
	require.NoError(t, err)
}

func TestKernel(t *testing.T) {
	config := DefaultConfig()
	config.PrefetchTileCount = 0
	_, err := NewKernel[tiling.Forward](config)
	assert.ErrorContains(t, err, "prefetch tile count is 0")

	k := newTestKernel[tiling.Forward](t, 4, 2)
	assert.False(t, k.Transposed())
	assert.Error(t, k.Launch(LaunchParams{}, 0, func(*Visitor[tiling.Forward]) {}))

	// The scheduler never produces the schedule.
	var producer schedule.Producer = k
	problems := []tiling.ProblemSize{{M: 128, N: 128, K: 128}}
	assert.False(t, producer.RequiresPrecomputation())
	assert.Zero(t, producer.WorkspaceSize(problems, 4))
	assert.Empty(t, schedule.Produce(producer, problems, 4))
}

func TestConfig(t *testing.T) {
	c, err := ParseConfig("tile=64x32x16, prefetch=4,lanes=8,units=2")
	require.NoError(t, err)
	assert.Equal(t, Config{TileShape: tiling.TileShape{M: 64, N: 32, K: 16}, PrefetchTileCount: 4, ThreadCount: 8, MaxResidentUnits: 2}, c)
	c2, err := ParseConfig(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, c2)

	c, err = ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	base := Config{TileShape: tiling.TileShape{M: 16, N: 8}, PrefetchTileCount: 2, ThreadCount: 3, MaxResidentUnits: 5}
	c, err = ParseConfigOnto(base, "prefetch=6")
	require.NoError(t, err)
	want := base
	want.PrefetchTileCount = 6
	assert.Equal(t, want, c)
	c, err = ParseConfigOnto(base, "")
	require.NoError(t, err)
	assert.Equal(t, base, c)

	for _, bad := range []string{"prefetch=0", "lanes=0", "tile=0x4", "tile=4", "tile=ax4", "prefetch", "foo=1", "units=x"} {
		_, err = ParseConfig(bad)
		assert.Error(t, err, "config %q should fail", bad)
	}

	t.Setenv(TILESCHED_CONFIG, "prefetch=3")
	c, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, c.PrefetchTileCount)
	t.Setenv(TILESCHED_CONFIG, "prefetch=-1")
	_, err = ConfigFromEnv()
	assert.ErrorContains(t, err, TILESCHED_CONFIG)
}
