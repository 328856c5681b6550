// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the tile scheduler of a fused grouped GEMM kernel.
//
// A launch runs a grid of execution units. Each unit is a group of lanes (goroutines) that walk,
// in lock-step, a contiguous slice of the schedule (see Partition). The schedule entries are staged
// in a small per-unit prefetch buffer, refilled cooperatively by all lanes of the unit, and handed
// to the caller one tile at a time by the lane's Visitor.
//
// Units never communicate: each owns its range, its buffer and its barrier. The schedule is shared
// read-only by all of them.
//
// The tiling policy (tiling.Forward or tiling.Transposed) is a type parameter of Kernel, fixed
// when the kernel is instantiated.
package scheduler

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilesched/internal/workerspool"
	"github.com/gomlx/tilesched/internal/xsync"
	"github.com/gomlx/tilesched/pkg/core/schedule"
	"github.com/gomlx/tilesched/pkg/core/tiling"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Kernel is a specialization of the scheduler: tile shape, prefetch capacity, lanes per unit and
// tiling policy P. It is immutable and can be launched any number of times, concurrently.
type Kernel[P tiling.Policy] struct {
	config Config
}

// NewKernel returns a Kernel specialized with config, or an error if the configuration is invalid
// (e.g. a prefetch buffer of size 0).
func NewKernel[P tiling.Policy](config Config) (*Kernel[P], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Kernel[P]{config: config}, nil
}

// Config returns the specialization of the kernel.
func (k *Kernel[P]) Config() Config {
	return k.config
}

// Transposed reports whether the kernel uses the transposed tiling policy.
func (k *Kernel[P]) Transposed() bool {
	var policy P
	return policy.Transposed()
}

// Kernel implements schedule.Producer inertly: the schedule is always produced upstream (by the
// all-gather/indexing stage), never by the scheduler.
var _ schedule.Producer = (*Kernel[tiling.Forward])(nil)

// RequiresPrecomputation implements schedule.Producer: it always returns false.
func (k *Kernel[P]) RequiresPrecomputation() bool { return false }

// WorkspaceSize implements schedule.Producer: it always returns 0.
func (k *Kernel[P]) WorkspaceSize(_ []tiling.ProblemSize, _ int) int { return 0 }

// HostPrecompute implements schedule.Producer: it does nothing.
func (k *Kernel[P]) HostPrecompute(_ []tiling.ProblemSize, _ int, _ schedule.Schedule) {}

// Launch runs body on every lane of every unit of a grid of gridSize units, and returns when all of
// them are finished. At most Config.MaxResidentUnits units run at the same time; all lanes of a
// running unit run concurrently.
//
// body receives the lane's Visitor and is expected to loop on Visitor.NextTile until it returns false.
// All lanes of a unit must make the same sequence of NextTile calls.
//
// There is no cancellation: every unit runs its range to completion. If body panics, for instance
// because the schedule is shorter than params.TileCount (a producer contract violation), the lanes of
// that unit are released and Launch returns the panic as an error; other units are not interrupted.
func (k *Kernel[P]) Launch(params LaunchParams, gridSize int, body func(v *Visitor[P])) error {
	if gridSize < 1 {
		return errors.Errorf("grid size must be >= 1, got %d", gridSize)
	}
	if params.TileCount < 0 {
		return errors.Errorf("tile count must be >= 0, got %d", params.TileCount)
	}
	launchID := uuid.NewString()
	if klog.V(1).Enabled() {
		klog.Infof("launch %s: %d tiles, grid of %d units, %s, transposed=%v",
			launchID, params.TileCount, gridSize, k.config, k.Transposed())
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	pool := workerspool.New(k.config.MaxResidentUnits)
	pool.Run(gridSize, func(unit int) {
		err := k.runUnit(&params, gridSize, unit, body)
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = errors.WithMessagef(err, "launch %s failed", launchID)
		}
	})
	if firstErr != nil {
		klog.V(1).Infof("launch %s: %v", launchID, firstErr)
	}
	return firstErr
}

// runUnit runs the lanes of one unit.
func (k *Kernel[P]) runUnit(params *LaunchParams, gridSize, unit int, body func(v *Visitor[P])) error {
	if klog.V(2).Enabled() {
		r := partition(params.TileCount, gridSize, unit)
		start, end := r.Effective(params.TileCount)
		klog.Infof("unit %d: range [%d, %d) of nominal [%d, %d)", unit, start, end,
			r.BlockLoadStart, r.BlockLoadStart+r.IterationsPerBlock)
	}
	shared := NewSharedStorage(k.config.PrefetchTileCount, k.config.ThreadCount)
	var g errgroup.Group
	for lane := range k.config.ThreadCount {
		g.Go(func() error {
			exception := exceptions.Try(func() {
				body(newVisitor[P](&k.config, params, shared, gridSize, unit, lane))
			})
			if exception == nil {
				return nil
			}
			err, ok := exception.(error)
			if !ok {
				err = errors.Errorf("%v", exception)
			}
			if errors.Is(err, xsync.ErrBarrierBroken) {
				// Another lane of the unit failed, and it reports the error.
				return nil
			}
			shared.barrier.Break()
			return errors.WithMessagef(err, "unit %d, lane %d", unit, lane)
		})
	}
	return g.Wait()
}
