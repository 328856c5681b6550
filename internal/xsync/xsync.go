// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used by the lanes of an execution unit.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrBarrierBroken is returned by Barrier.Wait once the barrier has been broken.
var ErrBarrierBroken = errors.New("barrier broken")

// Barrier is a cyclic rendezvous point for a fixed number of parties.
//
// Every call to Wait blocks until exactly `parties` goroutines have called it, then all of them are
// released together and the barrier resets for the next cycle (a new "generation").
// All writes made by any party before Wait happen-before the reads made by every party after Wait returns.
//
// A Barrier can be broken (see Break): pending and future calls to Wait return ErrBarrierBroken.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
	broken     bool
}

// NewBarrier creates a Barrier for the given number of parties.
// It panics if parties <= 0.
func NewBarrier(parties int) *Barrier {
	if parties <= 0 {
		panic(errors.Errorf("xsync.NewBarrier(%d): number of parties must be > 0", parties))
	}
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Parties returns the number of goroutines that must call Wait to release the barrier.
func (b *Barrier) Parties() int {
	return b.parties
}

// Wait blocks until all parties have called Wait in the current generation.
//
// It returns ErrBarrierBroken if the barrier is or becomes broken while waiting.
func (b *Barrier) Wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return ErrBarrierBroken
	}
	gen := b.generation
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return nil
	}
	// Loop to protect against spurious wakeups: only a change of generation releases the waiter.
	for gen == b.generation && !b.broken {
		b.cond.Wait()
	}
	if gen == b.generation {
		return ErrBarrierBroken
	}
	return nil
}

// Break the barrier: any goroutine blocked on Wait, or calling it later, gets ErrBarrierBroken.
// It's safe to call Break more than once.
func (b *Barrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}

// IsBroken returns whether Break has been called.
func (b *Barrier) IsBroken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Generation returns how many times the barrier has been released so far.
func (b *Barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
