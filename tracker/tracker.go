// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracker records the compute-order position at which each tensor
// is touched, one full pass (forward+backward) behind.
//
// Transformer-style models walk their layers in a fixed linear order, so
// the order observed in the previous pass is a strong predictor of the
// next one. The scheduler reads the prediction purely as a heuristic: a
// pass that takes a different code path may violate it, and correctness is
// preserved by blocking at access time, never by trusting the prediction.
package tracker

import (
	"sync"

	"github.com/gomlx/chunkstar/chunks"
)

// Tracker keeps the step index of every tensor touch for the current pass
// and the completed previous pass.
type Tracker struct {
	mu sync.Mutex

	// step is the position within the current pass, incremented per touch.
	step int64

	// pass counts completed passes.
	pass int64

	// prevPassLen is the number of steps the previous pass took; distances
	// wrap around it.
	prevPassLen int64

	current  map[chunks.TensorID]int64
	previous map[chunks.TensorID]int64
}

// New returns an empty tracker: every tensor starts unknown.
func New() *Tracker {
	return &Tracker{
		current:  make(map[chunks.TensorID]int64),
		previous: make(map[chunks.TensorID]int64),
	}
}

// Touch records that the tensor is about to be used, and returns the step
// index assigned to this touch.
func (t *Tracker) Touch(id chunks.TensorID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	step := t.step
	t.current[id] = step
	t.step++
	return step
}

// Step returns the current position within the pass.
func (t *Tracker) Step() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// Pass returns the index of the current pass, starting at zero. The index
// is the acquisition epoch: everything a pass touches shares it.
func (t *Tracker) Pass() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pass
}

// EndPass rotates the pass records: the current pass becomes the
// prediction source for the next one.
func (t *Tracker) EndPass() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = t.current
	t.prevPassLen = t.step
	t.current = make(map[chunks.TensorID]int64, len(t.previous))
	t.step = 0
	t.pass++
}

// PredictedDistance returns the number of steps until the tensor is next
// expected to be needed, based on the previous pass. A tensor never seen
// before returns 0: unknown means nearest, must-have-now -- that keeps the
// first pass correct at the cost of prefetch benefit.
func (t *Tracker) PredictedDistance(id chunks.TensorID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	prevPos, found := t.previous[id]
	if !found {
		return 0
	}
	d := prevPos - t.step
	if d < 0 {
		// Already past its position this pass: expect it again next pass.
		d += t.prevPassLen
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Known reports whether the tensor was observed in the previous pass.
func (t *Tracker) Known(id chunks.TensorID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.previous[id]
	return found
}
