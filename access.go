// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chunkstar

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/mover"
)

// Acquisition is a scoped handle to a tensor's bytes. It bounds the
// chunk's Compute window: the chunk is never evicted while any acquisition
// on it is outstanding, and the bytes stay valid until Release.
type Acquisition struct {
	m      *Manager
	entry  chunks.Entry
	chunk  *chunks.Chunk
	intent Intent

	releaseOnce sync.Once
}

// Entry locating the acquired tensor.
func (a *Acquisition) Entry() chunks.Entry { return a.entry }

// Bytes returns the tensor's payload window. The slice aliases chunk
// memory: do not retain it past Release.
func (a *Acquisition) Bytes() []byte {
	return a.chunk.Bytes(a.entry.Offset, a.entry.Length)
}

// Release ends the acquisition. The chunk transitions back to Hold when
// its last acquisition is released, making it evictable again. Releasing
// more than once is a no-op.
func (a *Acquisition) Release() {
	a.releaseOnce.Do(func() {
		a.chunk.ReleaseAcquisition()
		// Occupancy pressure may have queued up behind the Compute chunk.
		a.m.Replan()
	})
}

// Access acquires the tensor's bytes for reading or writing.
//
// It blocks only when it must: if a migration is outstanding on the
// tensor's chunk the compute lane joins that migration's completion
// signal; if the chunk sits on the slow tier a demand fetch is issued and
// waited for. A prefetch that already completed costs nothing. When the
// fast tier cannot host the chunk even after bounded eviction retries, the
// access proceeds against the chunk's current (slow) location -- correct,
// just not fast.
//
// Accesses within one pass re-enter freely, so a layer may hold several
// tensors packed into the same chunk at once (weight and bias, or a
// forward acquisition still live during backward); an accessor from a
// different pass waits for release.
func (m *Manager) Access(id chunks.TensorID, intent Intent) (*Acquisition, error) {
	entry, found := m.index.Get(id)
	if !found {
		return nil, errors.Errorf("Access(tensor %d): not allocated", id)
	}
	c := m.chunk(entry.Chunk)
	m.ensureFast(c)

	migrating := c.MigrationOutstanding()
	start := time.Now()
	c.Acquire(m.trk.Pass())
	if migrating {
		m.st.RecordStall(time.Since(start))
	}
	klog.V(2).Infof("access %s of tensor %d on chunk #%d (%s)", intent, id, c.ID(), c.Tier())
	return &Acquisition{m: m, entry: entry, chunk: c, intent: intent}, nil
}

// ensureFast tries to bring the chunk to the fast tier, retrying failed
// migrations (destination full) after forcing eviction, bounded by
// MigrationRetries. On exhaustion it returns with the chunk still on the
// slow tier; the caller computes from there.
func (m *Manager) ensureFast(c *chunks.Chunk) {
	for attempt := 0; attempt <= m.cfg.MigrationRetries; attempt++ {
		switch c.Tier() {
		case memtier.TierFast:
			return

		case memtier.TierInTransit:
			// Join whatever move is in flight, then re-examine.
			if job := m.mv.Pending(c.ID()); job != nil {
				start := time.Now()
				_ = job.Wait()
				m.st.RecordStall(time.Since(start))
			}

		case memtier.TierSlow:
			if m.cfg.FastTierBudget > 0 && !m.fastPool.HasRoom(c.Capacity()) {
				m.evictForRoom()
			}
			job := m.submit(c, memtier.TierFast, mover.ReasonDemand)
			if job == nil {
				return
			}
			start := time.Now()
			err := job.Wait()
			m.st.RecordStall(time.Since(start))
			if err != nil {
				klog.V(1).Infof("demand fetch of chunk #%d failed (attempt %d): %v",
					c.ID(), attempt+1, err)
			}
		}
	}
	if c.Tier() != memtier.TierFast {
		klog.Warningf("chunk #%d stays on %s after %d fetch attempts; computing from there",
			c.ID(), c.Tier(), m.cfg.MigrationRetries+1)
	}
}
