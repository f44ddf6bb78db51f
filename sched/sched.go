// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sched decides which chunks should be resident on the fast tier
// and issues the migrations to make it so.
//
// The ranking policy is pluggable (Policy); the default LookaheadPolicy
// orders chunks by the predicted distance to their next access, taken from
// the previous pass's access order, with an LRU fallback as tie-break.
// Chunks never observed before rank as distance zero -- must-have-now --
// which keeps the first pass correct with no prefetch benefit.
package sched

import (
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/mover"
)

// ChunkInfo is the scheduler's view of one chunk: a state snapshot plus
// the predicted access distance the manager computed (minimum over the
// tensors the chunk holds).
type ChunkInfo struct {
	Chunk    *chunks.Chunk
	Snapshot chunks.Snapshot
	Distance int64
}

// Plan is the outcome of one ranking pass: chunks to bring to the fast
// tier and chunks to push out to make room.
type Plan struct {
	Prefetch []*chunks.Chunk
	Evict    []*chunks.Chunk
}

// Policy ranks chunks by eviction/prefetch priority. Implementations must
// never select a Compute, pinned or in-transit chunk for eviction.
type Policy interface {
	Plan(infos []ChunkInfo, fastBudget int64, lookahead int) Plan
}

// LookaheadPolicy is the default policy described in the package doc.
type LookaheadPolicy struct{}

// Plan implements Policy.
//
// Admission is greedy in ascending distance order until the fast-tier
// budget is exhausted; the budget first pays for chunks that cannot be
// evicted (Compute, pinned, migrating). Resident chunks beyond the budget
// are evicted farthest-distance first, longest-resident first on ties.
func (LookaheadPolicy) Plan(infos []ChunkInfo, fastBudget int64, lookahead int) Plan {
	var plan Plan

	// Chunks with no payload hold no data on any tier; nothing to place.
	candidates := make([]ChunkInfo, 0, len(infos))
	var reserved int64
	for _, info := range infos {
		snap := info.Snapshot
		if snap.Status == chunks.StatusFree {
			continue
		}
		if !evictable(snap) {
			// Unevictable chunks on (or headed to) the fast tier consume
			// budget regardless of ranking.
			if snap.Tier != memtier.TierSlow {
				reserved += snap.Capacity
			}
			continue
		}
		candidates = append(candidates, info)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		// Tie-break: favor keeping the chunk that arrived most recently,
		// i.e. evict the one resident longest (LRU fallback).
		return a.Snapshot.ResidentSince.After(b.Snapshot.ResidentSince)
	})

	budget := fastBudget - reserved
	for _, info := range candidates {
		snap := info.Snapshot
		admitted := fastBudget <= 0 || snap.Capacity <= budget
		if admitted {
			budget -= snap.Capacity
			if snap.Tier == memtier.TierSlow && int64(lookahead) >= info.Distance {
				plan.Prefetch = append(plan.Prefetch, info.Chunk)
			}
			continue
		}
		if snap.Tier == memtier.TierFast {
			plan.Evict = append(plan.Evict, info.Chunk)
		}
	}

	// Evict farthest-first so the fast tier frees up for the nearest
	// chunks as soon as possible.
	for i, j := 0, len(plan.Evict)-1; i < j; i, j = i+1, j-1 {
		plan.Evict[i], plan.Evict[j] = plan.Evict[j], plan.Evict[i]
	}
	return plan
}

func evictable(snap chunks.Snapshot) bool {
	return snap.Status != chunks.StatusCompute && !snap.Pinned && !snap.Migrating
}

// Scheduler applies a Policy's plans through the mover, cancelling queued
// migrations a newer plan no longer wants.
type Scheduler struct {
	policy     Policy
	mover      *mover.Mover
	fastBudget int64
	lookahead  int

	mu     sync.Mutex
	issued map[chunks.ID]*mover.Job
}

// New returns a Scheduler using policy over the given mover.
func New(policy Policy, mv *mover.Mover, fastBudget int64, lookahead int) *Scheduler {
	return &Scheduler{
		policy:     policy,
		mover:      mv,
		fastBudget: fastBudget,
		lookahead:  lookahead,
		issued:     make(map[chunks.ID]*mover.Job),
	}
}

// Replan runs the policy over the given occupancy snapshot and issues the
// resulting migrations. It is called on every allocation, release and
// access notification -- occupancy or predicted order changed.
func (s *Scheduler) Replan(infos []ChunkInfo) Plan {
	plan := s.policy.Plan(infos, s.fastBudget, s.lookahead)

	s.mu.Lock()
	defer s.mu.Unlock()

	wantDest := make(map[chunks.ID]memtier.Tier, len(plan.Prefetch)+len(plan.Evict))
	for _, c := range plan.Prefetch {
		wantDest[c.ID()] = memtier.TierFast
	}
	for _, c := range plan.Evict {
		wantDest[c.ID()] = memtier.TierSlow
	}

	// Drop queued migrations the new plan no longer asks for. In-flight
	// jobs run to completion; a wrong in-flight move is corrected by a
	// later plan.
	for id, job := range s.issued {
		status := job.Status()
		if status != mover.JobQueued && status != mover.JobInFlight {
			delete(s.issued, id)
			continue
		}
		if dest, wanted := wantDest[id]; !wanted || dest != job.Dest() {
			if s.mover.Cancel(job) {
				klog.V(2).Infof("cancelled queued migration of chunk #%d to %s", id, job.Dest())
				delete(s.issued, id)
			}
		}
	}

	submit := func(c *chunks.Chunk, dest memtier.Tier, reason mover.Reason) {
		job, found, err := s.mover.Submit(c, dest, reason)
		if err != nil {
			klog.Warningf("could not submit migration of chunk #%d to %s: %v", c.ID(), dest, err)
			return
		}
		if found && job.Dest() != dest {
			// A stale pending job is headed the other way; cancel it if
			// still queued and try once more.
			if !s.mover.Cancel(job) {
				return
			}
			job, _, err = s.mover.Submit(c, dest, reason)
			if err != nil {
				return
			}
		}
		s.issued[c.ID()] = job
	}

	// Evictions go first: they free the fast-tier room the prefetches are
	// about to claim. A prefetch that still loses the race fails cleanly
	// and is resubmitted on the next replan.
	for _, c := range plan.Evict {
		submit(c, memtier.TierSlow, mover.ReasonEvict)
	}
	for _, c := range plan.Prefetch {
		submit(c, memtier.TierFast, mover.ReasonPrefetch)
	}
	return plan
}

// EndPass clears the scheduler's issued-job bookkeeping; the next pass
// starts from a fresh plan.
func (s *Scheduler) EndPass() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.issued {
		if job.Status() == mover.JobQueued {
			s.mover.Cancel(job)
		}
		delete(s.issued, id)
	}
}
