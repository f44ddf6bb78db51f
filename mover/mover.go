// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mover executes asynchronous chunk migrations between tiers.
//
// Each migration is a Job running on a transfer lane, a goroutine admitted
// by a semaphore so at most TransferParallelism copies are in flight at
// once. Jobs for distinct chunks proceed concurrently; jobs for a single
// chunk are strictly serialized (at most one pending per chunk). A queued
// job can be cancelled until a lane picks it up; once in flight it runs to
// completion, so no partially copied payload is ever visible.
//
// The byte copy itself goes through the Copier interface, so transports
// (a real accelerator DMA, or a deliberately slow copier in tests) are
// pluggable.
package mover

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/internal/xsync"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/stats"
)

// Copier performs the byte-level copy of a chunk payload between tiers.
// dst and src have the same length.
type Copier interface {
	Copy(dst, src []byte, dest memtier.Tier) error
}

// MemCopier is the in-process Copier: both tiers are host memory.
type MemCopier struct{}

// Copy implements Copier.
func (MemCopier) Copy(dst, src []byte, _ memtier.Tier) error {
	copy(dst, src)
	return nil
}

// JobStatus of a migration job.
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobInFlight
	JobDone
	JobFailed
	JobCancelled
)

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobInFlight:
		return "in-flight"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return "invalid"
}

// Reason a migration was issued, for accounting.
type Reason int

const (
	// ReasonPrefetch: the scheduler brought the chunk in ahead of need.
	ReasonPrefetch Reason = iota
	// ReasonEvict: the scheduler pushed the chunk out to make room.
	ReasonEvict
	// ReasonDemand: an access found its chunk on the slow tier and must
	// fetch it now.
	ReasonDemand
)

// Job is one chunk migration. Create it with Mover.Submit; observe it with
// Status and Wait.
type Job struct {
	chunk  *chunks.Chunk
	dest   memtier.Tier
	reason Reason

	mu     sync.Mutex
	status JobStatus
	err    error
	done   *xsync.Latch
}

// Chunk the job migrates.
func (j *Job) Chunk() *chunks.Chunk { return j.chunk }

// Dest tier of the migration.
func (j *Job) Dest() memtier.Tier { return j.dest }

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Wait blocks until the job reaches a terminal status (done, failed or
// cancelled) and returns its error, if any. The wait is a cooperative join
// on the job's completion latch.
func (j *Job) Wait() error {
	j.done.Wait()
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// DoneChan returns a channel closed when the job reaches a terminal
// status.
func (j *Job) DoneChan() <-chan struct{} { return j.done.WaitChan() }

func (j *Job) finish(status JobStatus, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.mu.Unlock()
	j.done.Trigger()
}

// Mover owns the transfer lanes.
type Mover struct {
	copier Copier
	pools  map[memtier.Tier]*memtier.Pool
	lanes  *xsync.Semaphore
	st     *stats.Stats
	onDone func(*Job)

	mu      sync.Mutex
	pending map[chunks.ID]*Job
	wg      sync.WaitGroup
	closed  bool
}

// New returns a Mover copying through copier, with at most parallelism
// concurrent copies (<= 0 for unlimited).
func New(copier Copier, fast, slow *memtier.Pool, parallelism int, st *stats.Stats) *Mover {
	return &Mover{
		copier: copier,
		pools: map[memtier.Tier]*memtier.Pool{
			memtier.TierFast: fast,
			memtier.TierSlow: slow,
		},
		lanes:   xsync.NewSemaphore(parallelism),
		st:      st,
		pending: make(map[chunks.ID]*Job),
	}
}

// OnDone registers fn to run after a job completes successfully, once the
// chunk has settled on its destination tier and left the pending set. The
// scheduler uses it to chain a prefetch right behind the eviction that
// freed its room. Set it before the first Submit; failed and cancelled
// jobs do not fire it (their retry rides on the next planning pass).
func (m *Mover) OnDone(fn func(*Job)) { m.onDone = fn }

// Submit queues a migration of chunk c to dest and returns its Job handle.
//
// If a job is already pending for the chunk it is returned instead (with
// found=true): migrations per chunk are serialized, and two plans asking
// for the same move coalesce. Submitting against a finalized mover returns
// an error.
func (m *Mover) Submit(c *chunks.Chunk, dest memtier.Tier, reason Reason) (job *Job, found bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, errors.New("mover is finalized")
	}
	if prev, ok := m.pending[c.ID()]; ok {
		m.mu.Unlock()
		return prev, true, nil
	}
	job = &Job{
		chunk:  c,
		dest:   dest,
		reason: reason,
		status: JobQueued,
		done:   xsync.NewLatch(),
	}
	m.pending[c.ID()] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(job)
	return job, false, nil
}

// Cancel cancels the job if it is still queued. In-flight jobs run to
// completion -- cancelling mid-copy would risk a partially visible
// payload.
func (m *Mover) Cancel(job *Job) bool {
	job.mu.Lock()
	if job.status != JobQueued {
		job.mu.Unlock()
		return false
	}
	job.status = JobCancelled
	job.mu.Unlock()
	m.st.CancelledMigrations.Add(1)
	// Unpend right away so a new job for the chunk can be submitted; the
	// lane goroutine observes the cancellation when it dequeues the job
	// and only triggers its latch.
	m.unpend(job)
	return true
}

// Pending returns the pending (queued or in-flight) job for the chunk, if
// any.
func (m *Mover) Pending(id chunks.ID) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id]
}

// Finalize waits for all pending jobs to reach a terminal status and
// rejects further submissions.
func (m *Mover) Finalize() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

// run executes one job on a transfer lane.
func (m *Mover) run(job *Job) {
	defer m.wg.Done()
	m.lanes.Acquire()
	defer m.lanes.Release()
	// LIFO: the job is unpended first, then the completion hook fires, so
	// a replan from the hook can submit a fresh job for the same chunk.
	defer m.notifyDone(job)
	defer m.unpend(job)

	c := job.chunk
	job.mu.Lock()
	if job.status != JobQueued {
		// Cancelled while waiting for a lane.
		job.mu.Unlock()
		job.done.Trigger()
		return
	}
	job.status = JobInFlight
	job.mu.Unlock()

	latch, src, err := c.BeginMigration(job.dest)
	if err != nil {
		// The plan went stale (chunk pinned, under Compute, already moved):
		// not a failure, the scheduler will replan.
		klog.V(2).Infof("migration of chunk #%d to %s dropped: %v", c.ID(), job.dest, err)
		m.st.CancelledMigrations.Add(1)
		job.finish(JobCancelled, nil)
		return
	}
	_ = latch // Chunk acquisitions wait on it; completion below triggers it.

	dst, err := m.pools[job.dest].Alloc(c.Capacity())
	if err != nil {
		// Destination tier has no room: the chunk stays on its source
		// tier, the scheduler must re-evaluate on the next step.
		c.AbortMigration()
		err = errors.Wrapf(chunks.ErrMigrationFailed, "no room on %s for chunk #%d: %v",
			job.dest, c.ID(), err)
		m.st.FailedMigrations.Add(1)
		job.finish(JobFailed, err)
		return
	}

	if err = m.copier.Copy(dst, src, job.dest); err != nil {
		c.AbortMigration()
		m.pools[job.dest].FreePayload(dst)
		err = errors.Wrapf(chunks.ErrMigrationFailed, "copy of chunk #%d to %s: %v",
			c.ID(), job.dest, err)
		m.st.FailedMigrations.Add(1)
		job.finish(JobFailed, err)
		return
	}

	source := m.sourceOf(job.dest)
	old := c.CompleteMigration(job.dest, dst)
	m.pools[source].FreePayload(old)

	m.st.Migrations.Add(1)
	switch job.reason {
	case ReasonPrefetch:
		m.st.Prefetches.Add(1)
	case ReasonDemand:
		m.st.DemandFetches.Add(1)
	}
	if job.dest == memtier.TierFast {
		m.st.BytesToFast.Add(c.Capacity())
	} else {
		m.st.BytesToSlow.Add(c.Capacity())
	}
	klog.V(1).Infof("migrated chunk #%d to %s (%s)", c.ID(), job.dest, job.reasonString())
	job.finish(JobDone, nil)
}

func (m *Mover) sourceOf(dest memtier.Tier) memtier.Tier {
	if dest == memtier.TierFast {
		return memtier.TierSlow
	}
	return memtier.TierFast
}

func (m *Mover) notifyDone(job *Job) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.onDone == nil || job.Status() != JobDone {
		return
	}
	m.onDone(job)
}

func (m *Mover) unpend(job *Job) {
	m.mu.Lock()
	if m.pending[job.chunk.ID()] == job {
		delete(m.pending, job.chunk.ID())
	}
	m.mu.Unlock()
}

func (j *Job) reasonString() string {
	switch j.reason {
	case ReasonPrefetch:
		return "prefetch"
	case ReasonEvict:
		return "evict"
	case ReasonDemand:
		return "demand"
	}
	return "?"
}
