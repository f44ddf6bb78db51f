// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chunkstar

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/mover"
	"github.com/gomlx/chunkstar/sched"
	"github.com/gomlx/chunkstar/stats"
	"github.com/gomlx/chunkstar/tracker"
)

// Manager owns the chunk registry and mediates every mutation of it: it
// allocates tensors into chunks, hands out scoped acquisitions, and drives
// the scheduler and mover. The registry is never exposed to callers.
//
// All methods are safe for concurrent use; conflicting state transitions on
// a chunk serialize on a per-chunk lock, and the manager-wide lock is held
// only to snapshot occupancy, never during migration I/O.
type Manager struct {
	cfg Config

	fastPool, slowPool *memtier.Pool
	index              *chunks.Index
	trk                *tracker.Tracker
	mv                 *mover.Mover
	sch                *sched.Scheduler
	st                 stats.Stats

	// allocMu serializes allocation decisions (placement scan + chunk
	// creation); individual chunk mutations have their own locks.
	allocMu sync.Mutex

	mu        sync.Mutex // guards registry and nextID.
	registry  map[chunks.ID]*chunks.Chunk
	nextID    chunks.ID
	finalized bool
}

// New creates a Manager with the given configuration.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		fastPool: memtier.NewPool(memtier.TierFast, cfg.FastTierBudget),
		slowPool: memtier.NewPool(memtier.TierSlow, cfg.SlowTierBudget),
		index:    chunks.NewIndex(),
		trk:      tracker.New(),
		registry: make(map[chunks.ID]*chunks.Chunk),
	}
	m.mv = mover.New(cfg.Copier, m.fastPool, m.slowPool, cfg.TransferParallelism, &m.st)
	// Each completed migration changes occupancy, so replan off it: the
	// prefetch an eviction made room for starts without waiting for the
	// next access notification.
	m.mv.OnDone(func(*mover.Job) { m.Replan() })
	m.sch = sched.New(cfg.Policy, m.mv, cfg.FastTierBudget, cfg.LookaheadWindow)
	klog.V(1).Infof("chunkstar manager: chunk size %s, fast budget %s, lookahead %d, %d transfer lanes",
		humanize.IBytes(uint64(cfg.ChunkSize)), budgetString(cfg.FastTierBudget),
		cfg.LookaheadWindow, cfg.TransferParallelism)
	return m, nil
}

func budgetString(budget int64) string {
	if budget <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(budget))
}

// Stats returns the manager's counters.
func (m *Manager) Stats() *stats.Stats { return &m.st }

// Allocate places a tensor of size bytes into a chunk holding tensors of
// the same role, creating a chunk if none has room. The new range starts
// zeroed.
//
// It fails with chunks.ErrCapacityExceeded (test with errors.Is) when the
// tensor is larger than the chunk size, or when no tier can host a new
// chunk even after MigrationRetries rounds of forced eviction.
func (m *Manager) Allocate(id chunks.TensorID, size int64, role memtier.Role, dtype dtypes.DType) (chunks.Entry, error) {
	if size <= 0 {
		return chunks.Entry{}, errors.Errorf("Allocate(tensor %d): size must be > 0, got %d", id, size)
	}
	if size > m.cfg.ChunkSize {
		return chunks.Entry{}, errors.Wrapf(chunks.ErrCapacityExceeded,
			"tensor %d is %s, larger than the chunk capacity %s -- configure a larger ChunkSize",
			id, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(m.cfg.ChunkSize)))
	}
	if _, found := m.index.Get(id); found {
		return chunks.Entry{}, errors.Errorf("tensor %d is already allocated", id)
	}

	m.allocMu.Lock()
	c, offset, err := m.place(size, role)
	if err != nil {
		m.allocMu.Unlock()
		return chunks.Entry{}, err
	}
	entry := chunks.Entry{
		Tensor: id,
		Chunk:  c.ID(),
		Offset: offset,
		Length: size,
		Role:   role,
		DType:  dtype,
	}
	if err = m.index.Add(entry); err != nil {
		c.Remove(offset)
		m.allocMu.Unlock()
		return chunks.Entry{}, err
	}
	m.allocMu.Unlock()

	klog.V(2).Infof("allocated tensor %d (%s, %s %s) at chunk #%d offset %d",
		id, humanize.IBytes(uint64(size)), role, dtype, c.ID(), offset)
	m.Replan()
	return entry, nil
}

// place finds or creates a chunk with room for size bytes of the given
// role. Caller holds allocMu.
func (m *Manager) place(size int64, role memtier.Role) (*chunks.Chunk, int64, error) {
	for _, c := range m.chunksInOrder() {
		if c.Role() != role || !c.HasPayload() {
			continue
		}
		if offset, ok := c.Place(size); ok {
			return c, offset, nil
		}
	}
	// Revive an emptied chunk of the role before creating a new one: its
	// registry slot and id are reusable, only the payload was returned to
	// the pool.
	for _, c := range m.chunksInOrder() {
		if c.Role() != role || c.HasPayload() || c.Status() != chunks.StatusFree {
			continue
		}
		payload, tier, err := m.allocPayload()
		if err != nil {
			break // Same pressure will hit chunk creation below; retry there.
		}
		c.AttachPayload(tier, payload)
		if offset, ok := c.Place(size); ok {
			return c, offset, nil
		}
		m.pool(tier).FreePayload(c.FreePayload())
	}
	return m.newChunk(role, size)
}

// newChunk creates a chunk and places the first tensor into it, forcing
// eviction (bounded by MigrationRetries) when neither tier has room.
func (m *Manager) newChunk(role memtier.Role, size int64) (*chunks.Chunk, int64, error) {
	for attempt := 0; ; attempt++ {
		payload, tier, err := m.allocPayload()
		if err == nil {
			m.mu.Lock()
			id := m.nextID
			m.nextID++
			c := chunks.New(id, role, tier, payload)
			m.registry[id] = c
			m.mu.Unlock()
			offset, ok := c.Place(size)
			if !ok {
				m.fatalf("fresh chunk #%d rejected a %d-byte placement", id, size)
			}
			klog.V(1).Infof("created chunk #%d (%s) on %s tier", id, role, tier)
			return c, offset, nil
		}
		if attempt >= m.cfg.MigrationRetries {
			return nil, 0, errors.Wrapf(chunks.ErrCapacityExceeded,
				"no tier can host a new %s chunk after %d eviction attempts: %v",
				humanize.IBytes(uint64(m.cfg.ChunkSize)), attempt, err)
		}
		m.st.AllocRetries.Add(1)
		m.evictForRoom()
	}
}

// allocPayload reserves chunk-size bytes on the fast tier, falling back to
// the slow tier.
func (m *Manager) allocPayload() ([]byte, memtier.Tier, error) {
	if payload, err := m.fastPool.Alloc(m.cfg.ChunkSize); err == nil {
		return payload, memtier.TierFast, nil
	}
	payload, err := m.slowPool.Alloc(m.cfg.ChunkSize)
	if err != nil {
		return nil, 0, err
	}
	return payload, memtier.TierSlow, nil
}

// evictForRoom asks the policy for an eviction plan with the budget
// reduced by one chunk, then synchronously waits the evictions out. Part
// of the bounded-retry backoff: evict more aggressively, then retry.
func (m *Manager) evictForRoom() {
	if m.cfg.FastTierBudget <= 0 {
		return // Unlimited fast tier: eviction frees nothing that matters.
	}
	plan := m.cfg.Policy.Plan(m.chunkInfos(), m.cfg.FastTierBudget-m.cfg.ChunkSize, m.cfg.LookaheadWindow)
	for _, c := range plan.Evict {
		if job := m.submit(c, memtier.TierSlow, mover.ReasonEvict); job != nil {
			if err := job.Wait(); err != nil {
				klog.V(1).Infof("forced eviction of chunk #%d failed: %v", c.ID(), err)
			}
		}
	}
}

// submit issues a migration, replacing a stale queued job headed the other
// way if necessary. Returns nil if no job could be issued.
func (m *Manager) submit(c *chunks.Chunk, dest memtier.Tier, reason mover.Reason) *mover.Job {
	job, found, err := m.mv.Submit(c, dest, reason)
	if err != nil {
		return nil
	}
	if found && job.Dest() != dest {
		if !m.mv.Cancel(job) {
			return nil
		}
		job, _, err = m.mv.Submit(c, dest, reason)
		if err != nil {
			return nil
		}
	}
	return job
}

// Release marks the tensor's storage reclaimable. Once every tensor in a
// chunk is released, the chunk payload returns to its tier pool and the
// chunk becomes eligible for reuse. Releasing an unknown or
// already-released tensor is a no-op.
func (m *Manager) Release(id chunks.TensorID) {
	entry, found := m.index.Remove(id)
	if !found {
		return
	}
	c := m.chunk(entry.Chunk)
	empty := c.Remove(entry.Offset)
	if empty {
		// Let any outstanding migration settle before reclaiming the
		// payload; queued jobs are just dropped.
		if job := m.mv.Pending(c.ID()); job != nil {
			m.mv.Cancel(job)
			_ = job.Wait()
		}
		tier := c.Tier()
		m.pool(tier).FreePayload(c.FreePayload())
		klog.V(1).Infof("chunk #%d emptied, payload returned to %s tier", c.ID(), tier)
	}
	m.Replan()
}

// Pin keeps the tensor's chunk on its current tier until Unpin: the bytes
// stay put for an externally driven critical region (say, a collective
// reading them in place). Pins nest per chunk, so pinning two tensors of
// one chunk requires two Unpins.
func (m *Manager) Pin(id chunks.TensorID) error {
	entry, found := m.index.Get(id)
	if !found {
		return errors.Errorf("Pin(tensor %d): not allocated", id)
	}
	m.chunk(entry.Chunk).Pin()
	return nil
}

// Unpin undoes one Pin on the tensor's chunk, making it migratable again.
func (m *Manager) Unpin(id chunks.TensorID) error {
	entry, found := m.index.Get(id)
	if !found {
		return errors.Errorf("Unpin(tensor %d): not allocated", id)
	}
	m.chunk(entry.Chunk).Unpin()
	m.Replan()
	return nil
}

// ResidentTier reports where the tensor's chunk currently resides, for
// diagnostics: TierFast, TierSlow or TierInTransit.
func (m *Manager) ResidentTier(id chunks.TensorID) (memtier.Tier, error) {
	entry, found := m.index.Get(id)
	if !found {
		return 0, errors.Errorf("tensor %d is not allocated", id)
	}
	return m.chunk(entry.Chunk).Tier(), nil
}

// NotifyAccess records that the tensor is about to be used, feeding the
// lookahead predictor, and replans placement. It never blocks on
// migrations; the blocking point is Access.
func (m *Manager) NotifyAccess(id chunks.TensorID, intent Intent) {
	// Replan before recording the touch: recording first would move the
	// tensor's next predicted access a full pass away and rank the chunk
	// the caller is just about to use as the best eviction victim.
	m.Replan()
	step := m.trk.Touch(id)
	klog.V(2).Infof("notify %s of tensor %d at step %d", intent, id, step)
}

// EndPass finalizes the pass's access records: the observed order becomes
// the prediction source for the next pass, and the scheduler starts from a
// fresh plan.
func (m *Manager) EndPass() {
	m.trk.EndPass()
	m.sch.EndPass()
	klog.V(1).Infof("pass ended; %s", m.st.String())
	m.Replan()
}

// Replan snapshots occupancy and lets the scheduler revise prefetch and
// eviction. Called internally on every allocation, release and access
// notification; exposed for callers that want to force a pass at a step
// boundary.
func (m *Manager) Replan() {
	m.sch.Replan(m.chunkInfos())
}

// chunkInfos snapshots every chunk plus its predicted access distance (the
// minimum over the tensors it holds; chunks holding no tracked tensor rank
// farthest).
func (m *Manager) chunkInfos() []sched.ChunkInfo {
	list := m.chunksInOrder()
	infos := make([]sched.ChunkInfo, 0, len(list))
	for _, c := range list {
		snap := c.Snapshot()
		distance := int64(math.MaxInt64)
		for _, entry := range m.index.TensorsIn(snap.ID) {
			if d := m.trk.PredictedDistance(entry.Tensor); d < distance {
				distance = d
			}
		}
		infos = append(infos, sched.ChunkInfo{Chunk: c, Snapshot: snap, Distance: distance})
	}
	return infos
}

// chunksInOrder returns the registered chunks in id order.
func (m *Manager) chunksInOrder() []*chunks.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := maps.Keys(m.registry)
	slices.Sort(ids)
	list := make([]*chunks.Chunk, 0, len(ids))
	for _, id := range ids {
		list = append(list, m.registry[id])
	}
	return list
}

// chunk returns the registered chunk or aborts: a tensor entry pointing at
// an unregistered chunk means the index and registry went out of sync.
func (m *Manager) chunk(id chunks.ID) *chunks.Chunk {
	m.mu.Lock()
	c := m.registry[id]
	m.mu.Unlock()
	if c == nil {
		m.fatalf("chunk #%d is referenced by the tensor index but not registered", id)
	}
	return c
}

func (m *Manager) pool(tier memtier.Tier) *memtier.Pool {
	if tier == memtier.TierFast {
		return m.fastPool
	}
	return m.slowPool
}

// fatalf dumps the full chunk/tensor state and panics: internal invariant
// violations indicate a logic defect, never a resource condition, and are
// not recovered.
func (m *Manager) fatalf(format string, args ...any) {
	klog.Errorf("invariant violation, state dump:\n%s", m.Dump())
	exceptions.Panicf(format, args...)
}

// Dump renders the full manager state: pools, chunks and tensor layout.
func (m *Manager) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", m.fastPool, m.slowPool)
	for _, c := range m.chunksInOrder() {
		fmt.Fprintf(&b, "%s\n", c)
		for _, entry := range m.index.TensorsIn(c.ID()) {
			fmt.Fprintf(&b, "\ttensor %d: [%d, %d) %s %s\n",
				entry.Tensor, entry.Offset, entry.Offset+entry.Length, entry.Role, entry.DType)
		}
	}
	fmt.Fprintf(&b, "%s\n", m.st.String())
	return b.String()
}

// Finalize waits out pending migrations, frees every payload and makes the
// manager invalid. It is the caller's responsibility that no acquisitions
// are outstanding.
func (m *Manager) Finalize() {
	m.mv.Finalize()
	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return
	}
	m.finalized = true
	registry := m.registry
	m.registry = make(map[chunks.ID]*chunks.Chunk)
	m.mu.Unlock()
	for _, c := range registry {
		for _, entry := range m.index.TensorsIn(c.ID()) {
			m.index.Remove(entry.Tensor)
			c.Remove(entry.Offset)
		}
		if c.HasPayload() {
			tier := c.Tier()
			m.pool(tier).FreePayload(c.FreePayload())
		}
	}
	klog.V(1).Infof("chunkstar manager finalized; %s", m.st.String())
}
