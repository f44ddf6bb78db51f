package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/chunkstar/chunks"
	"github.com/gomlx/chunkstar/memtier"
	"github.com/gomlx/chunkstar/mover"
	"github.com/gomlx/chunkstar/stats"
)

// info fabricates a scheduler view of a chunk; the policy only reads the
// snapshot and distance, never the chunk itself.
func info(id chunks.ID, tier memtier.Tier, status chunks.Status, distance int64, opts ...func(*chunks.Snapshot)) ChunkInfo {
	snap := chunks.Snapshot{
		ID:            id,
		Status:        status,
		Tier:          tier,
		Capacity:      100,
		ResidentSince: time.Unix(int64(id), 0),
	}
	for _, opt := range opts {
		opt(&snap)
	}
	c := chunks.New(id, memtier.RoleParam, tier, make([]byte, snap.Capacity))
	return ChunkInfo{Chunk: c, Snapshot: snap, Distance: distance}
}

func pinned(snap *chunks.Snapshot)    { snap.Pinned = true }
func migrating(snap *chunks.Snapshot) { snap.Migrating = true }

func ids(list []*chunks.Chunk) []chunks.ID {
	out := make([]chunks.ID, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID())
	}
	return out
}

func TestLookaheadPolicy_AdmissionByDistance(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusHold, 9), // Far: loses its slot.
		info(1, memtier.TierSlow, chunks.StatusHold, 1), // Near: prefetched.
		info(2, memtier.TierFast, chunks.StatusHold, 2), // Near enough: stays.
		info(3, memtier.TierSlow, chunks.StatusHold, 50),
	}
	// Budget for two chunks, lookahead 8.
	plan := p.Plan(infos, 200, 8)
	require.Equal(t, []chunks.ID{1}, ids(plan.Prefetch), "chunk 3 is beyond the budget")
	require.Equal(t, []chunks.ID{0}, ids(plan.Evict))
}

func TestLookaheadPolicy_LookaheadBoundsPrefetch(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierSlow, chunks.StatusHold, 20),
	}
	// Admitted (budget is plentiful) but outside the lookahead window: no
	// prefetch yet.
	plan := p.Plan(infos, 1000, 8)
	require.Empty(t, plan.Prefetch)
	require.Empty(t, plan.Evict)

	plan = p.Plan(infos, 1000, 20)
	require.Equal(t, []chunks.ID{0}, ids(plan.Prefetch))
}

func TestLookaheadPolicy_NeverEvictsProtected(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusCompute, 99),
		info(1, memtier.TierFast, chunks.StatusHold, 99, pinned),
		info(2, memtier.TierFast, chunks.StatusHold, 99, migrating),
		info(3, memtier.TierFast, chunks.StatusHold, 99),
	}
	// Budget covers nothing; only the unprotected chunk may be evicted.
	plan := p.Plan(infos, 100, 8)
	require.Equal(t, []chunks.ID{3}, ids(plan.Evict))
}

func TestLookaheadPolicy_ProtectedReserveBudget(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusCompute, 99), // Reserves 100 of the budget.
		info(1, memtier.TierSlow, chunks.StatusHold, 0),
		info(2, memtier.TierSlow, chunks.StatusHold, 1),
	}
	plan := p.Plan(infos, 200, 8)
	require.Equal(t, []chunks.ID{1}, ids(plan.Prefetch),
		"the Compute chunk's reservation leaves room for only one prefetch")
}

func TestLookaheadPolicy_EvictionOrderFarthestFirst(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusHold, 3),
		info(1, memtier.TierFast, chunks.StatusHold, 7),
		info(2, memtier.TierFast, chunks.StatusHold, 5),
	}
	plan := p.Plan(infos, 100, 8)
	require.Equal(t, []chunks.ID{1, 2}, ids(plan.Evict))
}

func TestLookaheadPolicy_LRUTieBreak(t *testing.T) {
	var p LookaheadPolicy
	older := func(snap *chunks.Snapshot) { snap.ResidentSince = time.Unix(100, 0) }
	newer := func(snap *chunks.Snapshot) { snap.ResidentSince = time.Unix(200, 0) }
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusHold, 5, older),
		info(1, memtier.TierFast, chunks.StatusHold, 5, newer),
	}
	plan := p.Plan(infos, 100, 8)
	require.Equal(t, []chunks.ID{0}, ids(plan.Evict), "on equal distance, evict the longest resident")
}

func TestLookaheadPolicy_UnlimitedBudget(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierFast, chunks.StatusHold, 99),
		info(1, memtier.TierSlow, chunks.StatusHold, 2),
	}
	plan := p.Plan(infos, 0, 8)
	require.Empty(t, plan.Evict)
	require.Equal(t, []chunks.ID{1}, ids(plan.Prefetch))
}

func TestLookaheadPolicy_SkipsFreeChunks(t *testing.T) {
	var p LookaheadPolicy
	infos := []ChunkInfo{
		info(0, memtier.TierSlow, chunks.StatusFree, 0),
	}
	plan := p.Plan(infos, 1000, 8)
	require.Empty(t, plan.Prefetch)
}

// gatedCopier blocks every copy until the gate is closed, so queued jobs
// stay queued.
type gatedCopier struct {
	gate chan struct{}
}

func (c *gatedCopier) Copy(dst, src []byte, _ memtier.Tier) error {
	<-c.gate
	copy(dst, src)
	return nil
}

func TestScheduler_ReplanCancelsStaleJobs(t *testing.T) {
	fast := memtier.NewPool(memtier.TierFast, 0)
	slow := memtier.NewPool(memtier.TierSlow, 0)
	var st stats.Stats
	copier := &gatedCopier{gate: make(chan struct{})}
	mv := mover.New(copier, fast, slow, 1, &st) // One lane.

	// Occupy the lane so the scheduler's jobs stay queued.
	blockerPayload, err := fast.Alloc(16)
	require.NoError(t, err)
	blocker := chunks.New(100, memtier.RoleParam, memtier.TierFast, blockerPayload)
	_, ok := blocker.Place(16)
	require.True(t, ok)
	blockJob, _, err := mv.Submit(blocker, memtier.TierSlow, mover.ReasonEvict)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blockJob.Status() == mover.JobInFlight },
		time.Second, time.Millisecond)

	payload, err := slow.Alloc(100)
	require.NoError(t, err)
	c := chunks.New(0, memtier.RoleParam, memtier.TierSlow, payload)
	_, ok = c.Place(100)
	require.True(t, ok)

	sch := New(LookaheadPolicy{}, mv, 0, 8)
	makeInfos := func(distance int64) []ChunkInfo {
		return []ChunkInfo{{Chunk: c, Snapshot: c.Snapshot(), Distance: distance}}
	}

	// Near: a prefetch is issued and queues behind the blocker.
	sch.Replan(makeInfos(1))
	job := mv.Pending(c.ID())
	require.NotNil(t, job)
	require.Equal(t, mover.JobQueued, job.Status())

	// The next plan no longer wants it: the queued job is cancelled.
	sch.Replan(makeInfos(50))
	require.Equal(t, mover.JobCancelled, job.Status())

	close(copier.gate)
	require.NoError(t, blockJob.Wait())
	require.NoError(t, job.Wait())
	mv.Finalize()
	require.Equal(t, memtier.TierSlow, c.Tier())
}
