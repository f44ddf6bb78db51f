package chunks

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/chunkstar/memtier"
)

func newTestChunk(t *testing.T, capacity int64) *Chunk {
	t.Helper()
	return New(1, memtier.RoleParam, memtier.TierFast, make([]byte, capacity))
}

func TestChunk_PlaceFirstFit(t *testing.T) {
	c := newTestChunk(t, 4096)
	require.Equal(t, StatusFree, c.Status())

	offA, ok := c.Place(3000)
	require.True(t, ok)
	require.Equal(t, int64(0), offA)
	require.Equal(t, StatusHold, c.Status())

	offB, ok := c.Place(1000)
	require.True(t, ok)
	require.Equal(t, int64(3000), offB)

	// 96 bytes left, a 100-byte tensor must not fit.
	_, ok = c.Place(100)
	require.False(t, ok)

	// Removing the first tensor opens a 3000-byte hole at offset 0;
	// first-fit reuses it.
	empty := c.Remove(offA)
	require.False(t, empty)
	offC, ok := c.Place(2000)
	require.True(t, ok)
	require.Equal(t, int64(0), offC)
	require.Equal(t, int64(3000), c.LiveBytes())
	require.Equal(t, 2, c.NumTensors())
}

func TestChunk_PlaceZeroesReusedBytes(t *testing.T) {
	c := newTestChunk(t, 128)
	off, ok := c.Place(64)
	require.True(t, ok)
	c.Acquire(0)
	data := c.Bytes(off, 64)
	for i := range data {
		data[i] = 0xAB
	}
	c.ReleaseAcquisition()
	c.Remove(off)

	off2, ok := c.Place(64)
	require.True(t, ok)
	require.Equal(t, off, off2)
	c.Acquire(0)
	defer c.ReleaseAcquisition()
	for i, b := range c.Bytes(off2, 64) {
		require.Zerof(t, b, "reused byte %d not cleared", i)
	}
}

func TestChunk_PlaceRejects(t *testing.T) {
	c := newTestChunk(t, 100)
	_, ok := c.Place(0)
	require.False(t, ok)
	_, ok = c.Place(101)
	require.False(t, ok)
}

func TestChunk_StatusLifecycle(t *testing.T) {
	c := newTestChunk(t, 1024)
	off, ok := c.Place(512)
	require.True(t, ok)
	require.Equal(t, StatusHold, c.Status())

	c.Acquire(7)
	require.Equal(t, StatusCompute, c.Status())
	// Same-epoch re-entry does not deadlock.
	c.Acquire(7)
	c.ReleaseAcquisition()
	require.Equal(t, StatusCompute, c.Status(), "still one acquisition outstanding")
	c.ReleaseAcquisition()
	require.Equal(t, StatusHold, c.Status())

	empty := c.Remove(off)
	require.True(t, empty)
	require.Equal(t, StatusReleased, c.Status())

	payload := c.FreePayload()
	require.Len(t, payload, 1024)
	require.Equal(t, StatusFree, c.Status())
	require.False(t, c.HasPayload())

	c.AttachPayload(memtier.TierSlow, payload)
	require.Equal(t, memtier.TierSlow, c.Tier())
}

func TestChunk_AcquireBlocksAcrossEpochs(t *testing.T) {
	c := newTestChunk(t, 1024)
	_, ok := c.Place(100)
	require.True(t, ok)

	c.Acquire(1)
	acquired := make(chan struct{})
	go func() {
		c.Acquire(2)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("epoch 2 acquired while epoch 1 holds the chunk")
	case <-time.After(50 * time.Millisecond):
	}

	c.ReleaseAcquisition()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("epoch 2 never acquired after release")
	}
	c.ReleaseAcquisition()
}

func TestChunk_MigrationRoundTrip(t *testing.T) {
	c := newTestChunk(t, 256)
	off, ok := c.Place(256)
	require.True(t, ok)
	c.Acquire(0)
	data := c.Bytes(off, 256)
	for i := range data {
		data[i] = byte(i)
	}
	c.ReleaseAcquisition()

	// Fast -> slow.
	latch, src, err := c.BeginMigration(memtier.TierSlow)
	require.NoError(t, err)
	require.Equal(t, memtier.TierInTransit, c.Tier())
	require.True(t, c.MigrationOutstanding())
	dst := make([]byte, 256)
	copy(dst, src)
	old := c.CompleteMigration(memtier.TierSlow, dst)
	require.Len(t, old, 256)
	require.True(t, latch.Test())
	require.Equal(t, memtier.TierSlow, c.Tier())

	// Slow -> fast.
	_, src, err = c.BeginMigration(memtier.TierFast)
	require.NoError(t, err)
	dst2 := make([]byte, 256)
	copy(dst2, src)
	c.CompleteMigration(memtier.TierFast, dst2)

	c.Acquire(0)
	defer c.ReleaseAcquisition()
	got := c.Bytes(off, 256)
	for i := range got {
		require.Equalf(t, byte(i), got[i], "byte %d corrupted across the round trip", i)
	}
}

func TestChunk_MigrationRefusals(t *testing.T) {
	c := newTestChunk(t, 128)
	_, ok := c.Place(64)
	require.True(t, ok)

	// Already on the destination.
	_, _, err := c.BeginMigration(memtier.TierFast)
	require.True(t, errors.Is(err, ErrMigrationFailed))

	// Pinned.
	c.Pin()
	_, _, err = c.BeginMigration(memtier.TierSlow)
	require.True(t, errors.Is(err, ErrMigrationFailed))
	c.Unpin()

	// Under Compute.
	c.Acquire(0)
	_, _, err = c.BeginMigration(memtier.TierSlow)
	require.True(t, errors.Is(err, ErrMigrationFailed))
	c.ReleaseAcquisition()

	// Already migrating.
	_, _, err = c.BeginMigration(memtier.TierSlow)
	require.NoError(t, err)
	_, _, err = c.BeginMigration(memtier.TierSlow)
	require.True(t, errors.Is(err, ErrMigrationFailed))
	c.AbortMigration()
	require.Equal(t, memtier.TierFast, c.Tier(), "abort restores the source tier")
}

func TestChunk_AcquireWaitsForMigration(t *testing.T) {
	c := newTestChunk(t, 128)
	_, ok := c.Place(64)
	require.True(t, ok)

	_, src, err := c.BeginMigration(memtier.TierSlow)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		c.Acquire(0)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("Acquire proceeded while a migration is outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	dst := make([]byte, len(src))
	copy(dst, src)
	c.CompleteMigration(memtier.TierSlow, dst)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire never woke after migration completed")
	}
	c.ReleaseAcquisition()
}

func TestChunk_PlaceRefusedWhileMigrating(t *testing.T) {
	c := newTestChunk(t, 256)
	_, ok := c.Place(64)
	require.True(t, ok)
	_, _, err := c.BeginMigration(memtier.TierSlow)
	require.NoError(t, err)
	_, ok = c.Place(64)
	require.False(t, ok, "placement would clear bytes under the in-flight copy")
	c.AbortMigration()
	_, ok = c.Place(64)
	require.True(t, ok)
}

func TestChunk_ConcurrentAcquireSameEpoch(t *testing.T) {
	c := newTestChunk(t, 1024)
	_, ok := c.Place(512)
	require.True(t, ok)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Acquire(42)
			time.Sleep(time.Millisecond)
			c.ReleaseAcquisition()
		}()
	}
	wg.Wait()
	require.Equal(t, StatusHold, c.Status())
}

func TestChunk_InvalidTransitionPanics(t *testing.T) {
	c := newTestChunk(t, 128)
	// Acquire on a Free chunk is allowed (Free -> Compute); releasing it
	// lands on Hold with no ranges, from which Remove of a bogus offset
	// must panic.
	require.Panics(t, func() { c.Remove(999) })
	require.Panics(t, func() { c.Bytes(0, 10) }, "Bytes outside an acquisition")
	require.Panics(t, func() { c.ReleaseAcquisition() })
	require.Panics(t, func() { c.Unpin() })
}
