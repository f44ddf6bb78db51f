// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chunks

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/chunkstar/internal/xsync"
	"github.com/gomlx/chunkstar/memtier"
)

// Status of a chunk, derived from the tensors it holds.
type Status int

const (
	// StatusFree means the chunk holds no live tensor data and is eligible
	// for reuse.
	StatusFree Status = iota

	// StatusHold means the chunk is resident with live data, but no
	// operation is currently touching it.
	StatusHold

	// StatusCompute means at least one outstanding scoped acquisition
	// exists on the chunk. It is never evicted in this state.
	StatusCompute

	// StatusReleased means every tensor in the chunk has been released:
	// the payload is reclaimable.
	StatusReleased
)

//go:generate go tool enumer -type=Status -trimprefix=Status -output=gen_status_enumer.go chunk.go

// validTransitions enumerates the allowed status transitions. Anything
// outside this table is an internal invariant violation and panics.
var validTransitions = map[Status][]Status{
	StatusFree:     {StatusHold, StatusCompute},
	StatusHold:     {StatusCompute, StatusHold, StatusReleased},
	StatusCompute:  {StatusHold},
	StatusReleased: {StatusFree, StatusHold},
}

// Chunk is a fixed-capacity contiguous memory region sub-allocated to
// variably sized tensors. See the package documentation for the
// acquisition/migration protocol.
type Chunk struct {
	id       ID
	capacity int64
	role     memtier.Role

	mu   sync.Mutex
	cond sync.Cond // Signaled when the last acquisition is released.

	status  Status
	tier    memtier.Tier
	payload []byte

	// ranges are the occupied byte ranges, sorted by offset, never
	// overlapping.
	ranges []Range

	// acquisitions counts outstanding scoped acquisitions; epoch is the
	// tag of the first one, allowing re-entry within the same epoch.
	acquisitions int
	epoch        int64

	pins int

	// migration is non-nil while a migration is outstanding on this chunk.
	// Acquisitions wait on it. At most one migration per chunk at a time.
	migration     *xsync.Latch
	migrationFrom memtier.Tier

	// residentSince is when the chunk last landed on the fast tier; the
	// scheduler's LRU tie-break reads it.
	residentSince time.Time
}

// New creates a chunk on the given tier with the given payload, which must
// have been allocated from that tier's pool with exactly capacity bytes.
func New(id ID, role memtier.Role, tier memtier.Tier, payload []byte) *Chunk {
	c := &Chunk{
		id:       id,
		capacity: int64(len(payload)),
		role:     role,
		status:   StatusFree,
		tier:     tier,
		payload:  payload,
	}
	c.cond.L = &c.mu
	if tier == memtier.TierFast {
		c.residentSince = time.Now()
	}
	return c
}

// ID of the chunk.
func (c *Chunk) ID() ID { return c.id }

// Capacity in bytes, fixed at creation.
func (c *Chunk) Capacity() int64 { return c.capacity }

// Role of the tensors this chunk packs.
func (c *Chunk) Role() memtier.Role { return c.role }

// Status returns the current status tag.
func (c *Chunk) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tier returns the tier the chunk currently resides on, or TierInTransit
// while a migration is outstanding.
func (c *Chunk) Tier() memtier.Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// Pin prevents the chunk from being selected for migration until Unpin.
// Pins nest.
func (c *Chunk) Pin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins++
}

// Unpin undoes one Pin.
func (c *Chunk) Unpin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins--
	if c.pins < 0 {
		exceptions.Panicf("chunk #%d: Unpin without matching Pin", c.id)
	}
}

// Pinned reports whether the chunk is pinned.
func (c *Chunk) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins > 0
}

// transitionLocked moves the chunk to status to, panicking on transitions
// outside the validTransitions table. Callers hold c.mu.
func (c *Chunk) transitionLocked(to Status) {
	if c.status == to {
		return
	}
	for _, allowed := range validTransitions[c.status] {
		if to == allowed {
			c.status = to
			return
		}
	}
	exceptions.Panicf("chunk #%d: invalid status transition %s -> %s\n%s",
		c.id, c.status, to, c.lockedString())
}

// Place reserves a byte range of the given size in the chunk, first-fit
// over the holes between occupied ranges. It returns the offset and whether
// it fit. A successful placement on a Free or Released chunk moves it to
// Hold.
func (c *Chunk) Place(size int64) (offset int64, ok bool) {
	if size <= 0 || size > c.capacity {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migration != nil {
		// Placing would clear bytes under the feet of the outstanding
		// copy.
		return 0, false
	}
	offset = 0
	insertAt := len(c.ranges)
	for i, r := range c.ranges {
		if r.Offset-offset >= size {
			insertAt = i
			break
		}
		offset = r.End()
	}
	if c.capacity-offset < size {
		return 0, false
	}
	newRange := Range{Offset: offset, Length: size}
	c.ranges = append(c.ranges, Range{})
	copy(c.ranges[insertAt+1:], c.ranges[insertAt:])
	c.ranges[insertAt] = newRange
	if c.status == StatusFree || c.status == StatusReleased {
		c.transitionLocked(StatusHold)
	}
	// Ranges can be recycled from released tensors: the new owner must not
	// observe stale bytes.
	if c.payload != nil {
		clear(c.payload[offset : offset+size])
	}
	return offset, true
}

// Remove drops the occupied range starting at offset. It returns whether
// the chunk is now empty of live data (status Released). Removing an
// unknown offset panics: the index and the chunk went out of sync.
func (c *Chunk) Remove(offset int64) (empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.ranges {
		if r.Offset == offset {
			c.ranges = append(c.ranges[:i], c.ranges[i+1:]...)
			if len(c.ranges) == 0 && c.status == StatusHold {
				c.transitionLocked(StatusReleased)
			}
			return len(c.ranges) == 0
		}
	}
	exceptions.Panicf("chunk #%d: Remove(offset=%d): no such range\n%s",
		c.id, offset, c.lockedString())
	return false
}

// LiveBytes returns the total bytes of occupied ranges.
func (c *Chunk) LiveBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, r := range c.ranges {
		total += r.Length
	}
	return total
}

// NumTensors returns the number of occupied ranges.
func (c *Chunk) NumTensors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ranges)
}

// Acquire blocks until the chunk is free of outstanding migrations and of
// acquisitions from other epochs, then marks it Compute. It must be paired
// with exactly one ReleaseAcquisition.
//
// Callers tag every acquisition with a logical epoch (the manager uses the
// pass index): acquisitions sharing the epoch re-enter freely, so one pass
// can hold several tensors of the same chunk at once, while an accessor
// from a different epoch waits for the chunk to be released.
//
// The wait is cooperative (latch / condition variable), never a busy spin.
func (c *Chunk) Acquire(epoch int64) {
	c.mu.Lock()
	for {
		if c.migration != nil {
			latch := c.migration
			c.mu.Unlock()
			latch.Wait()
			c.mu.Lock()
			continue
		}
		if c.acquisitions > 0 && c.epoch != epoch {
			c.cond.Wait()
			continue
		}
		break
	}
	if c.acquisitions == 0 {
		c.epoch = epoch
		c.transitionLocked(StatusCompute)
	}
	c.acquisitions++
	c.mu.Unlock()
}

// ReleaseAcquisition ends one scoped acquisition. When the last one ends
// the chunk transitions back to Hold and waiters are woken.
func (c *Chunk) ReleaseAcquisition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquisitions == 0 {
		exceptions.Panicf("chunk #%d: ReleaseAcquisition without matching Acquire\n%s",
			c.id, c.lockedString())
	}
	c.acquisitions--
	if c.acquisitions == 0 {
		c.transitionLocked(StatusHold)
		c.cond.Broadcast()
	}
}

// Bytes returns the payload window for a tensor range. Only valid between
// Acquire and ReleaseAcquisition; the returned slice aliases the chunk
// payload and must not be retained past the acquisition.
func (c *Chunk) Bytes(offset, length int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquisitions == 0 {
		exceptions.Panicf("chunk #%d: Bytes outside of a scoped acquisition", c.id)
	}
	if offset < 0 || offset+length > c.capacity {
		exceptions.Panicf("chunk #%d: Bytes(offset=%d, length=%d) outside capacity %d",
			c.id, offset, length, c.capacity)
	}
	return c.payload[offset : offset+length]
}

// MigrationOutstanding reports whether a migration is in flight on the
// chunk.
func (c *Chunk) MigrationOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migration != nil
}

// BeginMigration moves the chunk to TierInTransit and publishes the latch
// acquisitions will wait on. It fails if the chunk is pinned, under
// Compute, already migrating, or already on the destination tier -- the
// mover cancels the job in response, no state was changed.
//
// The returned payload is the source bytes to copy from; it stays valid
// until CompleteMigration or AbortMigration.
func (c *Chunk) BeginMigration(dest memtier.Tier) (latch *xsync.Latch, payload []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.migration != nil:
		return nil, nil, migrationError(c.id, "a migration is already outstanding")
	case c.pins > 0:
		return nil, nil, migrationError(c.id, "chunk is pinned")
	case c.status == StatusCompute:
		return nil, nil, migrationError(c.id, "chunk is under Compute")
	case c.tier == dest:
		return nil, nil, migrationError(c.id, "chunk already on %s", dest)
	}
	c.migration = xsync.NewLatch()
	c.migrationFrom = c.tier
	c.tier = memtier.TierInTransit
	return c.migration, c.payload, nil
}

// CompleteMigration installs the copied payload on the destination tier and
// wakes all waiters. The previous payload is returned so the mover can give
// it back to the source pool.
func (c *Chunk) CompleteMigration(dest memtier.Tier, payload []byte) (old []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migration == nil {
		exceptions.Panicf("chunk #%d: CompleteMigration without BeginMigration", c.id)
	}
	old = c.payload
	c.payload = payload
	c.tier = dest
	if dest == memtier.TierFast {
		c.residentSince = time.Now()
	}
	latch := c.migration
	c.migration = nil
	latch.Trigger()
	return old
}

// AbortMigration restores the chunk to its source tier (the copy never
// happened or failed) and wakes all waiters.
func (c *Chunk) AbortMigration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migration == nil {
		exceptions.Panicf("chunk #%d: AbortMigration without BeginMigration", c.id)
	}
	c.tier = c.migrationFrom
	latch := c.migration
	c.migration = nil
	latch.Trigger()
}

// FreePayload detaches and returns the payload, moving the chunk to Free.
// Used when a fully Released chunk gives its bytes back to the tier pool.
func (c *Chunk) FreePayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ranges) > 0 {
		exceptions.Panicf("chunk #%d: FreePayload with %d live ranges\n%s",
			c.id, len(c.ranges), c.lockedString())
	}
	if c.status != StatusFree {
		c.transitionLocked(StatusFree)
	}
	payload := c.payload
	c.payload = nil
	return payload
}

// HasPayload reports whether the chunk currently holds allocated bytes.
func (c *Chunk) HasPayload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload != nil
}

// AttachPayload re-attaches a payload to a chunk previously stripped by
// FreePayload, placing it on the payload's tier.
func (c *Chunk) AttachPayload(tier memtier.Tier, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload != nil {
		exceptions.Panicf("chunk #%d: AttachPayload over an existing payload", c.id)
	}
	if int64(len(payload)) != c.capacity {
		exceptions.Panicf("chunk #%d: AttachPayload with %d bytes, capacity is %d",
			c.id, len(payload), c.capacity)
	}
	c.payload = payload
	c.tier = tier
	if tier == memtier.TierFast {
		c.residentSince = time.Now()
	}
}

// Snapshot is a point-in-time copy of the mutable chunk state the
// scheduler's ranking pass reads. Taking snapshots is cheap; the manager
// holds its registry lock only long enough to collect them.
type Snapshot struct {
	ID            ID
	Role          memtier.Role
	Status        Status
	Tier          memtier.Tier
	Pinned        bool
	Migrating     bool
	LiveBytes     int64
	Capacity      int64
	ResidentSince time.Time
}

// Snapshot captures the current chunk state.
func (c *Chunk) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var live int64
	for _, r := range c.ranges {
		live += r.Length
	}
	return Snapshot{
		ID:            c.id,
		Role:          c.role,
		Status:        c.status,
		Tier:          c.tier,
		Pinned:        c.pins > 0,
		Migrating:     c.migration != nil,
		LiveBytes:     live,
		Capacity:      c.capacity,
		ResidentSince: c.residentSince,
	}
}

// String implements fmt.Stringer.
func (c *Chunk) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedString()
}

func (c *Chunk) lockedString() string {
	return fmt.Sprintf("Chunk #%d [%s, %s, %s]: %d tensors, %s live of %s, %d acquisitions, %d pins",
		c.id, c.role, c.status, c.tier, len(c.ranges),
		humanize.IBytes(uint64(c.lockedLiveBytes())), humanize.IBytes(uint64(c.capacity)),
		c.acquisitions, c.pins)
}

func (c *Chunk) lockedLiveBytes() int64 {
	var total int64
	for _, r := range c.ranges {
		total += r.Length
	}
	return total
}
