// Package memtier defines the memory tiers chunks can live on and the
// budgeted byte pools backing them.
//
// A tier is a memory pool with distinct capacity/latency characteristics:
// TierFast models accelerator memory (small, fast), TierSlow models host
// memory (large, slow). TierInTransit is the transient placement of a chunk
// while a migration between the two is outstanding.
//
// Pools only do accounting and allocation; the byte-level copy between
// tiers is the mover's job.
package memtier

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Tier identifies the memory pool a chunk currently resides on.
type Tier int

const (
	// TierFast is the capacity-limited accelerator tier.
	TierFast Tier = iota

	// TierSlow is the capacity-abundant host tier.
	TierSlow

	// TierInTransit marks a chunk whose payload is being migrated between
	// the fast and slow tiers. Compute must not touch it until the
	// migration completes.
	TierInTransit
)

//go:generate go tool enumer -type=Tier -trimprefix=Tier -output=gen_tier_enumer.go memtier.go

// Role classifies the payload of a tensor. Only tensors of the same role
// are packed into the same chunk, so that whole chunks of gradients or
// optimizer state can be migrated (or kept out of the fast tier) together.
type Role int

const (
	RoleParam Role = iota
	RoleGrad
	RoleOptimizerState
	RoleActivation
)

//go:generate go tool enumer -type=Role -trimprefix=Role -output=gen_role_enumer.go memtier.go

// ErrNoRoom is returned by Pool.Reserve when the requested bytes don't fit
// in the pool's budget. Callers translate it: the manager retries after
// eviction, the mover fails the migration job.
var ErrNoRoom = errors.New("tier budget exhausted")

// Pool is a budgeted byte pool for one tier.
//
// Budget <= 0 means unlimited (same convention the transfer-lane semaphore
// uses for parallelism).
type Pool struct {
	tier   Tier
	budget int64

	mu   sync.Mutex
	used int64
}

// NewPool returns a pool for the given tier with the given byte budget.
func NewPool(tier Tier, budget int64) *Pool {
	return &Pool{tier: tier, budget: budget}
}

// Tier this pool backs.
func (p *Pool) Tier() Tier { return p.tier }

// Budget in bytes. Non-positive means unlimited.
func (p *Pool) Budget() int64 { return p.budget }

// Used returns the bytes currently reserved.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Free returns the bytes still available, or -1 if the pool is unlimited.
func (p *Pool) Free() int64 {
	if p.budget <= 0 {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget - p.used
}

// HasRoom reports whether n more bytes would fit.
func (p *Pool) HasRoom(n int64) bool {
	if p.budget <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used+n <= p.budget
}

// Reserve accounts n bytes against the budget.
// It returns ErrNoRoom (wrapped) if they don't fit; nothing is reserved in
// that case.
func (p *Pool) Reserve(n int64) error {
	if n < 0 {
		return errors.Errorf("Pool(%s).Reserve: negative size %d", p.tier, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budget > 0 && p.used+n > p.budget {
		return errors.Wrapf(ErrNoRoom, "tier %s: %s requested, %s of %s in use",
			p.tier, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(p.used)),
			humanize.IBytes(uint64(p.budget)))
	}
	p.used += n
	return nil
}

// Release returns n previously reserved bytes to the budget.
func (p *Pool) Release(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used -= n
	if p.used < 0 {
		p.used = 0
	}
}

// Alloc reserves n bytes and returns a zeroed payload slice for them.
func (p *Pool) Alloc(n int64) ([]byte, error) {
	if err := p.Reserve(n); err != nil {
		return nil, err
	}
	return make([]byte, n), nil
}

// FreePayload gives a payload previously returned by Alloc back to the
// pool. The caller must drop all references to it.
func (p *Pool) FreePayload(payload []byte) {
	if payload == nil {
		return
	}
	p.Release(int64(len(payload)))
}

// String implements fmt.Stringer with humanized occupancy.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budget <= 0 {
		return p.tier.String() + " pool: " + humanize.IBytes(uint64(p.used)) + " used (unlimited)"
	}
	return p.tier.String() + " pool: " + humanize.IBytes(uint64(p.used)) +
		" of " + humanize.IBytes(uint64(p.budget)) + " used"
}
