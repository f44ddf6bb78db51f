// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chunkstar

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/chunkstar/mover"
	"github.com/gomlx/chunkstar/sched"
)

// Config for a Manager. The zero value is not usable; start from
// DefaultConfig and override.
type Config struct {
	// ChunkSize is the fixed byte capacity of every chunk, configured once
	// per manager. Tensors larger than this are rejected at Allocate.
	ChunkSize int64

	// FastTierBudget is the byte budget of the fast (accelerator) tier.
	// <= 0 means unlimited, which disables eviction entirely.
	FastTierBudget int64

	// SlowTierBudget is the byte budget of the slow (host) tier.
	// <= 0 means unlimited, the common setting.
	SlowTierBudget int64

	// LookaheadWindow is how many future steps the scheduler considers
	// when ranking chunks for prefetch.
	LookaheadWindow int

	// TransferParallelism bounds concurrent migrations. <= 0 means
	// unlimited.
	TransferParallelism int

	// MigrationRetries bounds the local retries on resource-pressure
	// failures (destination tier full) before escalating.
	MigrationRetries int

	// Copier performs the byte copies between tiers. Defaults to
	// mover.MemCopier (both tiers in host memory).
	Copier mover.Copier

	// Policy ranks chunks for prefetch/eviction. Defaults to
	// sched.LookaheadPolicy.
	Policy sched.Policy
}

// DefaultConfig returns a Config with working defaults for everything but
// the budgets, which default to "large": 64 MiB chunks, unlimited tiers.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           64 * 1024 * 1024,
		FastTierBudget:      0,
		SlowTierBudget:      0,
		LookaheadWindow:     8,
		TransferParallelism: 4,
		MigrationRetries:    3,
		Copier:              mover.MemCopier{},
		Policy:              sched.LookaheadPolicy{},
	}
}

// withDefaults fills unset optional fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LookaheadWindow == 0 {
		c.LookaheadWindow = def.LookaheadWindow
	}
	if c.TransferParallelism == 0 {
		c.TransferParallelism = def.TransferParallelism
	}
	if c.MigrationRetries == 0 {
		c.MigrationRetries = def.MigrationRetries
	}
	if c.Copier == nil {
		c.Copier = def.Copier
	}
	if c.Policy == nil {
		c.Policy = def.Policy
	}
	return c
}

// Validate returns an error describing the first invalid field.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.Errorf("Config.ChunkSize must be > 0, got %d", c.ChunkSize)
	}
	if c.FastTierBudget > 0 && c.FastTierBudget < c.ChunkSize {
		return errors.Errorf("Config.FastTierBudget (%s) must fit at least one chunk (%s)",
			humanize.IBytes(uint64(c.FastTierBudget)), humanize.IBytes(uint64(c.ChunkSize)))
	}
	if c.SlowTierBudget > 0 && c.SlowTierBudget < c.ChunkSize {
		return errors.Errorf("Config.SlowTierBudget (%s) must fit at least one chunk (%s)",
			humanize.IBytes(uint64(c.SlowTierBudget)), humanize.IBytes(uint64(c.ChunkSize)))
	}
	if c.MigrationRetries < 0 {
		return errors.Errorf("Config.MigrationRetries must be >= 0, got %d", c.MigrationRetries)
	}
	return nil
}
