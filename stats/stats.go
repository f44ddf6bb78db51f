// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stats accumulates counters for the chunk machinery: bytes moved
// per direction, migration outcomes, and compute-lane stalls. Counters are
// atomic; reading them (String, Snapshot) is safe at any time.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats is the set of counters one manager instance maintains.
type Stats struct {
	// BytesToFast / BytesToSlow count payload bytes moved per direction.
	BytesToFast atomic.Int64
	BytesToSlow atomic.Int64

	// Migrations counts completed migrations; Failed and Cancelled count
	// jobs that ended without a copy.
	Migrations          atomic.Int64
	FailedMigrations    atomic.Int64
	CancelledMigrations atomic.Int64

	// Prefetches are migrations issued ahead of need by the scheduler;
	// DemandFetches are issued synchronously because an access found its
	// chunk on the slow tier.
	Prefetches    atomic.Int64
	DemandFetches atomic.Int64

	// Stalls counts accesses that had to wait on an outstanding migration;
	// StallNanos is the cumulative wait.
	Stalls     atomic.Int64
	StallNanos atomic.Int64

	// AllocRetries counts allocations that only succeeded after forcing
	// eviction.
	AllocRetries atomic.Int64
}

// RecordStall adds one blocked access of the given duration.
func (s *Stats) RecordStall(d time.Duration) {
	s.Stalls.Add(1)
	s.StallNanos.Add(int64(d))
}

// Snapshot is a plain-value copy of all counters.
type Snapshot struct {
	BytesToFast, BytesToSlow                      int64
	Migrations, FailedMigrations, CancelledMigrations int64
	Prefetches, DemandFetches                     int64
	Stalls                                        int64
	StallTime                                     time.Duration
	AllocRetries                                  int64
}

// Snapshot returns a consistent-enough copy of the counters. Individual
// loads are atomic; the set is not, which is fine for reporting.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesToFast:         s.BytesToFast.Load(),
		BytesToSlow:         s.BytesToSlow.Load(),
		Migrations:          s.Migrations.Load(),
		FailedMigrations:    s.FailedMigrations.Load(),
		CancelledMigrations: s.CancelledMigrations.Load(),
		Prefetches:          s.Prefetches.Load(),
		DemandFetches:       s.DemandFetches.Load(),
		Stalls:              s.Stalls.Load(),
		StallTime:           time.Duration(s.StallNanos.Load()),
		AllocRetries:        s.AllocRetries.Load(),
	}
}

// String implements fmt.Stringer with humanized sizes.
func (s *Stats) String() string {
	snap := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "moved %s to fast, %s to slow in %d migrations (%d prefetch, %d demand, %d failed, %d cancelled)",
		humanize.IBytes(uint64(snap.BytesToFast)), humanize.IBytes(uint64(snap.BytesToSlow)),
		snap.Migrations, snap.Prefetches, snap.DemandFetches, snap.FailedMigrations, snap.CancelledMigrations)
	fmt.Fprintf(&b, "; %d stalls (%s)", snap.Stalls, snap.StallTime)
	if snap.AllocRetries > 0 {
		fmt.Fprintf(&b, "; %d allocation retries", snap.AllocRetries)
	}
	return b.String()
}
