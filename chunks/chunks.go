// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chunks implements the fixed-capacity memory chunks tensors are
// packed into, and the index mapping tensors to their chunk location.
//
// A Chunk is the unit of tier migration: a contiguous payload of a fixed,
// process-wide capacity, holding zero or more tensor byte ranges. The chunk
// resides on exactly one tier at a time, and its tier applies uniformly to
// every tensor inside it.
//
// Chunks own their consistency protocol: a scoped acquisition (Acquire /
// ReleaseAcquisition) bounds the Compute status window, and a migration
// (BeginMigration / CompleteMigration / AbortMigration) publishes a latch
// that acquisitions block on, so tensor data is never read or written while
// a migration affecting it is outstanding.
package chunks

import (
	"github.com/pkg/errors"
)

// ID identifies a chunk within the manager's registry.
type ID int32

// TensorID is the logical identifier of a tensor, assigned by the caller
// (typically the position of the parameter in the model definition).
type TensorID int64

// Range is an occupied byte range within a chunk payload.
type Range struct {
	Offset, Length int64
}

// End returns the first byte past the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// Sentinel errors for resource-pressure conditions. Logic errors (invalid
// status transitions, overlapping ranges) are not errors but panics: they
// indicate a defect, not a resource condition.
var (
	// ErrCapacityExceeded is returned when no tier has room for an
	// allocation even after eviction retries.
	ErrCapacityExceeded = errors.New("capacity exceeded on every tier")

	// ErrMigrationFailed is returned when a migration cannot complete,
	// typically because the destination tier has no room. The chunk stays
	// on its source tier.
	ErrMigrationFailed = errors.New("chunk migration failed")
)

// migrationError wraps ErrMigrationFailed with the chunk and reason.
func migrationError(id ID, format string, args ...any) error {
	args = append([]any{id}, args...)
	return errors.Wrapf(ErrMigrationFailed, "chunk #%d: "+format, args...)
}
