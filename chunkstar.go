// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chunkstar virtualizes accelerator memory for training models too
// large to fit on it.
//
// Model parameters, gradients and optimizer state are packed into uniformly
// sized chunks that migrate between a fast, capacity-limited tier
// (accelerator memory) and a slow, capacity-abundant tier (host memory).
// The Manager decides, step by step of a layer-by-layer computation, which
// chunks must be resident on the fast tier, which may be evicted, and when
// asynchronous transfers are issued so they overlap with compute.
//
// The intended call pattern from a training loop:
//
//	mgr, err := chunkstar.New(cfg)
//	entry, err := mgr.Allocate(tensorID, sizeBytes, memtier.RoleParam, dtypes.Float32)
//	...
//	// Per tensor use, in compute order:
//	mgr.NotifyAccess(tensorID, chunkstar.Read) // feeds the lookahead predictor
//	acq, err := mgr.Access(tensorID, chunkstar.Read)
//	data := acq.Bytes() // valid until acq.Release()
//	...
//	acq.Release()
//	...
//	mgr.EndPass() // at the end of each forward+backward pass
//
// The first pass has no access history, so every tensor ranks as
// needed-now and transfers happen on demand. From the second pass on, the
// scheduler prefetches chunks one or more layers ahead of their predicted
// use, hiding transfer latency behind compute.
//
// Numerical optimizer logic, loss scaling, the forward/backward graph and
// distributed collectives are external collaborators: the package only
// manages bytes and placement.
package chunkstar

// Intent of a tensor access.
type Intent int

const (
	// Read intent: the data will only be read.
	Read Intent = iota
	// Write intent: the data will be mutated.
	Write
)

// String implements fmt.Stringer.
func (i Intent) String() string {
	if i == Read {
		return "read"
	}
	return "write"
}
