// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chunks

import (
	"sort"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/chunkstar/memtier"
)

// Entry locates a tensor inside a chunk. A tensor has exactly one owning
// chunk at any instant and never spans two chunks.
type Entry struct {
	Tensor TensorID
	Chunk  ID
	Offset int64
	Length int64
	Role   memtier.Role
	DType  dtypes.DType
}

// Index maps logical tensor ids to their chunk placement. All mutation
// goes through the manager, which keeps the Index and the chunks' occupied
// ranges in sync.
type Index struct {
	mu      sync.RWMutex
	entries map[TensorID]Entry
	byChunk map[ID]map[TensorID]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[TensorID]Entry),
		byChunk: make(map[ID]map[TensorID]struct{}),
	}
}

// Add registers the entry. Adding a tensor id that is already present is an
// error: a tensor has exactly one owning chunk.
func (idx *Index) Add(entry Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, found := idx.entries[entry.Tensor]; found {
		return errors.Errorf("tensor %d is already placed in chunk #%d", entry.Tensor, prev.Chunk)
	}
	idx.entries[entry.Tensor] = entry
	perChunk := idx.byChunk[entry.Chunk]
	if perChunk == nil {
		perChunk = make(map[TensorID]struct{})
		idx.byChunk[entry.Chunk] = perChunk
	}
	perChunk[entry.Tensor] = struct{}{}
	return nil
}

// Get returns the entry for the tensor, and whether it exists.
func (idx *Index) Get(id TensorID) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, found := idx.entries[id]
	return entry, found
}

// Remove drops the tensor from the index, returning its entry. Removing an
// unknown tensor is a no-op (release is idempotent).
func (idx *Index) Remove(id TensorID) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, found := idx.entries[id]
	if !found {
		return Entry{}, false
	}
	delete(idx.entries, id)
	perChunk := idx.byChunk[entry.Chunk]
	delete(perChunk, id)
	if len(perChunk) == 0 {
		delete(idx.byChunk, entry.Chunk)
	}
	return entry, true
}

// TensorsIn returns the entries placed in the given chunk, ordered by
// offset.
func (idx *Index) TensorsIn(chunk ID) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	perChunk := idx.byChunk[chunk]
	if len(perChunk) == 0 {
		return nil
	}
	entriesList := make([]Entry, 0, len(perChunk))
	for id := range perChunk {
		entriesList = append(entriesList, idx.entries[id])
	}
	sort.Slice(entriesList, func(i, j int) bool {
		return entriesList[i].Offset < entriesList[j].Offset
	})
	return entriesList
}

// Len returns the number of placed tensors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
