package chunks

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/chunkstar/memtier"
)

func TestIndex(t *testing.T) {
	idx := NewIndex()
	require.Equal(t, 0, idx.Len())

	a := Entry{Tensor: 1, Chunk: 0, Offset: 1000, Length: 500, Role: memtier.RoleParam, DType: dtypes.Float32}
	b := Entry{Tensor: 2, Chunk: 0, Offset: 0, Length: 1000, Role: memtier.RoleParam, DType: dtypes.Float32}
	c := Entry{Tensor: 3, Chunk: 1, Offset: 0, Length: 100, Role: memtier.RoleGrad, DType: dtypes.Float16}
	require.NoError(t, idx.Add(a))
	require.NoError(t, idx.Add(b))
	require.NoError(t, idx.Add(c))
	require.Equal(t, 3, idx.Len())

	// A tensor has exactly one owning chunk.
	err := idx.Add(Entry{Tensor: 1, Chunk: 1, Offset: 200, Length: 8})
	require.Error(t, err)

	got, found := idx.Get(1)
	require.True(t, found)
	require.Equal(t, a, got)

	inChunk0 := idx.TensorsIn(0)
	require.Len(t, inChunk0, 2)
	require.Equal(t, b, inChunk0[0], "TensorsIn is ordered by offset")
	require.Equal(t, a, inChunk0[1])

	removed, found := idx.Remove(2)
	require.True(t, found)
	require.Equal(t, b, removed)
	_, found = idx.Remove(2)
	require.False(t, found, "removing twice is a no-op")
	require.Len(t, idx.TensorsIn(0), 1)
	require.Nil(t, idx.TensorsIn(99))
}
