package memtier

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPool_Budget(t *testing.T) {
	p := NewPool(TierFast, 1024)
	require.Equal(t, TierFast, p.Tier())
	require.Equal(t, int64(1024), p.Budget())
	require.True(t, p.HasRoom(1024))

	require.NoError(t, p.Reserve(1000))
	require.Equal(t, int64(1000), p.Used())
	require.Equal(t, int64(24), p.Free())
	require.False(t, p.HasRoom(25))

	err := p.Reserve(25)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoRoom))
	require.Equal(t, int64(1000), p.Used(), "failed Reserve must not account anything")

	p.Release(1000)
	require.Equal(t, int64(0), p.Used())
	require.NoError(t, p.Reserve(1024))
}

func TestPool_Unlimited(t *testing.T) {
	p := NewPool(TierSlow, 0)
	require.True(t, p.HasRoom(1<<40))
	require.NoError(t, p.Reserve(1<<40))
	require.Equal(t, int64(-1), p.Free())
}

func TestPool_Alloc(t *testing.T) {
	p := NewPool(TierFast, 4096)
	payload, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Len(t, payload, 4096)
	require.Equal(t, int64(4096), p.Used())

	_, err = p.Alloc(1)
	require.True(t, errors.Is(err, ErrNoRoom))

	p.FreePayload(payload)
	require.Equal(t, int64(0), p.Used())
}

func TestTierStrings(t *testing.T) {
	require.Equal(t, "Fast", TierFast.String())
	require.Equal(t, "Slow", TierSlow.String())
	require.Equal(t, "InTransit", TierInTransit.String())
	require.Equal(t, "Param", RoleParam.String())
	require.Equal(t, "OptimizerState", RoleOptimizerState.String())
}
