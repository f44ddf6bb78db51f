package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	var s Stats
	s.BytesToFast.Add(1024)
	s.Migrations.Add(2)
	s.Prefetches.Add(1)
	s.RecordStall(3 * time.Millisecond)
	s.RecordStall(2 * time.Millisecond)

	snap := s.Snapshot()
	require.Equal(t, int64(1024), snap.BytesToFast)
	require.Equal(t, int64(2), snap.Migrations)
	require.Equal(t, int64(2), snap.Stalls)
	require.Equal(t, 5*time.Millisecond, snap.StallTime)

	str := s.String()
	require.Contains(t, str, "1.0 KiB to fast")
	require.Contains(t, str, "2 stalls")
	require.NotContains(t, str, "allocation retries", "retry count only shows when non-zero")
}
