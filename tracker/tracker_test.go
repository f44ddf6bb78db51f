package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/chunkstar/chunks"
)

func tid(id int64) chunks.TensorID { return chunks.TensorID(id) }

func TestTracker_FirstPassUnknown(t *testing.T) {
	trk := New()
	require.False(t, trk.Known(tid(7)))
	require.Equal(t, int64(0), trk.PredictedDistance(tid(7)), "unknown ranks nearest")
	require.Equal(t, int64(0), trk.Touch(tid(7)))
	require.Equal(t, int64(1), trk.Touch(tid(8)))
	require.Equal(t, int64(2), trk.Step())
	// Still unknown until the pass completes.
	require.Equal(t, int64(0), trk.PredictedDistance(tid(8)))
}

func TestTracker_Distances(t *testing.T) {
	trk := New()
	// Forward a, b, c then backward c, b, a: steps 0..5. The recorded
	// position is the last touch of the pass.
	for _, id := range []int64{10, 20, 30, 30, 20, 10} {
		trk.Touch(tid(id))
	}
	trk.EndPass()

	require.True(t, trk.Known(tid(10)))
	require.Equal(t, int64(5), trk.PredictedDistance(tid(10)))
	require.Equal(t, int64(4), trk.PredictedDistance(tid(20)))
	require.Equal(t, int64(3), trk.PredictedDistance(tid(30)))

	// Two steps into the new pass the distances shrink accordingly.
	trk.Touch(tid(10))
	trk.Touch(tid(20))
	require.Equal(t, int64(1), trk.PredictedDistance(tid(30)))
	require.Equal(t, int64(3), trk.PredictedDistance(tid(10)))

	// Past its recorded position, a tensor wraps to the next pass.
	trk.Touch(tid(30))
	trk.Touch(tid(30))
	trk.Touch(tid(20))
	trk.Touch(tid(10))
	trk.Touch(tid(10)) // Step 7, beyond the previous pass's length of 6.
	require.Equal(t, int64(2), trk.PredictedDistance(tid(30)), "3 - 7 wrapped by 6")
}

func TestTracker_EndPassRotates(t *testing.T) {
	trk := New()
	require.Equal(t, int64(0), trk.Pass())
	trk.Touch(tid(1))
	trk.EndPass()
	require.Equal(t, int64(1), trk.Pass())
	trk.Touch(tid(2))
	trk.EndPass()
	require.False(t, trk.Known(tid(1)), "two passes back is forgotten")
	require.True(t, trk.Known(tid(2)))
	require.Equal(t, int64(0), trk.Step())
	require.Equal(t, int64(2), trk.Pass())
}
