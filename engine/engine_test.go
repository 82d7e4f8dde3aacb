package engine

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
)

// testIndex builds a two-dimensional index over the given pose rows, split
// into assets of the given sizes.
func testIndex(t *testing.T, rows [][]float32, assetSizes ...int) *searchindex.Index {
	t.Helper()
	s, err := schema.New(schema.Config{
		SampleRate:              10,
		TrajectorySampleOffsets: []int{0},
		UseTrajectoryPositions:  true,
	})
	require.NoError(t, err)
	// Position features are 3 floats; pad rows out to the layout width.
	n := s.Layout.NumFloats

	idx := &searchindex.Index{Schema: s, NumPoses: len(rows)}
	for _, row := range rows {
		padded := make([]float32, n)
		copy(padded, row)
		idx.Values = append(idx.Values, padded...)
	}
	idx.PreprocessInfo.SetIdentity(n)

	if len(assetSizes) == 0 {
		assetSizes = []int{len(rows)}
	}
	first := 0
	for i, size := range assetSizes {
		idx.Assets = append(idx.Assets, searchindex.Asset{
			SourceIdx:    i,
			FirstPoseIdx: first,
			NumPoses:     size,
			RangeEnd:     float32(size) * s.SamplingInterval(),
		})
		for p := 0; p < size; p++ {
			idx.PoseMetadata = append(idx.PoseMetadata, searchindex.PoseMetadata{AssetIdx: i})
		}
		first += size
	}
	require.Equal(t, len(rows), first)
	idx.FinalizeMetadata()
	require.True(t, idx.IsValid())
	return idx
}

func query(vals ...float32) []float32 {
	q := make([]float32, 3)
	copy(q, vals)
	return q
}

func TestNew(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}})

	t.Run("Defaults", func(t *testing.T) {
		e, err := New(idx)
		require.NoError(t, err)
		assert.Equal(t, idx, e.Index())
	})

	t.Run("InvalidIndex", func(t *testing.T) {
		_, err := New(&searchindex.Index{})
		assert.ErrorIs(t, err, ErrInvalidIndex)
	})

	t.Run("WeightLengthMismatch", func(t *testing.T) {
		_, err := New(idx, WithBaseWeights([]float32{1}))
		var dimErr *ErrDimensionMismatch
		assert.ErrorAs(t, err, &dimErr)
	})
}

func TestSearch(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}, {5, 5}, {10, 10}})
	e, err := New(idx)
	require.NoError(t, err)

	got, err := e.Search(query(4, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, got.PoseIdx)
	assert.InDelta(t, 2, got.Dissimilarity, 1e-6)
	assert.InDelta(t, 2, got.Cost, 1e-6)
	assert.Equal(t, 0, got.AssetIdx)
	assert.InDelta(t, 0.1, got.AssetTime, 1e-6)
}

func TestSearchK(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}, {5, 5}, {10, 10}})
	e, err := New(idx)
	require.NoError(t, err)

	t.Run("Ordered", func(t *testing.T) {
		results, err := e.SearchK(query(4, 4), 3)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, []int{1, 0, 2}, []int{results[0].PoseIdx, results[1].PoseIdx, results[2].PoseIdx})
		for i := 1; i < len(results); i++ {
			assert.LessOrEqual(t, results[i-1].Cost, results[i].Cost)
		}
	})

	t.Run("KLargerThanIndex", func(t *testing.T) {
		results, err := e.SearchK(query(0, 0), 10)
		require.NoError(t, err)
		assert.Len(t, results, 3)
	})

	t.Run("InvalidK", func(t *testing.T) {
		_, err := e.SearchK(query(0, 0), 0)
		assert.ErrorIs(t, err, ErrInvalidK)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		_, err := e.SearchK([]float32{1}, 1)
		var dimErr *ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
		assert.Equal(t, 3, dimErr.Expected)
		assert.Equal(t, 1, dimErr.Actual)
	})

	t.Run("EmptyIndex", func(t *testing.T) {
		s := testIndex(t, [][]float32{{0, 0}}).Schema
		empty := &searchindex.Index{Schema: s}
		empty.PreprocessInfo.SetIdentity(s.Layout.NumFloats)
		ee, err := New(empty)
		require.NoError(t, err)
		_, err = ee.SearchK(query(0, 0), 1)
		assert.ErrorIs(t, err, ErrEmptyIndex)
	})
}

func TestSearchWeights(t *testing.T) {
	idx := testIndex(t, [][]float32{{2, 0}, {0, 1}})

	t.Run("BaseWeights", func(t *testing.T) {
		// Unweighted, pose 1 wins (1 < 4). Downweighting the first axis
		// flips the ranking.
		e, err := New(idx, WithBaseWeights([]float32{0.1, 1, 1}))
		require.NoError(t, err)

		got, err := e.Search(query(0, 0))
		require.NoError(t, err)
		assert.Equal(t, 0, got.PoseIdx)
		// Weight applies inside the square: (0.1 * 2)^2.
		assert.InDelta(t, 0.04, got.Dissimilarity, 1e-6)
	})

	t.Run("SequenceBias", func(t *testing.T) {
		split := testIndex(t, [][]float32{{2, 0}, {0, 1}}, 1, 1)
		e, err := New(split)
		require.NoError(t, err)

		// Bias only the first sequence.
		got, err := e.Search(query(0, 0), WithSequenceBias(0, []float32{0.1, 0.1, 0.1}))
		require.NoError(t, err)
		assert.Equal(t, 0, got.PoseIdx)
		assert.InDelta(t, 0.04, got.Dissimilarity, 1e-6)

		// The bias does not leak into the second sequence's poses.
		results, err := e.SearchK(query(0, 0), 2, WithSequenceBias(0, []float32{0.1, 0.1, 0.1}))
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.InDelta(t, 1, results[1].Dissimilarity, 1e-6)
	})

	t.Run("SequenceBiasDimensionMismatch", func(t *testing.T) {
		e, err := New(idx)
		require.NoError(t, err)

		_, err = e.Search(query(0, 0), WithSequenceBias(0, []float32{0.1}))
		var dimErr *ErrDimensionMismatch
		require.ErrorAs(t, err, &dimErr)
		assert.Equal(t, 3, dimErr.Expected)
		assert.Equal(t, 1, dimErr.Actual)
	})
}

func TestSearchFilter(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}, {5, 5}, {10, 10}})
	e, err := New(idx)
	require.NoError(t, err)

	filter := roaring.New()
	filter.Add(2)

	got, err := e.Search(query(0, 0), WithFilter(filter))
	require.NoError(t, err)
	assert.Equal(t, 2, got.PoseIdx)

	t.Run("FilterMatchesNothing", func(t *testing.T) {
		_, err := e.Search(query(0, 0), WithFilter(roaring.New()))
		assert.ErrorIs(t, err, ErrEmptyIndex)
	})
}

func TestSearchBlockedPoses(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}, {5, 5}})
	idx.PoseMetadata[0].Flags = searchindex.PoseFlagBlockTransition
	idx.FinalizeMetadata()

	e, err := New(idx)
	require.NoError(t, err)

	got, err := e.Search(query(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, got.PoseIdx)

	t.Run("Included", func(t *testing.T) {
		got, err := e.Search(query(0, 0), WithBlockedPoses())
		require.NoError(t, err)
		assert.Equal(t, 0, got.PoseIdx)
	})
}

func TestSearchCostAddends(t *testing.T) {
	idx := testIndex(t, [][]float32{{0, 0}, {1, 0}})
	idx.PoseMetadata[0].CostAddend = 5
	idx.PoseMetadata[0].ContinuingPoseCostAddend = -1
	idx.FinalizeMetadata()

	e, err := New(idx)
	require.NoError(t, err)

	t.Run("AddendRanks", func(t *testing.T) {
		got, err := e.Search(query(0, 0))
		require.NoError(t, err)
		// Pose 0 matches exactly but its addend pushes it behind pose 1.
		assert.Equal(t, 1, got.PoseIdx)
		assert.InDelta(t, 1, got.Cost, 1e-6)
	})

	t.Run("ContinuingPose", func(t *testing.T) {
		got, err := e.Search(query(0, 0), WithContinuingPose(0))
		require.NoError(t, err)
		assert.Equal(t, 0, got.PoseIdx)
		assert.InDelta(t, -1, got.Cost, 1e-6)
		assert.InDelta(t, 0, got.Dissimilarity, 1e-6)
	})
}
