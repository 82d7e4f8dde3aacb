package preprocess

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
)

// testIndex builds an index over two 3-float position features filled with
// deterministic pseudo-random values.
func testIndex(t *testing.T, numPoses int) *searchindex.Index {
	t.Helper()
	s, err := schema.New(schema.Config{
		SampleRate:              10,
		TrajectorySampleOffsets: []int{0},
		UseTrajectoryPositions:  true,
		UseTrajectoryVelocities: true,
	})
	require.NoError(t, err)
	require.Equal(t, 6, s.Layout.NumFloats)

	idx := &searchindex.Index{
		Schema:   s,
		NumPoses: numPoses,
		Values:   make([]float32, numPoses*s.Layout.NumFloats),
	}
	rng := rand.New(rand.NewSource(42))
	for i := range idx.Values {
		// Different scale per half so normalization has something to do.
		scale := float32(1)
		if i%6 >= 3 {
			scale = 50
		}
		idx.Values[i] = scale * float32(rng.NormFloat64())
	}
	idx.PoseMetadata = make([]searchindex.PoseMetadata, numPoses)
	idx.PreprocessInfo.SetIdentity(s.Layout.NumFloats)
	require.True(t, idx.IsValid())
	return idx
}

func columnStats(idx *searchindex.Index, d int) (mean, meanAbsDev float64) {
	for p := 0; p < idx.NumPoses; p++ {
		mean += float64(idx.PoseValues(p)[d])
	}
	mean /= float64(idx.NumPoses)
	for p := 0; p < idx.NumPoses; p++ {
		meanAbsDev += math.Abs(float64(idx.PoseValues(p)[d]) - mean)
	}
	meanAbsDev /= float64(idx.NumPoses)
	return mean, meanAbsDev
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "None", ModeNone.String())
	assert.Equal(t, "Normalize", ModeNormalize.String())
	assert.Equal(t, "Sphere", ModeSphere.String())
}

func TestApplyNone(t *testing.T) {
	idx := testIndex(t, 16)
	before := append([]float32(nil), idx.Values...)

	require.NoError(t, Apply(ModeNone, idx))
	assert.Equal(t, before, idx.Values)
	require.True(t, idx.PreprocessInfo.IsValid())

	// Identity transform round-trips any vector.
	src := idx.PoseValues(3)
	dst := make([]float32, len(src))
	idx.PreprocessInfo.Apply(dst, src)
	assert.Equal(t, src, dst)
}

func TestApplyNormalize(t *testing.T) {
	idx := testIndex(t, 64)
	raw := append([]float32(nil), idx.Values...)

	require.NoError(t, Apply(ModeNormalize, idx))

	t.Run("Centered", func(t *testing.T) {
		for d := 0; d < 6; d++ {
			mean, _ := columnStats(idx, d)
			assert.InDelta(t, 0, mean, 1e-4, "dim %d", d)
		}
	})

	t.Run("DeviationSharedPerFeature", func(t *testing.T) {
		// The two features had wildly different scales; after scaling their
		// per-block mean norms agree.
		blockNorm := func(off int) float64 {
			sum := 0.0
			for p := 0; p < idx.NumPoses; p++ {
				row := idx.PoseValues(p)
				normSq := 0.0
				for a := 0; a < 3; a++ {
					v := float64(row[off+a])
					normSq += v * v
				}
				sum += math.Sqrt(normSq)
			}
			return sum / float64(idx.NumPoses)
		}
		assert.InDelta(t, 1, blockNorm(0), 1e-4)
		assert.InDelta(t, 1, blockNorm(3), 1e-4)
	})

	t.Run("TransformMatchesTable", func(t *testing.T) {
		dst := make([]float32, 6)
		for p := 0; p < idx.NumPoses; p++ {
			idx.PreprocessInfo.Apply(dst, raw[p*6:(p+1)*6])
			for d := 0; d < 6; d++ {
				assert.InDelta(t, idx.PoseValues(p)[d], dst[d], 1e-4)
			}
		}
	})

	t.Run("InverseRoundTrip", func(t *testing.T) {
		back := make([]float32, 6)
		for p := 0; p < idx.NumPoses; p++ {
			idx.PreprocessInfo.ApplyInverse(back, idx.PoseValues(p))
			for d := 0; d < 6; d++ {
				assert.InDelta(t, raw[p*6+d], back[d], 1e-2)
			}
		}
	})
}

func TestApplyNormalizeConstantFeature(t *testing.T) {
	idx := testIndex(t, 32)
	// Pin the first feature block to a constant so its deviation collapses.
	for p := 0; p < idx.NumPoses; p++ {
		row := idx.PoseValues(p)
		row[0], row[1], row[2] = 7, 7, 7
	}

	require.NoError(t, Apply(ModeNormalize, idx))

	// Constant features pass through with unit scale.
	n := idx.PreprocessInfo.NumDimensions
	for d := 0; d < 3; d++ {
		assert.Equal(t, float32(1), idx.PreprocessInfo.Transform[d*n+d])
		assert.InDelta(t, 7, idx.PreprocessInfo.SampleMean[d], 1e-5)
	}
	for p := 0; p < idx.NumPoses; p++ {
		assert.InDelta(t, 0, idx.PoseValues(p)[0], 1e-5)
	}
}

func TestApplySphere(t *testing.T) {
	idx := testIndex(t, 128)
	raw := append([]float32(nil), idx.Values...)

	require.NoError(t, Apply(ModeSphere, idx))
	n := idx.PreprocessInfo.NumDimensions
	require.Equal(t, 6, n)

	t.Run("ForwardTimesInverseIsIdentity", func(t *testing.T) {
		info := &idx.PreprocessInfo
		for r := 0; r < n; r++ {
			for c := 0; c < n; c++ {
				sum := 0.0
				for k := 0; k < n; k++ {
					sum += float64(info.Transform[r*n+k]) * float64(info.InverseTransform[k*n+c])
				}
				want := 0.0
				if r == c {
					want = 1
				}
				assert.InDelta(t, want, sum, 1e-3, "entry (%d,%d)", r, c)
			}
		}
	})

	t.Run("TransformMatchesTable", func(t *testing.T) {
		dst := make([]float32, n)
		for p := 0; p < idx.NumPoses; p++ {
			idx.PreprocessInfo.Apply(dst, raw[p*n:(p+1)*n])
			for d := 0; d < n; d++ {
				assert.InDelta(t, idx.PoseValues(p)[d], dst[d], 1e-3)
			}
		}
	})

	t.Run("Decorrelated", func(t *testing.T) {
		// Whitening targets the correlation matrix, so the rewritten table
		// has near-uniform variances and vanishing cross-correlations. The
		// variance level itself depends on the deviation scaling.
		cov := make([][]float64, n)
		for i := range cov {
			cov[i] = make([]float64, n)
			for j := 0; j < n; j++ {
				sum := 0.0
				for p := 0; p < idx.NumPoses; p++ {
					sum += float64(idx.PoseValues(p)[i]) * float64(idx.PoseValues(p)[j])
				}
				cov[i][j] = sum / float64(idx.NumPoses)
			}
		}
		avgVar := 0.0
		for i := 0; i < n; i++ {
			avgVar += cov[i][i]
		}
		avgVar /= float64(n)
		require.Greater(t, avgVar, 0.0)

		for i := 0; i < n; i++ {
			assert.InDelta(t, avgVar, cov[i][i], 0.3*avgVar, "variance %d", i)
			for j := 0; j < n; j++ {
				if i != j {
					assert.InDelta(t, 0, cov[i][j]/avgVar, 0.15, "correlation (%d,%d)", i, j)
				}
			}
		}
	})

	t.Run("InverseRoundTrip", func(t *testing.T) {
		back := make([]float32, n)
		for p := 0; p < idx.NumPoses; p++ {
			idx.PreprocessInfo.ApplyInverse(back, idx.PoseValues(p))
			for d := 0; d < n; d++ {
				// The raw table spans magnitudes up to ~150.
				assert.InDelta(t, raw[p*n+d], back[d], 1e-2)
			}
		}
	})
}

func TestApplyInvalidIndex(t *testing.T) {
	idx := &searchindex.Index{}
	assert.Error(t, Apply(ModeNormalize, idx))
}

func TestApplyEmptyIndexGetsIdentity(t *testing.T) {
	s, err := schema.New(schema.Config{
		SampleRate:              10,
		TrajectorySampleOffsets: []int{0},
		UseTrajectoryPositions:  true,
	})
	require.NoError(t, err)

	idx := &searchindex.Index{Schema: s}
	require.NoError(t, Apply(ModeNormalize, idx))
	assert.True(t, idx.PreprocessInfo.IsValid())
}
