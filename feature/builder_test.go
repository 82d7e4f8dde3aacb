package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
	"github.com/hupe1980/posematch/xform"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(schema.Config{
		SampleRate:              30,
		Bones:                   []int{0, 3},
		NumSkeletonBones:        4,
		PoseSampleOffsets:       []int{0},
		TrajectorySampleOffsets: []int{-5, 0},
		UseBonePositions:        true,
		UseBoneRotations:        true,
		UseBoneVelocities:       true,
		UseTrajectoryPositions:  true,
		UseTrajectoryVelocities: true,
	})
	require.NoError(t, err)
	require.True(t, s.IsValid())
	return s
}

func poseFeature(boneIdx, subsampleIdx int) schema.Feature {
	return schema.Feature{SchemaBoneIdx: boneIdx, SubsampleIdx: subsampleIdx, Domain: schema.DomainTime}
}

func trajectoryFeature(subsampleIdx int) schema.Feature {
	return poseFeature(schema.TrajectoryBoneIndex, subsampleIdx)
}

func TestBuilderCompleteness(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(s)
	assert.False(t, b.IsComplete())

	prev := xform.Identity()
	cur := xform.FromParts(xform.FromAxisAngle(r3.Vec{Z: 1}, 0.1), r3.Vec{X: 0.5})

	for sub := 0; sub < 2; sub++ {
		b.SetPosition(trajectoryFeature(sub), r3.Vec{X: float64(sub)})
		b.SetLinearVelocity(trajectoryFeature(sub), cur, prev, 1.0/30.0)
	}
	assert.False(t, b.IsComplete())

	for bone := 0; bone < 2; bone++ {
		b.SetTransform(poseFeature(bone, 0), cur)
		b.SetTransformDerivative(poseFeature(bone, 0), cur, prev, 1.0/30.0)
	}
	assert.True(t, b.IsComplete())

	t.Run("RepeatedSetDoesNotDoubleCount", func(t *testing.T) {
		b.SetPosition(trajectoryFeature(0), r3.Vec{})
		assert.True(t, b.IsComplete())
	})

	t.Run("Reset", func(t *testing.T) {
		b.Reset()
		assert.False(t, b.IsComplete())
		for _, v := range b.Raw() {
			assert.Zero(t, v)
		}
	})

	t.Run("UnknownFeatureSkipped", func(t *testing.T) {
		b.Reset()
		b.SetPosition(poseFeature(7, 0), r3.Vec{X: 1})
		for _, v := range b.Raw() {
			assert.Zero(t, v)
		}
	})
}

func TestBuilderReaderRoundTrip(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(s)

	rot := xform.FromAxisAngle(r3.Vec{X: 1, Y: -2, Z: 0.5}, 1.3)
	pos := r3.Vec{X: 1.5, Y: -2.25, Z: 0.75}
	prev := xform.Identity()
	cur := xform.FromParts(rot, pos)

	f := poseFeature(1, 0)
	b.SetTransform(f, cur)
	b.SetTransformDerivative(f, cur, prev, 0.5)

	r := NewReader(s, b.Raw())

	gotPos, ok := r.GetPosition(f)
	require.True(t, ok)
	assert.InDelta(t, pos.X, gotPos.X, 1e-6)
	assert.InDelta(t, pos.Y, gotPos.Y, 1e-6)
	assert.InDelta(t, pos.Z, gotPos.Z, 1e-6)

	gotRot, ok := r.GetRotation(f)
	require.True(t, ok)
	gotRot = xform.EnforceShortestArc(gotRot, rot)
	assert.InDelta(t, rot.Real, gotRot.Real, 1e-6)
	assert.InDelta(t, rot.Imag, gotRot.Imag, 1e-6)
	assert.InDelta(t, rot.Jmag, gotRot.Jmag, 1e-6)
	assert.InDelta(t, rot.Kmag, gotRot.Kmag, 1e-6)

	gotVel, ok := r.GetLinearVelocity(f)
	require.True(t, ok)
	assert.InDelta(t, pos.X/0.5, gotVel.X, 1e-5)

	_, ok = r.GetAngularVelocity(f)
	assert.True(t, ok)

	t.Run("MissingFeature", func(t *testing.T) {
		_, ok := r.GetPosition(poseFeature(9, 0))
		assert.False(t, ok)
	})

	t.Run("GetTransform", func(t *testing.T) {
		tr := r.GetTransform(f)
		assert.InDelta(t, pos.Y, tr.Translation.Y, 1e-6)

		missing := r.GetTransform(poseFeature(9, 0))
		assert.Equal(t, xform.Identity(), missing)
	})
}

func TestBuilderNormalize(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(s)
	b.SetPosition(trajectoryFeature(0), r3.Vec{X: 2, Y: 4, Z: 6})

	var info searchindex.PreprocessInfo
	info.SetIdentity(s.Layout.NumFloats)
	// Uniform half scale with a shifted mean on the first axis.
	for i := 0; i < info.NumDimensions; i++ {
		info.Transform[i*info.NumDimensions+i] = 0.5
		info.InverseTransform[i*info.NumDimensions+i] = 2
	}
	info.SampleMean[0] = 1

	require.NoError(t, b.Normalize(&info))
	assert.InDelta(t, 0.5, b.Normalized()[0], 1e-6)
	assert.InDelta(t, 2.0, b.Normalized()[1], 1e-6)

	t.Run("DimensionMismatch", func(t *testing.T) {
		var bad searchindex.PreprocessInfo
		bad.SetIdentity(s.Layout.NumFloats + 1)
		assert.Error(t, b.Normalize(&bad))
	})
}

func TestBuilderCopyFromIndex(t *testing.T) {
	s := testSchema(t)
	n := s.Layout.NumFloats

	idx := &searchindex.Index{
		Schema:   s,
		NumPoses: 2,
		Values:   make([]float32, 2*n),
	}
	idx.PreprocessInfo.SetIdentity(n)
	idx.PreprocessInfo.SampleMean[0] = 3
	for i := range idx.Values {
		idx.Values[i] = float32(i) * 0.25
	}
	require.True(t, idx.IsValid())

	b := NewBuilder(s)
	require.NoError(t, b.CopyFromIndex(idx, 1))

	assert.True(t, b.IsComplete())
	assert.Equal(t, idx.PoseValues(1), b.Normalized())
	// Identity transform plus mean puts raw = normalized + mean on axis 0.
	assert.InDelta(t, float64(idx.PoseValues(1)[0])+3, float64(b.Raw()[0]), 1e-6)
	assert.InDelta(t, float64(idx.PoseValues(1)[1]), float64(b.Raw()[1]), 1e-6)

	t.Run("PoseOutOfRange", func(t *testing.T) {
		assert.Error(t, b.CopyFromIndex(idx, 2))
		assert.Error(t, b.CopyFromIndex(idx, -1))
	})
}

func TestBuilderMergeReplace(t *testing.T) {
	s := testSchema(t)

	a := NewBuilder(s)
	a.SetPosition(trajectoryFeature(0), r3.Vec{X: 1})
	a.SetPosition(trajectoryFeature(1), r3.Vec{X: 2})

	other := NewBuilder(s)
	other.SetPosition(trajectoryFeature(1), r3.Vec{X: 9})

	require.NoError(t, a.MergeReplace(other))

	r := NewReader(s, a.Raw())
	p0, _ := r.GetPosition(trajectoryFeature(0))
	p1, _ := r.GetPosition(trajectoryFeature(1))
	assert.InDelta(t, 1, p0.X, 1e-6)
	assert.InDelta(t, 9, p1.X, 1e-6)

	t.Run("SchemaMismatch", func(t *testing.T) {
		foreign := NewBuilder(testSchema(t))
		assert.Error(t, a.MergeReplace(foreign))
	})

	t.Run("SparseSourceLeavesOtherSlotsUntouched", func(t *testing.T) {
		dst := NewBuilder(s)
		dst.SetPosition(trajectoryFeature(0), r3.Vec{X: 1})

		sparse := NewBuilder(s)
		sparse.SetPosition(trajectoryFeature(1), r3.Vec{X: 9})

		require.NoError(t, dst.MergeReplace(sparse))
		assert.False(t, dst.IsComplete())

		r := NewReader(s, dst.Raw())
		p0, _ := r.GetPosition(trajectoryFeature(0))
		p1, _ := r.GetPosition(trajectoryFeature(1))
		assert.InDelta(t, 1, p0.X, 1e-6)
		assert.InDelta(t, 9, p1.X, 1e-6)
	})
}

func TestRotationColumnsAreOrthonormal(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(s)
	f := poseFeature(0, 0)
	b.SetRotation(f, xform.FromAxisAngle(r3.Vec{X: 0.2, Y: 1, Z: -0.7}, 2.1))

	i := s.Layout.Find(schema.Feature{
		SchemaBoneIdx: 0, SubsampleIdx: 0,
		Type: schema.FeatureTypeRotation, Domain: schema.DomainTime,
	})
	require.GreaterOrEqual(t, i, 0)
	off := s.Layout.Features[i].ValueOffset
	v := b.Raw()

	norm := func(a, b, c float32) float64 {
		return math.Sqrt(float64(a*a + b*b + c*c))
	}
	assert.InDelta(t, 1, norm(v[off], v[off+1], v[off+2]), 1e-6)
	assert.InDelta(t, 1, norm(v[off+3], v[off+4], v[off+5]), 1e-6)

	dot := float64(v[off]*v[off+3] + v[off+1]*v[off+4] + v[off+2]*v[off+5])
	assert.InDelta(t, 0, dot, 1e-6)
}
