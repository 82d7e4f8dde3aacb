package sampler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/xform"
)

// linearClip moves the root along X at a constant velocity.
type linearClip struct {
	duration float64
	loop     bool
	velocity float64
}

func (c *linearClip) Duration() float64 { return c.duration }
func (c *linearClip) Loopable() bool    { return c.loop }

func (c *linearClip) Pose(t float64) []xform.Transform {
	return []xform.Transform{
		xform.FromParts(xform.Identity().Rotation, r3.Vec{X: c.velocity * t}),
	}
}

func (c *linearClip) RootMotion(start, delta float64) xform.Transform {
	return xform.FromParts(xform.Identity().Rotation, r3.Vec{X: c.velocity * delta})
}

// spinClip rotates the root around Z at a constant rate without translating.
type spinClip struct {
	duration float64
	rate     float64
}

func (c *spinClip) Duration() float64 { return c.duration }
func (c *spinClip) Loopable() bool    { return false }

func (c *spinClip) Pose(float64) []xform.Transform {
	return []xform.Transform{xform.Identity()}
}

func (c *spinClip) RootMotion(start, delta float64) xform.Transform {
	return xform.FromParts(xform.FromAxisAngle(r3.Vec{Z: 1}, c.rate*delta), r3.Vec{})
}

func TestNew(t *testing.T) {
	t.Run("InvalidSampleRate", func(t *testing.T) {
		_, err := New(&linearClip{duration: 1}, 0)
		assert.Error(t, err)
	})

	t.Run("InvalidDuration", func(t *testing.T) {
		_, err := New(&linearClip{duration: 0}, 30)
		assert.Error(t, err)
	})

	t.Run("Accessors", func(t *testing.T) {
		clip := &linearClip{duration: 1.5, loop: true, velocity: 2}
		s, err := New(clip, 30)
		require.NoError(t, err)
		assert.Equal(t, clip, s.Clip())
		assert.Equal(t, 1.5, s.PlayLength())
		assert.True(t, s.IsLoopable())
	})
}

func TestRootTransformTable(t *testing.T) {
	clip := &linearClip{duration: 1, velocity: 3}
	s, err := New(clip, 10)
	require.NoError(t, err)

	for _, tt := range []float64{0, 0.05, 0.1, 0.33, 0.95, 1} {
		got := s.ExtractRootTransform(tt)
		assert.InDelta(t, 3*tt, got.Translation.X, 1e-9, "t=%v", tt)
	}

	t.Run("Clamped", func(t *testing.T) {
		assert.InDelta(t, 3, s.ExtractRootTransform(5).Translation.X, 1e-9)
		assert.InDelta(t, 0, s.ExtractRootTransform(-1).Translation.X, 1e-9)
	})

	t.Run("Total", func(t *testing.T) {
		assert.InDelta(t, 3, s.TotalRootTransform().Translation.X, 1e-9)
	})
}

func TestRootTransformAccumulatesRotation(t *testing.T) {
	// Half a turn over the clip.
	clip := &spinClip{duration: 2, rate: math.Pi / 2}
	s, err := New(clip, 30)
	require.NoError(t, err)

	quarter := s.ExtractRootTransform(1)
	x := xform.AxisX(quarter.Rotation)
	assert.InDelta(t, 0, x.X, 1e-9)
	assert.InDelta(t, 1, x.Y, 1e-9)

	total := s.TotalRootTransform()
	x = xform.AxisX(total.Rotation)
	assert.InDelta(t, -1, x.X, 1e-9)
	assert.InDelta(t, 0, x.Y, 1e-9)

	assert.InDelta(t, 0, s.TotalRootDistance(), 1e-9)
}

func TestRootDistance(t *testing.T) {
	clip := &linearClip{duration: 2, velocity: 1.5}
	s, err := New(clip, 10)
	require.NoError(t, err)

	assert.InDelta(t, 3, s.TotalRootDistance(), 1e-9)
	for _, tt := range []float64{0, 0.42, 1, 1.99, 2} {
		assert.InDelta(t, 1.5*tt, s.ExtractRootDistance(tt), 1e-9, "t=%v", tt)
	}
}

func TestTimeFromRootDistance(t *testing.T) {
	clip := &linearClip{duration: 2, velocity: 1.5}
	s, err := New(clip, 10)
	require.NoError(t, err)

	for _, d := range []float64{0, 0.3, 1.5, 2.9, 3} {
		assert.InDelta(t, d/1.5, s.TimeFromRootDistance(d), 1e-9, "dist=%v", d)
	}

	t.Run("BeyondTotalClamps", func(t *testing.T) {
		assert.InDelta(t, 2, s.TimeFromRootDistance(100), 1e-9)
	})

	t.Run("Negative", func(t *testing.T) {
		assert.InDelta(t, 0, s.TimeFromRootDistance(-1), 1e-9)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, tt := range []float64{0.1, 0.77, 1.3} {
			d := s.ExtractRootDistance(tt)
			assert.InDelta(t, tt, s.TimeFromRootDistance(d), 1e-9)
		}
	})
}

func TestExtractPose(t *testing.T) {
	clip := &linearClip{duration: 1, velocity: 2}
	s, err := New(clip, 30)
	require.NoError(t, err)

	pose := s.ExtractPose(0.5)
	require.Len(t, pose, 1)
	assert.InDelta(t, 1, pose[0].Translation.X, 1e-9)

	// Out of range times clamp into the clip.
	assert.InDelta(t, 2, s.ExtractPose(9)[0].Translation.X, 1e-9)
	assert.InDelta(t, 0, s.ExtractPose(-9)[0].Translation.X, 1e-9)
}
