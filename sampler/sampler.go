// Package sampler precomputes root motion and root distance tables for
// animation clips so indexing can evaluate accumulated motion at arbitrary
// times in constant work.
package sampler

import (
	"fmt"
	"math"

	"github.com/hupe1980/posematch/xform"
)

// Clip is the animation source consumed by indexing. Pose returns the
// component-space skeleton pose at a time within [0, Duration], and
// RootMotion returns the root delta transform accumulated over
// [start, start+delta].
type Clip interface {
	Duration() float64
	Loopable() bool
	Pose(t float64) []xform.Transform
	RootMotion(start, delta float64) xform.Transform
}

// SequenceSampler wraps a clip with accumulated root transform and root
// distance tables sampled at a uniform rate. Construct with New; the zero
// value is not usable.
type SequenceSampler struct {
	clip       Clip
	sampleRate float64

	// Entry i holds the motion accumulated from time zero to i/sampleRate,
	// with the final entry pinned to the clip duration.
	rootTransforms []xform.Transform
	rootDistances  []float64
}

// New builds the sampler tables for clip at sampleRate samples per second.
func New(clip Clip, sampleRate float64) (*SequenceSampler, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sampler: sample rate must be positive, got %v", sampleRate)
	}
	duration := clip.Duration()
	if duration <= 0 {
		return nil, fmt.Errorf("sampler: clip duration must be positive, got %v", duration)
	}

	n := int(math.Ceil(duration*sampleRate)) + 1
	s := &SequenceSampler{
		clip:           clip,
		sampleRate:     sampleRate,
		rootTransforms: make([]xform.Transform, n),
		rootDistances:  make([]float64, n),
	}

	acc := xform.Identity()
	dist := 0.0
	s.rootTransforms[0] = acc
	prevTime := 0.0
	for i := 1; i < n; i++ {
		t := math.Min(float64(i)/sampleRate, duration)
		local := clip.RootMotion(prevTime, t-prevTime)
		acc = acc.Mul(local)
		dist += r3Norm(local.Translation.X, local.Translation.Y, local.Translation.Z)
		s.rootTransforms[i] = acc
		s.rootDistances[i] = dist
		prevTime = t
	}
	return s, nil
}

func r3Norm(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// Clip returns the wrapped clip.
func (s *SequenceSampler) Clip() Clip { return s.clip }

// PlayLength returns the clip duration in seconds.
func (s *SequenceSampler) PlayLength() float64 { return s.clip.Duration() }

// IsLoopable reports whether the clip may wrap at its boundaries.
func (s *SequenceSampler) IsLoopable() bool { return s.clip.Loopable() }

// TotalRootTransform returns the root motion accumulated over the whole clip.
func (s *SequenceSampler) TotalRootTransform() xform.Transform {
	return s.rootTransforms[len(s.rootTransforms)-1]
}

// TotalRootDistance returns the root path length over the whole clip.
func (s *SequenceSampler) TotalRootDistance() float64 {
	return s.rootDistances[len(s.rootDistances)-1]
}

// ExtractPose returns the component-space pose at t, clamped into the clip.
func (s *SequenceSampler) ExtractPose(t float64) []xform.Transform {
	return s.clip.Pose(clamp(t, 0, s.clip.Duration()))
}

// ExtractRootTransform returns the root motion accumulated from time zero
// to t, combining the nearest table entry with an exact partial step.
func (s *SequenceSampler) ExtractRootTransform(t float64) xform.Transform {
	t = clamp(t, 0, s.clip.Duration())
	i := int(t * s.sampleRate)
	if i >= len(s.rootTransforms)-1 {
		return s.rootTransforms[len(s.rootTransforms)-1]
	}
	base := s.rootTransforms[i]
	baseTime := float64(i) / s.sampleRate
	if rem := t - baseTime; rem > 1e-9 {
		base = base.Mul(s.clip.RootMotion(baseTime, rem))
	}
	return base
}

// ExtractRootDistance returns the root path length accumulated from time
// zero to t, interpolated between table entries.
func (s *SequenceSampler) ExtractRootDistance(t float64) float64 {
	t = clamp(t, 0, s.clip.Duration())
	i := int(t * s.sampleRate)
	if i >= len(s.rootDistances)-1 {
		return s.rootDistances[len(s.rootDistances)-1]
	}
	baseTime := float64(i) / s.sampleRate
	nextTime := math.Min(float64(i+1)/s.sampleRate, s.clip.Duration())
	alpha := (t - baseTime) / (nextTime - baseTime)
	return s.rootDistances[i] + alpha*(s.rootDistances[i+1]-s.rootDistances[i])
}

// TimeFromRootDistance returns the earliest time at which the accumulated
// root distance reaches dist, interpolated between table entries. Distances
// beyond the clip total clamp to the play length.
func (s *SequenceSampler) TimeFromRootDistance(dist float64) float64 {
	if dist <= 0 {
		return 0
	}
	n := len(s.rootDistances)
	// Lower bound over the monotone distance table.
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if s.rootDistances[mid] < dist {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= n {
		return s.clip.Duration()
	}
	if lo == 0 {
		return 0
	}
	prev := s.rootDistances[lo-1]
	next := s.rootDistances[lo]
	alpha := 0.0
	if next > prev {
		alpha = (dist - prev) / (next - prev)
	}
	prevTime := float64(lo-1) / s.sampleRate
	nextTime := math.Min(float64(lo)/s.sampleRate, s.clip.Duration())
	return prevTime + alpha*(nextTime-prevTime)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
