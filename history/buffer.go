package history

import (
	"errors"
	"fmt"

	"github.com/hupe1980/posematch/xform"
)

// ErrInsufficientHistory is returned when a sample time reaches further back
// than the buffer currently covers.
var ErrInsufficientHistory = errors.New("history: not enough recorded poses to sample")

// nextPowerOfTwo rounds n up to the nearest power of two.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Buffer is a fixed-capacity ring of time-stamped pose snapshots. Each knot
// records its age in seconds; the newest knot is always age zero. Knots are
// retired once the remaining samples still span the time horizon, so the
// effective sampling density converges on SampleInterval.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	skeleton    *Skeleton
	timeHorizon float64

	knots []float64
	poses [][]xform.Transform
	roots []xform.Transform

	start int
	count int

	scratchLocal []xform.Transform
	scratchComp  []xform.Transform
}

// NewBuffer returns a buffer spanning timeHorizon seconds with at least
// numKnots slots, rounded up to a power of two.
func NewBuffer(skeleton *Skeleton, timeHorizon float64, numKnots int) (*Buffer, error) {
	if err := skeleton.Validate(); err != nil {
		return nil, err
	}
	if timeHorizon <= 0 {
		return nil, fmt.Errorf("history: time horizon must be positive, got %v", timeHorizon)
	}
	if numKnots < 2 {
		return nil, fmt.Errorf("history: need at least 2 knots, got %d", numKnots)
	}

	capacity := nextPowerOfTwo(numKnots)
	b := &Buffer{
		skeleton:     skeleton,
		timeHorizon:  timeHorizon,
		knots:        make([]float64, capacity),
		poses:        make([][]xform.Transform, capacity),
		roots:        make([]xform.Transform, capacity),
		scratchLocal: make([]xform.Transform, skeleton.NumBones()),
		scratchComp:  make([]xform.Transform, skeleton.NumBones()),
	}
	for i := range b.poses {
		b.poses[i] = make([]xform.Transform, skeleton.NumBones())
	}
	return b, nil
}

// Skeleton returns the skeleton the buffer records poses for.
func (b *Buffer) Skeleton() *Skeleton { return b.skeleton }

// TimeHorizon returns the span of history the buffer retains, in seconds.
func (b *Buffer) TimeHorizon() float64 { return b.timeHorizon }

// SampleInterval returns the steady-state spacing between retained knots.
func (b *Buffer) SampleInterval() float64 {
	return b.timeHorizon / float64(len(b.knots)-1)
}

// Len returns the number of recorded knots.
func (b *Buffer) Len() int { return b.count }

// Capacity returns the knot capacity after power-of-two rounding.
func (b *Buffer) Capacity() int { return len(b.knots) }

// at maps a logical index (0 is oldest) to a ring slot.
func (b *Buffer) at(i int) int {
	return (b.start + i) & (len(b.knots) - 1)
}

// Reset discards all recorded knots.
func (b *Buffer) Reset() {
	b.start = 0
	b.count = 0
}

// Update ages every stored knot by deltaTime and records a new snapshot as
// the newest knot. Bones absent from the compact pose fall back to the
// skeleton reference pose. When the buffer is full, the oldest knot is
// retired only if the survivors still cover the time horizon and the
// previous newest knot has aged past the sample interval; otherwise the
// newest slot is rewritten in place.
func (b *Buffer) Update(deltaTime float64, root xform.Transform, pose CompactPose) error {
	if len(pose.BoneIndices) != len(pose.Transforms) {
		return fmt.Errorf("history: compact pose has %d bone indices but %d transforms",
			len(pose.BoneIndices), len(pose.Transforms))
	}

	for i := 0; i < b.count; i++ {
		b.knots[b.at(i)] += deltaTime
	}

	switch {
	case b.count < len(b.knots):
		b.count++
	case b.knots[b.at(1)] >= b.timeHorizon && b.knots[b.at(b.count-2)] >= b.SampleInterval():
		b.start = b.at(1)
	}

	newest := b.at(b.count - 1)
	b.knots[newest] = 0
	b.roots[newest] = root

	dst := b.poses[newest]
	copy(dst, b.skeleton.RefPose)
	for i, boneIdx := range pose.BoneIndices {
		if boneIdx < 0 || boneIdx >= b.skeleton.NumBones() {
			return fmt.Errorf("history: compact pose bone index %d out of range [0, %d)",
				boneIdx, b.skeleton.NumBones())
		}
		dst[boneIdx] = pose.Transforms[i]
	}
	return nil
}

// SampleLocalPose interpolates the full local-space skeleton pose at
// secondsAgo into dst and returns the interpolated root transform. It fails
// with ErrInsufficientHistory when the buffer does not reach that far back.
func (b *Buffer) SampleLocalPose(secondsAgo float64, dst []xform.Transform) (xform.Transform, error) {
	if len(dst) != b.skeleton.NumBones() {
		return xform.Transform{}, fmt.Errorf("history: destination has %d transforms, skeleton has %d bones",
			len(dst), b.skeleton.NumBones())
	}
	if b.count == 0 {
		return xform.Transform{}, ErrInsufficientHistory
	}

	// Find the youngest knot at least secondsAgo old. It forms the older
	// side of the interpolation bracket.
	older := -1
	for i := b.count - 1; i >= 0; i-- {
		if b.knots[b.at(i)] >= secondsAgo {
			older = i
			break
		}
	}
	if older < 0 {
		return xform.Transform{}, ErrInsufficientHistory
	}

	oSlot := b.at(older)
	if older == b.count-1 {
		copy(dst, b.poses[oSlot])
		return b.roots[oSlot], nil
	}

	nSlot := b.at(older + 1)
	alpha := (secondsAgo - b.knots[oSlot]) / (b.knots[nSlot] - b.knots[oSlot])
	for i := range dst {
		dst[i] = xform.Blend(b.poses[oSlot][i], b.poses[nSlot][i], alpha)
	}
	return xform.Blend(b.roots[oSlot], b.roots[nSlot], alpha), nil
}

// SampleComponentSpace interpolates the pose at secondsAgo, converts it to
// component space, and copies the requested bones into dst.
func (b *Buffer) SampleComponentSpace(secondsAgo float64, boneIndices []int, dst []xform.Transform) (xform.Transform, error) {
	if len(dst) != len(boneIndices) {
		return xform.Transform{}, fmt.Errorf("history: destination has %d transforms for %d bones",
			len(dst), len(boneIndices))
	}
	root, err := b.SampleLocalPose(secondsAgo, b.scratchLocal)
	if err != nil {
		return xform.Transform{}, err
	}
	b.skeleton.ComponentSpace(b.scratchComp, b.scratchLocal)
	for i, boneIdx := range boneIndices {
		if boneIdx < 0 || boneIdx >= b.skeleton.NumBones() {
			return xform.Transform{}, fmt.Errorf("history: bone index %d out of range [0, %d)",
				boneIdx, b.skeleton.NumBones())
		}
		dst[i] = b.scratchComp[boneIdx]
	}
	return root, nil
}

// Sample interpolates component-space transforms for the requested bones at
// secondsAgo and one sample interval further back, so callers can form
// finite-difference velocities. It returns the root transforms of both
// sample times.
func (b *Buffer) Sample(secondsAgo float64, boneIndices []int, cur, prev []xform.Transform) (curRoot, prevRoot xform.Transform, err error) {
	curRoot, err = b.SampleComponentSpace(secondsAgo, boneIndices, cur)
	if err != nil {
		return xform.Transform{}, xform.Transform{}, err
	}
	prevRoot, err = b.SampleComponentSpace(secondsAgo+b.SampleInterval(), boneIndices, prev)
	if err != nil {
		return xform.Transform{}, xform.Transform{}, err
	}
	return curRoot, prevRoot, nil
}

// LatestRoot returns the most recently recorded root transform.
func (b *Buffer) LatestRoot() (xform.Transform, error) {
	if b.count == 0 {
		return xform.Transform{}, ErrInsufficientHistory
	}
	return b.roots[b.at(b.count-1)], nil
}

// SampleRoot returns the root transform at secondsAgo expressed relative to
// the newest recorded root.
func (b *Buffer) SampleRoot(secondsAgo float64) (xform.Transform, error) {
	if b.count == 0 {
		return xform.Transform{}, ErrInsufficientHistory
	}
	root, err := b.SampleLocalPose(secondsAgo, b.scratchLocal)
	if err != nil {
		return xform.Transform{}, err
	}
	newest := b.roots[b.at(b.count-1)]
	return root.RelativeTo(newest), nil
}
