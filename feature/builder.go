// Package feature writes and reads named features into and out of flat float
// vectors addressed through a schema layout.
package feature

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/searchindex"
	"github.com/hupe1980/posematch/xform"
)

// Builder incrementally assembles a feature vector. It maintains two parallel
// representations: raw values in physical units and normalized values in the
// preprocessed comparison domain. An added bitset tracks completeness.
type Builder struct {
	schema     *schema.Schema
	raw        []float32
	normalized []float32
	added      *bitset.BitSet
}

// NewBuilder returns a builder with zero-filled buffers sized to the schema
// layout.
func NewBuilder(s *schema.Schema) *Builder {
	b := &Builder{schema: s}
	b.raw = make([]float32, s.Layout.NumFloats)
	b.normalized = make([]float32, s.Layout.NumFloats)
	b.added = bitset.New(uint(len(s.Layout.Features)))
	return b
}

// Schema returns the schema the builder was initialized with.
func (b *Builder) Schema() *schema.Schema {
	return b.schema
}

// Reset zero-fills both buffers and clears the added bitset.
func (b *Builder) Reset() {
	clear(b.raw)
	clear(b.normalized)
	b.added.ClearAll()
}

// Raw returns the raw (physical-unit) values.
func (b *Builder) Raw() []float32 {
	return b.raw
}

// Normalized returns the normalized (comparison-domain) values.
func (b *Builder) Normalized() []float32 {
	return b.normalized
}

// IsComplete reports whether every feature in the layout has been added.
func (b *Builder) IsComplete() bool {
	return b.added.Count() == uint(len(b.schema.Layout.Features))
}

func (b *Builder) markAdded(featureIdx int) {
	b.added.Set(uint(featureIdx))
}

func (b *Builder) setVector(f schema.Feature, v r3.Vec) {
	i := b.schema.Layout.Find(f)
	if i < 0 {
		return
	}
	found := b.schema.Layout.Features[i]
	b.raw[found.ValueOffset+0] = float32(v.X)
	b.raw[found.ValueOffset+1] = float32(v.Y)
	b.raw[found.ValueOffset+2] = float32(v.Z)
	b.markAdded(i)
}

// SetPosition writes a position feature. Features absent from the layout are
// silently skipped.
func (b *Builder) SetPosition(f schema.Feature, position r3.Vec) {
	f.Type = schema.FeatureTypePosition
	b.setVector(f, position)
}

// SetRotation writes a rotation feature as the rotated X and Y basis columns.
func (b *Builder) SetRotation(f schema.Feature, rotation quat.Number) {
	f.Type = schema.FeatureTypeRotation
	i := b.schema.Layout.Find(f)
	if i < 0 {
		return
	}
	x := xform.AxisX(rotation)
	y := xform.AxisY(rotation)

	found := b.schema.Layout.Features[i]
	b.raw[found.ValueOffset+0] = float32(x.X)
	b.raw[found.ValueOffset+1] = float32(x.Y)
	b.raw[found.ValueOffset+2] = float32(x.Z)
	b.raw[found.ValueOffset+3] = float32(y.X)
	b.raw[found.ValueOffset+4] = float32(y.Y)
	b.raw[found.ValueOffset+5] = float32(y.Z)
	b.markAdded(i)
}

// SetLinearVelocity writes the finite-difference translation velocity between
// prev and cur over dt seconds.
func (b *Builder) SetLinearVelocity(f schema.Feature, cur, prev xform.Transform, dt float32) {
	f.Type = schema.FeatureTypeLinearVelocity
	b.setVector(f, xform.LinearVelocity(prev, cur, float64(dt)))
}

// SetAngularVelocity writes the finite-difference angular velocity between
// prev and cur over dt seconds, with shortest-arc correction.
func (b *Builder) SetAngularVelocity(f schema.Feature, cur, prev xform.Transform, dt float32) {
	f.Type = schema.FeatureTypeAngularVelocity
	b.setVector(f, xform.AngularVelocity(prev.Rotation, cur.Rotation, float64(dt)))
}

// SetTransform writes the position and rotation features of f.
func (b *Builder) SetTransform(f schema.Feature, t xform.Transform) {
	b.SetPosition(f, t.Translation)
	b.SetRotation(f, t.Rotation)
}

// SetTransformDerivative writes the linear and angular velocity features
// of f.
func (b *Builder) SetTransformDerivative(f schema.Feature, cur, prev xform.Transform, dt float32) {
	b.SetLinearVelocity(f, cur, prev, dt)
	b.SetAngularVelocity(f, cur, prev, dt)
}

// Normalize recomputes the normalized buffer by applying the forward
// preprocessing transform to the raw values.
func (b *Builder) Normalize(info *searchindex.PreprocessInfo) error {
	if info.NumDimensions != b.schema.Layout.NumFloats {
		return fmt.Errorf("feature: preprocess info has %d dimensions, layout has %d",
			info.NumDimensions, b.schema.Layout.NumFloats)
	}
	info.Apply(b.normalized, b.raw)
	return nil
}

// CopyFromIndex extracts both representations of a stored pose: normalized
// values verbatim and raw values through the inverse preprocessing transform.
// All features are marked complete.
func (b *Builder) CopyFromIndex(idx *searchindex.Index, poseIdx int) error {
	if idx.Schema.Layout.NumFloats != b.schema.Layout.NumFloats {
		return fmt.Errorf("feature: builder layout has %d floats, index layout has %d",
			b.schema.Layout.NumFloats, idx.Schema.Layout.NumFloats)
	}
	if poseIdx < 0 || poseIdx >= idx.NumPoses {
		return fmt.Errorf("feature: pose index %d out of range [0, %d)", poseIdx, idx.NumPoses)
	}

	copy(b.normalized, idx.PoseValues(poseIdx))
	idx.PreprocessInfo.ApplyInverse(b.raw, b.normalized)

	for i := range b.schema.Layout.Features {
		b.added.Set(uint(i))
	}
	return nil
}

// MergeReplace copies the features marked added in other into b, overwriting
// the corresponding slots in both buffers. The schemas must match.
func (b *Builder) MergeReplace(other *Builder) error {
	if other.schema != b.schema {
		return fmt.Errorf("feature: cannot merge builders with different schemas")
	}
	for i, ok := other.added.NextSet(0); ok; i, ok = other.added.NextSet(i + 1) {
		f := b.schema.Layout.Features[i]
		for axis := 0; axis < f.Type.NumFloats(); axis++ {
			b.raw[f.ValueOffset+axis] = other.raw[f.ValueOffset+axis]
			b.normalized[f.ValueOffset+axis] = other.normalized[f.ValueOffset+axis]
		}
		b.markAdded(int(i))
	}
	return nil
}
