package feature

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/posematch/schema"
	"github.com/hupe1980/posematch/xform"
)

// Reader decodes named features from a flat value slice addressed through a
// schema layout. The zero value is not usable; construct with NewReader.
type Reader struct {
	schema *schema.Schema
	values []float32
}

// NewReader returns a reader over values, which must have the layout's
// float count.
func NewReader(s *schema.Schema, values []float32) *Reader {
	return &Reader{schema: s, values: values}
}

func (r *Reader) vector(f schema.Feature) (r3.Vec, bool) {
	i := r.schema.Layout.Find(f)
	if i < 0 {
		return r3.Vec{}, false
	}
	off := r.schema.Layout.Features[i].ValueOffset
	return r3.Vec{
		X: float64(r.values[off+0]),
		Y: float64(r.values[off+1]),
		Z: float64(r.values[off+2]),
	}, true
}

// GetPosition returns the position feature of f, if present.
func (r *Reader) GetPosition(f schema.Feature) (r3.Vec, bool) {
	f.Type = schema.FeatureTypePosition
	return r.vector(f)
}

// GetLinearVelocity returns the linear velocity feature of f, if present.
func (r *Reader) GetLinearVelocity(f schema.Feature) (r3.Vec, bool) {
	f.Type = schema.FeatureTypeLinearVelocity
	return r.vector(f)
}

// GetAngularVelocity returns the angular velocity feature of f, if present.
func (r *Reader) GetAngularVelocity(f schema.Feature) (r3.Vec, bool) {
	f.Type = schema.FeatureTypeAngularVelocity
	return r.vector(f)
}

// GetRotation reconstructs a rotation from its stored X and Y basis columns.
// The Z column is recovered by cross product before converting the resulting
// orthonormal frame back to a quaternion.
func (r *Reader) GetRotation(f schema.Feature) (quat.Number, bool) {
	f.Type = schema.FeatureTypeRotation
	i := r.schema.Layout.Find(f)
	if i < 0 {
		return quat.Number{}, false
	}
	off := r.schema.Layout.Features[i].ValueOffset
	x := r3.Vec{
		X: float64(r.values[off+0]),
		Y: float64(r.values[off+1]),
		Z: float64(r.values[off+2]),
	}
	y := r3.Vec{
		X: float64(r.values[off+3]),
		Y: float64(r.values[off+4]),
		Z: float64(r.values[off+5]),
	}
	z := r3.Cross(x, y)
	return xform.FromAxes(x, y, z), true
}

// GetTransform returns the combined position and rotation of f. Missing
// components default to identity.
func (r *Reader) GetTransform(f schema.Feature) xform.Transform {
	t := xform.Identity()
	if p, ok := r.GetPosition(f); ok {
		t.Translation = p
	}
	if q, ok := r.GetRotation(f); ok {
		t.Rotation = q
	}
	return t
}
