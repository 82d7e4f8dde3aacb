// Package xform provides the rigid transform math used by pose sampling and
// feature extraction: unit quaternion rotations, translation composition, and
// the finite-difference velocity formulas.
package xform

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a rigid transform (rotation followed by translation).
// Rotation must be a unit quaternion.
type Transform struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// FromParts builds a transform from a unit rotation and a translation.
func FromParts(rotation quat.Number, translation r3.Vec) Transform {
	return Transform{Rotation: rotation, Translation: translation}
}

// Apply transforms the point v.
func (t Transform) Apply(v r3.Vec) r3.Vec {
	return r3.Add(Rotate(t.Rotation, v), t.Translation)
}

// Mul composes transforms so that t.Mul(u).Apply(v) == t.Apply(u.Apply(v)),
// i.e. u is applied first, in t's space.
func (t Transform) Mul(u Transform) Transform {
	return Transform{
		Rotation:    UnitMul(t.Rotation, u.Rotation),
		Translation: t.Apply(u.Translation),
	}
}

// Inverse returns the inverse rigid transform.
func (t Transform) Inverse() Transform {
	inv := Conj(t.Rotation)
	return Transform{
		Rotation:    inv,
		Translation: r3.Scale(-1, Rotate(inv, t.Translation)),
	}
}

// RelativeTo expresses t in the space of base: base.Mul(result) == t.
func (t Transform) RelativeTo(base Transform) Transform {
	return base.Inverse().Mul(t)
}

// Blend interpolates between a and b by alpha. Translation is lerped and
// rotation uses shortest-arc normalized lerp.
func Blend(a, b Transform, alpha float64) Transform {
	return Transform{
		Rotation:    NlerpShortest(a.Rotation, b.Rotation, alpha),
		Translation: r3.Add(r3.Scale(1-alpha, a.Translation), r3.Scale(alpha, b.Translation)),
	}
}

// UnitMul multiplies two unit quaternions and renormalizes to counter drift.
func UnitMul(a, b quat.Number) quat.Number {
	return Normalize(quat.Mul(a, b))
}

// Conj returns the conjugate, which inverts a unit quaternion.
func Conj(q quat.Number) quat.Number {
	return quat.Conj(q)
}

// Normalize scales q to unit length. The zero quaternion maps to identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate rotates v by the unit quaternion q.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// AxisX returns the rotated X basis vector of q.
func AxisX(q quat.Number) r3.Vec { return Rotate(q, r3.Vec{X: 1}) }

// AxisY returns the rotated Y basis vector of q.
func AxisY(q quat.Number) r3.Vec { return Rotate(q, r3.Vec{Y: 1}) }

// AxisZ returns the rotated Z basis vector of q.
func AxisZ(q quat.Number) r3.Vec { return Rotate(q, r3.Vec{Z: 1}) }

// FromAxisAngle builds a unit quaternion rotating by angle radians around
// axis. The axis does not need to be normalized.
func FromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(angle/2) / n
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// FromAxes reconstructs a unit quaternion from an orthonormal basis given as
// column vectors. Uses Shepperd's method for numerical stability.
func FromAxes(x, y, z r3.Vec) quat.Number {
	// Rotation matrix columns are the rotated basis vectors.
	m00, m01, m02 := x.X, y.X, z.X
	m10, m11, m12 := x.Y, y.Y, z.Y
	m20, m21, m22 := x.Z, y.Z, z.Z

	trace := m00 + m11 + m22
	var q quat.Number
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m21 - m12) / s,
			Jmag: (m02 - m20) / s,
			Kmag: (m10 - m01) / s,
		}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{
			Real: (m21 - m12) / s,
			Imag: s / 4,
			Jmag: (m01 + m10) / s,
			Kmag: (m02 + m20) / s,
		}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{
			Real: (m02 - m20) / s,
			Imag: (m01 + m10) / s,
			Jmag: s / 4,
			Kmag: (m12 + m21) / s,
		}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{
			Real: (m10 - m01) / s,
			Imag: (m02 + m20) / s,
			Jmag: (m12 + m21) / s,
			Kmag: s / 4,
		}
	}
	return Normalize(q)
}

// Dot returns the quaternion inner product.
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// EnforceShortestArc returns q flipped in sign if needed so that it lies on
// the same hemisphere as reference. q and -q encode the same rotation but
// componentwise arithmetic on the pair is only meaningful on one hemisphere.
func EnforceShortestArc(q, reference quat.Number) quat.Number {
	if Dot(q, reference) < 0 {
		return quat.Scale(-1, q)
	}
	return q
}

// NlerpShortest interpolates between unit quaternions a and b by alpha along
// the shortest arc and renormalizes.
func NlerpShortest(a, b quat.Number, alpha float64) quat.Number {
	b = EnforceShortestArc(b, a)
	return Normalize(quat.Add(quat.Scale(1-alpha, a), quat.Scale(alpha, b)))
}

// AngularVelocity computes the angular velocity that rotates q0 into q1 over
// dt seconds.
//
// Given angular velocity vector w, quaternion differentiation is
//
//	dq/dt = (w * q) / 2
//
// solving for w with dq/dt expressed as the finite difference (q1 - q0) / dt
// gives w = 2 * ((q1 - q0) / dt) * q0^-1. q1 is first aligned to q0's
// hemisphere so a sign flip between the samples does not produce a spurious
// full-turn velocity.
func AngularVelocity(q0, q1 quat.Number, dt float64) r3.Vec {
	q1 = EnforceShortestArc(q1, q0)
	dqdt := quat.Scale(1/dt, quat.Sub(q1, q0))
	w := quat.Scale(2, quat.Mul(dqdt, quat.Conj(q0)))
	return r3.Vec{X: w.Imag, Y: w.Jmag, Z: w.Kmag}
}

// LinearVelocity computes the finite-difference translation velocity between
// two transforms over dt seconds.
func LinearVelocity(prev, cur Transform, dt float64) r3.Vec {
	return r3.Scale(1/dt, r3.Sub(cur.Translation, prev.Translation))
}
