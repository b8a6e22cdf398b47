// Package geom holds the small amount of vector math the scheduler and the
// transform component need.
package geom

import "math"

// Vec3 is a 3D vector in world units.
type Vec3 struct {
	X, Y, Z float64
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// SqrLen returns the squared length.
func (v Vec3) SqrLen() float64 {
	return v.Dot(v)
}

// SqrDist returns the squared distance between v and o.
func (v Vec3) SqrDist(o Vec3) float64 {
	return v.Sub(o).SqrLen()
}

// Normalize returns v scaled to unit length. The zero vector is returned as is.
func (v Vec3) Normalize() Vec3 {
	l := math.Sqrt(v.SqrLen())
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

// Finite reports whether every coordinate is a finite number.
func (v Vec3) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Quat is a rotation quaternion.
type Quat struct {
	X, Y, Z, W float64
}

// Identity is the no-rotation quaternion.
var Identity = Quat{W: 1}

// Finite reports whether every component is a finite number.
func (q Quat) Finite() bool {
	return finite(q.X) && finite(q.Y) && finite(q.Z) && finite(q.W)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
