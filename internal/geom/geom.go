// Package geom provides the small set of 3D vector and spherical-geometry
// primitives used by the flight reconstruction pipeline. All angles are in
// radians unless a name says otherwise.
package geom

import "math"

// Vec3 is a 3D vector or point in metres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Dot returns the dot product of v and w.
func (v Vec3) Dot(w Vec3) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Cross returns the cross product of v and w.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v.Y*w.Z - v.Z*w.Y,
		v.Z*w.X - v.X*w.Z,
		v.X*w.Y - v.Y*w.X,
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Mat3 is a 3x3 row-major matrix.
type Mat3 [9]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Apply returns M * v.
func (m Mat3) Apply(v Vec3) Vec3 {
	return Vec3{
		m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Mul returns m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i*3+k] * n[k*3+j]
			}
			out[i*3+j] = s
		}
	}
	return out
}

// RotZ returns the rotation matrix for a rotation of angle radians about
// the +Z axis (counterclockwise looking down).
func RotZ(angle float64) Mat3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Mat3{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}

// RotationFromAxisAngle converts a rotation vector (axis scaled by angle,
// Rodrigues form) into a rotation matrix.
func RotationFromAxisAngle(w Vec3) Mat3 {
	theta := w.Norm()
	if theta < 1e-12 {
		return Identity3()
	}
	k := w.Scale(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return Mat3{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	}
}

// LookAt builds a world-to-camera rotation for a camera at eye looking at
// target, with the world +Z axis as up. Camera convention: +X right,
// +Y down, +Z forward (into the scene).
func LookAt(eye, target Vec3) Mat3 {
	fwd := target.Sub(eye).Normalize()
	worldUp := Vec3{0, 0, 1}
	right := fwd.Cross(worldUp).Normalize()
	if right.Norm() == 0 {
		// Looking straight up or down; pick an arbitrary right.
		right = Vec3{1, 0, 0}
	}
	down := fwd.Cross(right).Normalize()
	return Mat3{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		fwd.X, fwd.Y, fwd.Z,
	}
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }
