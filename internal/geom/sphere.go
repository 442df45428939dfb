package geom

import "math"

// Ray is a half-line with a unit direction.
type Ray struct {
	Origin Vec3
	Dir    Vec3
}

// At returns the point at parameter t along the ray.
func (r Ray) At(t float64) Vec3 { return r.Origin.Add(r.Dir.Scale(t)) }

// AngleBetween returns the angle in radians between two directions as seen
// from the origin. Inputs need not be normalized.
func AngleBetween(a, b Vec3) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Acos(Clamp(a.Dot(b)/(na*nb), -1, 1))
}

// GreatCircleAngle returns the central angle between two unit vectors on a
// sphere. For unit inputs this equals the great-circle distance in radians.
func GreatCircleAngle(a, b Vec3) float64 {
	// atan2 form is numerically stable for both tiny and near-pi angles.
	return math.Atan2(a.Cross(b).Norm(), a.Dot(b))
}

// IntersectSphere intersects the ray with a sphere and returns the
// intersection nearer to the ray origin. ok is false when the ray misses
// the sphere or the sphere is entirely behind the ray.
func IntersectSphere(r Ray, center Vec3, radius float64) (p Vec3, ok bool) {
	oc := r.Origin.Sub(center)
	b := oc.Dot(r.Dir)
	c := oc.Dot(oc) - radius*radius
	disc := b*b - c
	if disc < 0 {
		return Vec3{}, false
	}
	sq := math.Sqrt(disc)
	t := -b - sq
	if t < 0 {
		t = -b + sq
	}
	if t < 0 {
		return Vec3{}, false
	}
	return r.At(t), true
}

// ClosestSpherePoint returns the point on the sphere surface closest to the
// ray, and the miss distance between the ray and that point. When the ray
// intersects the sphere the miss distance is zero and the near intersection
// is returned.
func ClosestSpherePoint(r Ray, center Vec3, radius float64) (p Vec3, missDist float64) {
	if hit, ok := IntersectSphere(r, center, radius); ok {
		return hit, 0
	}
	// Closest approach of the ray to the sphere center.
	t := center.Sub(r.Origin).Dot(r.Dir)
	if t < 0 {
		t = 0
	}
	nearest := r.At(t)
	toNearest := nearest.Sub(center)
	d := toNearest.Norm()
	if d == 0 {
		// Ray passes through the center; any surface point on the ray works.
		return r.At(t + radius), 0
	}
	surface := center.Add(toNearest.Scale(radius / d))
	return surface, math.Abs(d - radius)
}

// PointsOnCircle samples n+1 points (closed) on the small circle of a unit
// sphere whose plane has unit normal axis and offset d = cos(angular
// radius). For d == 0 this is a great circle.
func PointsOnCircle(axis Vec3, d float64, n int) []Vec3 {
	axis = axis.Normalize()
	// Build an orthonormal basis {u, v} for the circle plane.
	ref := Vec3{0, 0, 1}
	if math.Abs(axis.Z) > 0.9 {
		ref = Vec3{1, 0, 0}
	}
	u := axis.Cross(ref).Normalize()
	v := axis.Cross(u).Normalize()

	rc := math.Sqrt(math.Max(0, 1-d*d)) // circle radius on the unit sphere
	c := axis.Scale(d)                  // circle center
	pts := make([]Vec3, 0, n+1)
	for i := 0; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts = append(pts, c.Add(u.Scale(rc*math.Cos(a))).Add(v.Scale(rc*math.Sin(a))))
	}
	return pts
}
