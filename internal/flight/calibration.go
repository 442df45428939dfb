package flight

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/flightline-data/figure.report/internal/geom"
)

// Default field geometry for a standard F2B site, metres.
const (
	DefaultFlightRadius = 21.0 // flying line length, sphere radius
	DefaultMarkerRadius = 25.0 // radius of the marker circle
	DefaultMarkerHeight = 1.5  // marker circle elevation above the center marker
)

// Names of the reference markers used by the standard locating procedure,
// in the order they are placed.
const (
	MarkerCircleCenter = "circle_center"
	MarkerFront        = "front_marker"
	MarkerLeft         = "left_marker"
	MarkerRight        = "right_marker"
)

// Solver constants for the pose estimation.
const (
	maxSolveIterations   = 100
	solveStepTolerance   = 1e-10
	maxConditionNumber   = 1e12 // on the normal equations
	maxReprojectionRMSPx = 8.0
	collinearityEps      = 1e-6
)

// InsufficientMarkersError reports that too few usable marker
// correspondences were supplied to solve the camera pose.
type InsufficientMarkersError struct {
	Count     int
	Collinear bool
}

func (e *InsufficientMarkersError) Error() string {
	if e.Collinear {
		return fmt.Sprintf("calibration requires 3 non-collinear markers, got %d collinear ones", e.Count)
	}
	return fmt.Sprintf("calibration requires at least 3 markers, got %d", e.Count)
}

func (e *InsufficientMarkersError) calibrationError() {}

// DegenerateGeometryError reports that the solved camera pose is
// numerically unstable or did not fit the correspondences.
type DegenerateGeometryError struct {
	Cond         float64
	ReprojRMSPix float64
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("degenerate calibration geometry: cond=%.3g, reprojection rms=%.2fpx", e.Cond, e.ReprojRMSPix)
}

func (e *DegenerateGeometryError) calibrationError() {}

// IsCalibrationError reports whether err belongs to the calibration error
// taxonomy (insufficient markers or degenerate geometry).
func IsCalibrationError(err error) bool {
	type calErr interface{ calibrationError() }
	_, ok := err.(calErr)
	return ok
}

// Intrinsics holds the pinhole camera parameters.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// Marker is one pixel/world correspondence used for pose estimation.
type Marker struct {
	Name  string    `json:"name"`
	Pixel Pixel     `json:"pixel"`
	World geom.Vec3 `json:"world"`
}

// StandardMarkerWorlds returns the world positions of the four canonical
// locating markers for the given field geometry. The world frame is
// centered on the flight hemisphere center with +Z up and +Y toward the
// front marker; the center marker sits markerHeight below the center.
func StandardMarkerWorlds(markerRadius, markerHeight float64) map[string]geom.Vec3 {
	rcos45 := markerRadius * math.Sqrt2 / 2
	return map[string]geom.Vec3{
		MarkerCircleCenter: {X: 0, Y: 0, Z: -markerHeight},
		MarkerFront:        {X: 0, Y: markerRadius, Z: 0},
		MarkerLeft:         {X: -rcos45, Y: rcos45, Z: 0},
		MarkerRight:        {X: rcos45, Y: rcos45, Z: 0},
	}
}

// CalibrationInput bundles everything Calibrate needs for one session.
type CalibrationInput struct {
	Intrinsics Intrinsics
	Markers    []Marker
	Radius     float64   // hemisphere radius, metres
	Center     geom.Vec3 // hemisphere center in the world frame (sphere offset)
}

// CalibrationModel holds the solved camera pose and the flight hemisphere
// for one session. It is immutable after creation; recalibration produces
// a new model and invalidates previously reconstructed points.
type CalibrationModel struct {
	Intrinsics Intrinsics
	Rotation   geom.Mat3 // world -> camera
	Trans      geom.Vec3 // world -> camera translation
	Center     geom.Vec3 // hemisphere center, world frame
	Radius     float64   // hemisphere radius, metres

	camToWorld geom.Mat3
	camCenter  geom.Vec3
}

// CameraCenter returns the camera position in the world frame.
func (m *CalibrationModel) CameraCenter() geom.Vec3 { return m.camCenter }

// Project returns the world-frame camera ray through the given pixel.
func (m *CalibrationModel) Project(px Pixel) geom.Ray {
	dirCam := geom.Vec3{
		X: (px.U - m.Intrinsics.Cx) / m.Intrinsics.Fx,
		Y: (px.V - m.Intrinsics.Cy) / m.Intrinsics.Fy,
		Z: 1,
	}
	return geom.Ray{
		Origin: m.camCenter,
		Dir:    m.camToWorld.Apply(dirCam).Normalize(),
	}
}

// ProjectWorld projects a world point into the image. ok is false when the
// point is behind the camera.
func (m *CalibrationModel) ProjectWorld(p geom.Vec3) (Pixel, bool) {
	pc := m.Rotation.Apply(p).Add(m.Trans)
	if pc.Z <= 0 {
		return Pixel{}, false
	}
	return Pixel{
		U: m.Intrinsics.Fx*pc.X/pc.Z + m.Intrinsics.Cx,
		V: m.Intrinsics.Fy*pc.Y/pc.Z + m.Intrinsics.Cy,
	}, true
}

// Calibrate solves the camera extrinsics from marker correspondences and
// returns the session calibration model. It needs at least 3 non-collinear
// markers and fails with DegenerateGeometryError when the pose solve is
// numerically unstable.
func Calibrate(in CalibrationInput) (*CalibrationModel, error) {
	if in.Radius <= 0 {
		return nil, fmt.Errorf("hemisphere radius must be positive, got %g", in.Radius)
	}
	if in.Intrinsics.Fx == 0 || in.Intrinsics.Fy == 0 {
		return nil, fmt.Errorf("camera intrinsics are required (fx=%g, fy=%g)", in.Intrinsics.Fx, in.Intrinsics.Fy)
	}
	n := len(in.Markers)
	if n < 3 {
		return nil, &InsufficientMarkersError{Count: n}
	}
	if markersCollinear(in.Markers) {
		return nil, &InsufficientMarkersError{Count: n, Collinear: true}
	}

	rot, trans, cond, rms := solvePose(in)
	if cond > maxConditionNumber || math.IsNaN(rms) || rms > maxReprojectionRMSPx {
		return nil, &DegenerateGeometryError{Cond: cond, ReprojRMSPix: rms}
	}

	inv := rot.Transpose()
	return &CalibrationModel{
		Intrinsics: in.Intrinsics,
		Rotation:   rot,
		Trans:      trans,
		Center:     in.Center,
		Radius:     in.Radius,
		camToWorld: inv,
		camCenter:  inv.Apply(trans.Scale(-1)),
	}, nil
}

// markersCollinear reports whether all marker world points lie on one line.
func markersCollinear(markers []Marker) bool {
	p0 := markers[0].World
	var base geom.Vec3
	for _, m := range markers[1:] {
		d := m.World.Sub(p0)
		if d.Norm() > collinearityEps {
			base = d.Normalize()
			break
		}
	}
	if base.Norm() == 0 {
		return true // all points coincident
	}
	for _, m := range markers[1:] {
		if m.World.Sub(p0).Cross(base).Norm() > collinearityEps {
			return false
		}
	}
	return true
}

// solvePose estimates the camera pose over a rotation-vector +
// translation parameterization. Returns the pose together with the
// condition number of the final normal equations and the reprojection RMS.
func solvePose(in CalibrationInput) (geom.Mat3, geom.Vec3, float64, float64) {
	// The camera can stand anywhere around the circle, so the solve is
	// repeated from an initial guess at each compass position and the
	// lowest-residual solution wins.
	var centroid geom.Vec3
	for _, m := range in.Markers {
		centroid = centroid.Add(m.World)
	}
	centroid = centroid.Scale(1 / float64(len(in.Markers)))

	var (
		bestRot  geom.Mat3
		bestT    geom.Vec3
		bestCond = math.Inf(1)
		bestRMS  = math.Inf(1)
		first    = true
	)
	for _, dir := range []geom.Vec3{{Y: -1}, {Y: 1}, {X: -1}, {X: 1}} {
		eye := centroid.Add(dir.Scale(1.5 * in.Radius)).Add(geom.Vec3{Z: 0.05 * in.Radius})
		rot, trans, cond, rms := solvePoseFrom(in, eye, centroid)
		if first || rms < bestRMS {
			bestRot, bestT, bestCond, bestRMS = rot, trans, cond, rms
			first = false
		}
	}
	return bestRot, bestT, bestCond, bestRMS
}

// solvePoseFrom runs a damped Gauss-Newton refinement of the camera pose
// from one initial eye position looking at the marker centroid.
func solvePoseFrom(in CalibrationInput, eye, centroid geom.Vec3) (geom.Mat3, geom.Vec3, float64, float64) {
	markers := in.Markers
	rot0 := geom.LookAt(eye, centroid)

	params := make([]float64, 6)
	w0 := rotationToAxisAngle(rot0)
	t0 := rot0.Apply(eye.Scale(-1))
	params[0], params[1], params[2] = w0.X, w0.Y, w0.Z
	params[3], params[4], params[5] = t0.X, t0.Y, t0.Z

	resid := func(p []float64) []float64 {
		rot := geom.RotationFromAxisAngle(geom.Vec3{X: p[0], Y: p[1], Z: p[2]})
		trans := geom.Vec3{X: p[3], Y: p[4], Z: p[5]}
		out := make([]float64, 2*len(markers))
		for i, m := range markers {
			pc := rot.Apply(m.World).Add(trans)
			z := pc.Z
			if z < 1e-9 {
				z = 1e-9
			}
			out[2*i] = in.Intrinsics.Fx*pc.X/z + in.Intrinsics.Cx - m.Pixel.U
			out[2*i+1] = in.Intrinsics.Fy*pc.Y/z + in.Intrinsics.Cy - m.Pixel.V
		}
		return out
	}

	nr := 2 * len(markers)
	var cond float64
	for iter := 0; iter < maxSolveIterations; iter++ {
		r := resid(params)

		// Numeric Jacobian, central differences.
		jac := mat.NewDense(nr, 6, nil)
		for j := 0; j < 6; j++ {
			h := 1e-6
			pp := append([]float64(nil), params...)
			pm := append([]float64(nil), params...)
			pp[j] += h
			pm[j] -= h
			rp := resid(pp)
			rm := resid(pm)
			for i := 0; i < nr; i++ {
				jac.Set(i, j, (rp[i]-rm[i])/(2*h))
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		// Light damping keeps the solve stable far from the optimum.
		for d := 0; d < 6; d++ {
			jtj.Set(d, d, jtj.At(d, d)+1e-9)
		}
		cond = mat.Cond(&jtj, 2)
		if cond > maxConditionNumber {
			break
		}

		rv := mat.NewVecDense(nr, r)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), rv)

		var delta mat.VecDense
		if err := delta.SolveVec(&jtj, &jtr); err != nil {
			cond = math.Inf(1)
			break
		}

		// Backtracking keeps the solve stable when the initial guess is far
		// from the optimum.
		cur := normSq(r)
		step := 1.0
		var next []float64
		for back := 0; back < 8; back++ {
			next = append([]float64(nil), params...)
			for j := 0; j < 6; j++ {
				next[j] -= step * delta.AtVec(j)
			}
			if normSq(resid(next)) <= cur {
				break
			}
			step /= 2
		}

		var stepNorm float64
		for j := 0; j < 6; j++ {
			d := next[j] - params[j]
			stepNorm += d * d
		}
		params = next
		if math.Sqrt(stepNorm) < solveStepTolerance {
			break
		}
	}

	rot := geom.RotationFromAxisAngle(geom.Vec3{X: params[0], Y: params[1], Z: params[2]})
	trans := geom.Vec3{X: params[3], Y: params[4], Z: params[5]}

	r := resid(params)
	var ss float64
	for _, v := range r {
		ss += v * v
	}
	rms := math.Sqrt(ss / float64(len(r)))
	return rot, trans, cond, rms
}

func normSq(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return s
}

// rotationToAxisAngle is the inverse of geom.RotationFromAxisAngle.
func rotationToAxisAngle(m geom.Mat3) geom.Vec3 {
	trace := m[0] + m[4] + m[8]
	c := geom.Clamp((trace-1)/2, -1, 1)
	theta := math.Acos(c)
	if theta < 1e-12 {
		return geom.Vec3{}
	}
	s := 2 * math.Sin(theta)
	axis := geom.Vec3{
		X: (m[7] - m[5]) / s,
		Y: (m[2] - m[6]) / s,
		Z: (m[3] - m[1]) / s,
	}
	return axis.Scale(theta)
}
