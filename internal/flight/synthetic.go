package flight

import (
	"math"
	"math/rand"

	"github.com/flightline-data/figure.report/internal/geom"
)

// SyntheticGenerator produces synthetic detection streams for testing and
// demos: ideal figure paths on the hemisphere, projected through a known
// camera into pixel detections.
type SyntheticGenerator struct {
	Model     *CalibrationModel
	FrameRate float64 // frames per second
	NoisePx   float64 // gaussian pixel noise sigma
	rng       *rand.Rand

	frame int64
	nanos int64
}

// NewSyntheticGenerator creates a generator over a calibrated camera.
// Seed fixes the noise stream for reproducible tests.
func NewSyntheticGenerator(model *CalibrationModel, seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{
		Model:     model,
		FrameRate: 30.0,
		rng:       rand.New(rand.NewSource(seed)),
		nanos:     1_000_000_000,
	}
}

// SyntheticCamera builds a plausible calibrated camera for a standard
// field: 1080p pinhole at the video judging position, solved from the four
// canonical markers.
func SyntheticCamera() (*CalibrationModel, error) {
	intr := Intrinsics{Fx: 1400, Fy: 1400, Cx: 960, Cy: 540}
	// The camera stands outside the marker circle on the maneuver side, so
	// figures flown around the front marker are on the near surface.
	eye := geom.Vec3{X: 0, Y: 1.25 * DefaultMarkerRadius, Z: 1.6}
	rot := geom.LookAt(eye, geom.Vec3{X: 0, Y: 0, Z: DefaultFlightRadius * 0.35})
	trans := rot.Apply(eye.Scale(-1))

	exact := &CalibrationModel{
		Intrinsics: intr,
		Rotation:   rot,
		Trans:      trans,
		Radius:     DefaultFlightRadius,
		camToWorld: rot.Transpose(),
		camCenter:  eye,
	}

	worlds := StandardMarkerWorlds(DefaultMarkerRadius, DefaultMarkerHeight)
	markers := make([]Marker, 0, len(worlds))
	for _, name := range []string{MarkerCircleCenter, MarkerFront, MarkerLeft, MarkerRight} {
		w := worlds[name]
		px, ok := exact.ProjectWorld(w)
		if !ok {
			continue
		}
		markers = append(markers, Marker{Name: name, Pixel: px, World: w})
	}

	return Calibrate(CalibrationInput{
		Intrinsics: intr,
		Markers:    markers,
		Radius:     DefaultFlightRadius,
	})
}

// FigurePath samples a figure's ideal curve on the hemisphere in flight
// order: count points along each component circle in sequence.
func FigurePath(tmpl *ManeuverTemplate, yawDeg float64, count int, radius float64, center geom.Vec3) []geom.Vec3 {
	var out []geom.Vec3
	for _, c := range tmpl.Components {
		yc := c.Yawed(geom.Radians(yawDeg))
		for _, u := range geom.PointsOnCircle(yc.Axis, yc.D, count) {
			out = append(out, center.Add(u.Scale(radius)))
		}
	}
	return out
}

// RotateClosedPath rotates a closed sampled circle (last point repeats the
// first) so it starts at the sample nearest entry. Used to stitch a figure
// onto the end of a level approach without a position jump.
func RotateClosedPath(path []geom.Vec3, entry geom.Vec3) []geom.Vec3 {
	if len(path) < 2 {
		return path
	}
	open := path[:len(path)-1]
	best, bestDist := 0, math.Inf(1)
	for i, p := range open {
		if d := p.Sub(entry).Norm(); d < bestDist {
			best, bestDist = i, d
		}
	}
	out := make([]geom.Vec3, 0, len(path))
	out = append(out, open[best:]...)
	out = append(out, open[:best]...)
	out = append(out, open[best])
	return out
}

// LevelPath samples level flight along the base circle between two
// azimuths (degrees), at the hemisphere's equator.
func LevelPath(fromDeg, toDeg float64, count int, radius float64, center geom.Vec3) []geom.Vec3 {
	out := make([]geom.Vec3, 0, count+1)
	for i := 0; i <= count; i++ {
		a := geom.Radians(fromDeg + (toDeg-fromDeg)*float64(i)/float64(count))
		out = append(out, center.Add(geom.Vec3{X: radius * math.Cos(a), Y: radius * math.Sin(a), Z: 0}))
	}
	return out
}

// Observe projects the next world point into a pixel detection, advancing
// the frame clock. ok is false when the point is behind the camera.
func (g *SyntheticGenerator) Observe(world geom.Vec3, confidence float64) (Observation, bool) {
	g.frame++
	g.nanos += int64(1e9 / g.FrameRate)

	px, ok := g.Model.ProjectWorld(world)
	if !ok {
		return Observation{FrameIndex: g.frame, UnixNanos: g.nanos}, false
	}
	if g.NoisePx > 0 {
		px.U += g.rng.NormFloat64() * g.NoisePx
		px.V += g.rng.NormFloat64() * g.NoisePx
	}
	return Observation{
		FrameIndex: g.frame,
		UnixNanos:  g.nanos,
		Detection: &Detection{
			Pixel:      px,
			FrameIndex: g.frame,
			UnixNanos:  g.nanos,
			Confidence: confidence,
		},
	}, true
}

// Gap emits an explicit no-detection observation for the next frame.
func (g *SyntheticGenerator) Gap() Observation {
	g.frame++
	g.nanos += int64(1e9 / g.FrameRate)
	return Observation{FrameIndex: g.frame, UnixNanos: g.nanos}
}
