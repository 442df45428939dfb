package flight

import (
	"fmt"
	"math"
	"sort"

	"github.com/flightline-data/figure.report/internal/geom"
)

// ManeuverType tags a nominal figure from the competition catalog.
type ManeuverType string

const (
	ManeuverLoop             ManeuverType = "loop"
	ManeuverTopLoop          ManeuverType = "top_loop"
	ManeuverHorizontalCircle ManeuverType = "horizontal_circle"
	ManeuverHorizontalEight  ManeuverType = "horizontal_eight"
	ManeuverVerticalEight    ManeuverType = "vertical_eight"
	ManeuverOverheadEight    ManeuverType = "overhead_eight"
	ManeuverWingover         ManeuverType = "wingover"
	ManeuverClimb45          ManeuverType = "forty_five_circle"
	// ManeuverUnknown is the provisional hypothesis before a segment has
	// enough shape to guess, and the "unmatched" value in results.
	ManeuverUnknown ManeuverType = ""
)

// Figure geometry constants on the unit sphere, inherited from the rule
// book: a regulation inside loop is a small circle of angular radius 22.5
// degrees whose axis sits at 22.5 degrees elevation, so the loop spans the
// base to the 45-degree latitude.
const (
	loopAngularRadiusDeg = 22.5
	loopAxisElevationDeg = 22.5    // inside loop axis elevation
	topLoopAxisElevDeg   = 67.5    // overhead loop axis elevation
	horizEightYawDeg     = 24.47   // yaw of each lobe of the horizontal eight
	overheadEightYawDeg  = 90.0    // yaw of each lobe of the overhead eight
	fortyFiveLatitudeDeg = 45.0    // the 45-degree climb reference parallel
)

// SphereCircle is one circular component of a figure template on the unit
// sphere: the set of points p with p.Axis = D. D = cos(angular radius);
// D == 0 is a great circle.
type SphereCircle struct {
	Axis geom.Vec3 `json:"axis"` // unit plane normal
	D    float64   `json:"d"`
}

// AngularRadius returns the circle's angular radius in radians.
func (c SphereCircle) AngularRadius() float64 {
	return math.Acos(geom.Clamp(c.D, -1, 1))
}

// Yawed returns the circle rotated about the world +Z axis.
func (c SphereCircle) Yawed(yawRad float64) SphereCircle {
	return SphereCircle{Axis: geom.RotZ(yawRad).Apply(c.Axis), D: c.D}
}

// ManeuverTemplate is an immutable, hand-authored description of a nominal
// figure: its circular components on the unit sphere plus the tolerance
// bands compliance is judged against. Templates are registered once at
// startup and shared read-only by all scoring operations.
type ManeuverTemplate struct {
	Type       ManeuverType   `json:"type"`
	Components []SphereCircle `json:"components"`

	// Cheap pre-filter bounds applied before alignment fitting.
	MinTurns     int     `json:"min_turns"`
	MaxTurns     int     `json:"max_turns"`
	MinArcLenRad float64 `json:"min_arc_len_rad"`
	MaxArcLenRad float64 `json:"max_arc_len_rad"`

	// Tolerance bands. Deviations are normalized by these; the outer band
	// multiplier defines "no match under any tolerance".
	RadiusTolFrac float64 `json:"radius_tol_frac"` // fractional radius error
	HeightTolFrac float64 `json:"height_tol_frac"` // height-above-base error, fraction of R
	AxisTolDeg    float64 `json:"axis_tol_deg"`    // symmetry-axis misalignment
	OuterTolScale float64 `json:"outer_tol_scale"` // normalized score beyond which the figure is unmatched
}

// SamplePath emits n points per component of the template's ideal curve,
// yawed about +Z by yawRad. Used by the scorer's diagnostics and the
// report plots.
func (t *ManeuverTemplate) SamplePath(yawRad float64, n int) []geom.Vec3 {
	var pts []geom.Vec3
	for _, c := range t.Components {
		yc := c.Yawed(yawRad)
		pts = append(pts, geom.PointsOnCircle(yc.Axis, yc.D, n)...)
	}
	return pts
}

// Library is the registry of maneuver templates for one session. New
// maneuver types are added by registering a template, not by subclassing
// behavior. The library is read-only after load; no locking is required
// during scoring.
type Library struct {
	templates map[ManeuverType]*ManeuverTemplate
}

// NewLibrary creates an empty template library.
func NewLibrary() *Library {
	return &Library{templates: make(map[ManeuverType]*ManeuverTemplate)}
}

// Register adds a template. Registering the same type twice is an error.
func (l *Library) Register(t *ManeuverTemplate) error {
	if t.Type == ManeuverUnknown {
		return fmt.Errorf("template type must not be empty")
	}
	if _, dup := l.templates[t.Type]; dup {
		return fmt.Errorf("template %q already registered", t.Type)
	}
	if t.OuterTolScale <= 1 {
		return fmt.Errorf("template %q: outer tolerance scale must exceed 1, got %g", t.Type, t.OuterTolScale)
	}
	l.templates[t.Type] = t
	return nil
}

// Get returns the template for a type, or nil.
func (l *Library) Get(typ ManeuverType) *ManeuverTemplate {
	return l.templates[typ]
}

// Types returns the registered types in stable order.
func (l *Library) Types() []ManeuverType {
	out := make([]ManeuverType, 0, len(l.templates))
	for typ := range l.templates {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns all registered templates in stable type order.
func (l *Library) All() []*ManeuverTemplate {
	types := l.Types()
	out := make([]*ManeuverTemplate, 0, len(types))
	for _, typ := range types {
		out = append(out, l.templates[typ])
	}
	return out
}

// loopCircle returns the small circle of a regulation loop whose axis has
// the given elevation, yawed about +Z.
func loopCircle(axisElevDeg, yawDeg float64) SphereCircle {
	elev := geom.Radians(axisElevDeg)
	axis := geom.Vec3{X: 0, Y: math.Cos(elev), Z: math.Sin(elev)}
	return SphereCircle{Axis: axis, D: math.Cos(geom.Radians(loopAngularRadiusDeg))}.Yawed(geom.Radians(yawDeg))
}

// DefaultLibrary returns the standard F2B figure catalog.
func DefaultLibrary() *Library {
	l := NewLibrary()

	defaults := func(t *ManeuverTemplate) *ManeuverTemplate {
		t.RadiusTolFrac = 0.12
		t.HeightTolFrac = 0.10
		t.AxisTolDeg = 8.0
		t.OuterTolScale = 2.0
		return t
	}

	must := func(t *ManeuverTemplate) {
		if err := l.Register(t); err != nil {
			panic(err) // registration of the built-in catalog cannot fail
		}
	}

	must(defaults(&ManeuverTemplate{
		Type:         ManeuverLoop,
		Components:   []SphereCircle{loopCircle(loopAxisElevationDeg, 0)},
		MinTurns:     1,
		MaxTurns:     3,
		MinArcLenRad: 1.5,
		MaxArcLenRad: 3 * 2 * math.Pi * math.Sin(geom.Radians(loopAngularRadiusDeg)) * 1.3,
	}))

	must(defaults(&ManeuverTemplate{
		Type:         ManeuverTopLoop,
		Components:   []SphereCircle{loopCircle(topLoopAxisElevDeg, 0)},
		MinTurns:     1,
		MaxTurns:     3,
		MinArcLenRad: 1.5,
		MaxArcLenRad: 3 * 2 * math.Pi * math.Sin(geom.Radians(loopAngularRadiusDeg)) * 1.3,
	}))

	must(defaults(&ManeuverTemplate{
		Type:         ManeuverHorizontalCircle,
		Components:   []SphereCircle{{Axis: geom.Vec3{Z: 1}, D: 0}},
		MinTurns:     1,
		MaxTurns:     4,
		MinArcLenRad: 2 * math.Pi * 0.8,
		MaxArcLenRad: 4 * 2 * math.Pi * 1.2,
	}))

	must(defaults(&ManeuverTemplate{
		Type:         ManeuverClimb45,
		Components:   []SphereCircle{{Axis: geom.Vec3{Z: 1}, D: math.Cos(geom.Radians(90 - fortyFiveLatitudeDeg))}},
		MinTurns:     1,
		MaxTurns:     4,
		MinArcLenRad: 2 * math.Pi * math.Cos(geom.Radians(fortyFiveLatitudeDeg)) * 0.8,
		MaxArcLenRad: 4 * 2 * math.Pi * 1.2,
	}))

	must(defaults(&ManeuverTemplate{
		Type: ManeuverHorizontalEight,
		Components: []SphereCircle{
			loopCircle(loopAxisElevationDeg, +horizEightYawDeg),
			loopCircle(loopAxisElevationDeg, -horizEightYawDeg),
		},
		MinTurns:     2,
		MaxTurns:     6,
		MinArcLenRad: 2 * 1.5,
		MaxArcLenRad: 6 * 2 * math.Pi,
	}))

	must(defaults(&ManeuverTemplate{
		Type: ManeuverVerticalEight,
		Components: []SphereCircle{
			loopCircle(loopAxisElevationDeg, 0),
			loopCircle(topLoopAxisElevDeg, 0),
		},
		MinTurns:     2,
		MaxTurns:     6,
		MinArcLenRad: 2 * 1.5,
		MaxArcLenRad: 6 * 2 * math.Pi,
	}))

	must(defaults(&ManeuverTemplate{
		Type: ManeuverOverheadEight,
		Components: []SphereCircle{
			loopCircle(topLoopAxisElevDeg, +overheadEightYawDeg),
			loopCircle(topLoopAxisElevDeg, -overheadEightYawDeg),
		},
		MinTurns:     2,
		MaxTurns:     6,
		MinArcLenRad: 2 * 1.5,
		MaxArcLenRad: 6 * 2 * math.Pi,
	}))

	// The wingover climbs over the top along a vertical great circle
	// through the zenith.
	wo := defaults(&ManeuverTemplate{
		Type:         ManeuverWingover,
		Components:   []SphereCircle{{Axis: geom.Vec3{X: 1}, D: 0}},
		MinTurns:     0,
		MaxTurns:     1,
		MinArcLenRad: math.Pi * 0.6,
		MaxArcLenRad: math.Pi * 1.4,
	})
	// Wingovers are judged mostly on track alignment; the radius band is
	// the great-circle band itself.
	wo.RadiusTolFrac = 0.08
	must(wo)

	return l
}
