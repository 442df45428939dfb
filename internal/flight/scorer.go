package flight

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/flightline-data/figure.report/internal/geom"
)

// ScorerConfig holds the compliance scorer's tuning parameters.
type ScorerConfig struct {
	YawSearchStepDeg   float64 // coarse alignment search step
	YawRefineStepDeg   float64 // refinement step around the coarse optimum
	MinPointsToScore   int     // segments with fewer points are unmatched outright
	HypothesisTieBreak float64 // aggregate-score margin within which the hypothesis wins
}

// DefaultScorerConfig returns the default scorer configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		YawSearchStepDeg:   3.0,
		YawRefineStepDeg:   0.25,
		MinPointsToScore:   8,
		HypothesisTieBreak: 0.10,
	}
}

// DeviationMetric is one named deviation of a flown figure from its
// nominal template, with the tolerance it is judged against.
type DeviationMetric struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Tolerance  float64 `json:"tolerance"`
	Normalized float64 `json:"normalized"` // Value / Tolerance
}

// Metric names.
const (
	MetricRadiusErrFrac  = "radius_err_frac"
	MetricHeightErrFrac  = "height_err_frac"
	MetricAxisMisalignDeg = "axis_misalign_deg"
)

// ComplianceResult is the outcome of scoring one closed segment. An
// unmatched figure (no template within its outer tolerance band) is a
// valid classification outcome, not an error: Matched is false, Template
// is empty and Score is meaningless.
type ComplianceResult struct {
	SegmentID       string            `json:"segment_id"`
	Template        ManeuverType      `json:"template"` // empty when unmatched
	Matched         bool              `json:"matched"`
	Score           float64           `json:"score"` // worst-case normalized deviation; valid only when Matched
	YawDeg          float64           `json:"yaw_deg"`
	Metrics         []DeviationMetric `json:"metrics,omitempty"`
	ScoredUnixNanos int64             `json:"scored_unix_nanos"`
}

// Scorer fits closed trajectory segments against the template library.
type Scorer struct {
	cfg ScorerConfig
	lib *Library
}

// NewScorer creates a scorer over the given template library.
func NewScorer(lib *Library, cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg, lib: lib}
}

// templateFit is one template's best alignment against a segment.
type templateFit struct {
	tmpl      *ManeuverTemplate
	yawRad    float64
	aggregate float64
	metrics   []DeviationMetric
}

// Score fits the segment's points against every geometrically plausible
// template and returns the best match. Points must be the segment's
// trajectory range; model supplies the hemisphere the figure was flown on.
func (sc *Scorer) Score(seg *TrajectorySegment, pts []TrackPoint, model *CalibrationModel) ComplianceResult {
	res := ComplianceResult{
		SegmentID:       seg.ID,
		ScoredUnixNanos: time.Now().UnixNano(),
	}
	if len(pts) < sc.cfg.MinPointsToScore {
		return res
	}

	units := make([]geom.Vec3, len(pts))
	for i, tp := range pts {
		units[i] = tp.Pos.Sub(model.Center).Normalize()
	}

	arcLen, turns := pathSignature(units)

	var best *templateFit
	var hypFit *templateFit
	for _, tmpl := range sc.lib.All() {
		if !plausible(tmpl, arcLen, turns) {
			continue
		}
		fit := sc.fit(tmpl, units)
		if fit == nil {
			continue
		}
		if tmpl.Type == seg.Hypothesis {
			hypFit = fit
		}
		if best == nil || fit.aggregate < best.aggregate {
			best = fit
		}
	}

	if best == nil {
		return res
	}
	// Tie break: prefer the segmenter's provisional hypothesis when it is
	// nearly as good as the winner.
	if hypFit != nil && hypFit != best && hypFit.aggregate-best.aggregate <= sc.cfg.HypothesisTieBreak {
		best = hypFit
	}
	if best.aggregate > best.tmpl.OuterTolScale {
		// Outside every tolerance band: an unrecognized figure.
		return res
	}

	res.Template = best.tmpl.Type
	res.Matched = true
	res.Score = best.aggregate
	res.YawDeg = geom.Degrees(best.yawRad)
	res.Metrics = best.metrics
	return res
}

// pathSignature computes the great-circle arc length and the number of
// full turns of heading change along the unit path.
func pathSignature(units []geom.Vec3) (arcLen, turns float64) {
	var prevTangent geom.Vec3
	haveTangent := false
	var totalTurn float64
	for i := 1; i < len(units); i++ {
		arcLen += geom.GreatCircleAngle(units[i-1], units[i])
		tangent := units[i].Sub(units[i-1].Scale(units[i].Dot(units[i-1]))).Normalize()
		if tangent.Norm() == 0 {
			continue
		}
		if haveTangent {
			totalTurn += geom.AngleBetween(prevTangent, tangent)
		}
		prevTangent = tangent
		haveTangent = true
	}
	return arcLen, totalTurn / (2 * math.Pi)
}

// plausible is the cheap pre-filter on arc length and turn count.
func plausible(tmpl *ManeuverTemplate, arcLen, turns float64) bool {
	if arcLen < tmpl.MinArcLenRad || arcLen > tmpl.MaxArcLenRad {
		return false
	}
	if turns < float64(tmpl.MinTurns)-0.5 || turns > float64(tmpl.MaxTurns)+0.5 {
		return false
	}
	return true
}

// fit searches the template's yaw orientation for the alignment that
// minimizes the mean angular distance from points to the ideal curve, then
// evaluates the per-parameter deviations at that alignment.
func (sc *Scorer) fit(tmpl *ManeuverTemplate, units []geom.Vec3) *templateFit {
	coarse := geom.Radians(sc.cfg.YawSearchStepDeg)
	if coarse <= 0 {
		coarse = geom.Radians(DefaultScorerConfig().YawSearchStepDeg)
	}

	bestYaw, bestDist := 0.0, math.Inf(1)
	for yaw := 0.0; yaw < 2*math.Pi; yaw += coarse {
		if d := meanCurveDistance(tmpl, yaw, units); d < bestDist {
			bestDist, bestYaw = d, yaw
		}
	}
	refine := geom.Radians(sc.cfg.YawRefineStepDeg)
	if refine > 0 && refine < coarse {
		for yaw := bestYaw - coarse; yaw <= bestYaw+coarse; yaw += refine {
			if d := meanCurveDistance(tmpl, yaw, units); d < bestDist {
				bestDist, bestYaw = d, yaw
			}
		}
	}

	metrics := deviationMetrics(tmpl, bestYaw, units)
	if metrics == nil {
		return nil
	}
	normalized := make([]float64, len(metrics))
	for i, m := range metrics {
		normalized[i] = m.Normalized
	}
	// Worst-case aggregation: one badly violated tolerance dominates and
	// is never averaged away.
	return &templateFit{
		tmpl:      tmpl,
		yawRad:    bestYaw,
		aggregate: floats.Max(normalized),
		metrics:   metrics,
	}
}

// meanCurveDistance returns the mean angular distance from each point to
// the nearest component circle of the yawed template.
func meanCurveDistance(tmpl *ManeuverTemplate, yaw float64, units []geom.Vec3) float64 {
	var sum float64
	for _, u := range units {
		sum += nearestComponentDistance(tmpl, yaw, u)
	}
	return sum / float64(len(units))
}

// nearestComponentDistance is the angular distance from a unit point to
// the closest component circle. For a circle with axis n and angular
// radius alpha, a point at angle beta from n is |beta - alpha| away.
func nearestComponentDistance(tmpl *ManeuverTemplate, yaw float64, u geom.Vec3) float64 {
	best := math.Inf(1)
	for _, c := range tmpl.Components {
		yc := c.Yawed(yaw)
		beta := geom.AngleBetween(u, yc.Axis)
		if d := math.Abs(beta - yc.AngularRadius()); d < best {
			best = d
		}
	}
	return best
}

// deviationMetrics computes the named deviations at the chosen alignment:
// fractional radius error, height-above-base error (fraction of the
// hemisphere radius) and symmetry-axis misalignment.
func deviationMetrics(tmpl *ManeuverTemplate, yaw float64, units []geom.Vec3) []DeviationMetric {
	n := len(tmpl.Components)
	assignedBeta := make([][]float64, n)
	assignedMean := make([]geom.Vec3, n)
	counts := make([]int, n)

	yawed := make([]SphereCircle, n)
	for i, c := range tmpl.Components {
		yawed[i] = c.Yawed(yaw)
	}

	for _, u := range units {
		bestIdx, bestD := 0, math.Inf(1)
		var bestBeta float64
		for i, yc := range yawed {
			beta := geom.AngleBetween(u, yc.Axis)
			if d := math.Abs(beta - yc.AngularRadius()); d < bestD {
				bestD, bestIdx, bestBeta = d, i, beta
			}
		}
		assignedBeta[bestIdx] = append(assignedBeta[bestIdx], bestBeta)
		assignedMean[bestIdx] = assignedMean[bestIdx].Add(u)
		counts[bestIdx]++
	}

	// Every component must actually be flown: a figure eight fit with one
	// empty lobe is not an eight.
	minPerComponent := len(units) / (4 * n)
	for i := range yawed {
		if counts[i] < minPerComponent {
			return nil
		}
	}

	var radiusErrs, heightErrs, axisErrs []float64
	for i, yc := range yawed {
		if counts[i] == 0 {
			continue
		}
		alpha := yc.AngularRadius()
		fittedAlpha := stat.Mean(assignedBeta[i], nil)

		// The normalized mean of a circle's points estimates its axis.
		fittedAxis := assignedMean[i].Scale(1 / float64(counts[i])).Normalize()
		if fittedAxis.Dot(yc.Axis) < 0 {
			fittedAxis = fittedAxis.Scale(-1)
		}

		nominalRadius := alpha
		if nominalRadius < 1e-9 {
			continue
		}
		radiusErrs = append(radiusErrs, math.Abs(fittedAlpha-alpha)/nominalRadius)

		fittedCenterZ := fittedAxis.Z * math.Cos(fittedAlpha)
		nominalCenterZ := yc.Axis.Z * math.Cos(alpha)
		heightErrs = append(heightErrs, math.Abs(fittedCenterZ-nominalCenterZ))

		axisErrs = append(axisErrs, geom.Degrees(geom.AngleBetween(fittedAxis, yc.Axis)))
	}
	if len(radiusErrs) == 0 {
		return nil
	}

	metric := func(name string, vals []float64, tol float64) DeviationMetric {
		v := stat.Mean(vals, nil)
		return DeviationMetric{Name: name, Value: v, Tolerance: tol, Normalized: v / tol}
	}

	return []DeviationMetric{
		metric(MetricRadiusErrFrac, radiusErrs, tmpl.RadiusTolFrac),
		metric(MetricHeightErrFrac, heightErrs, tmpl.HeightTolFrac),
		metric(MetricAxisMisalignDeg, axisErrs, tmpl.AxisTolDeg),
	}
}
