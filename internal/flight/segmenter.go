package flight

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/flightline-data/figure.report/internal/geom"
)

// SegmentState is the lifecycle state of a trajectory segment.
type SegmentState string

const (
	SegmentOpen    SegmentState = "open"    // still accumulating points
	SegmentClosing SegmentState = "closing" // exit detected, confirmation window running
	SegmentClosed  SegmentState = "closed"  // boundary confirmed
	SegmentScored  SegmentState = "scored"  // compliance result produced
)

// TrajectorySegment is a contiguous run of track points labeled as one
// candidate figure. It back-references the trajectory store by sequence
// range and owns no point data. Ambiguous figures carry child sub-segments
// (e.g. each lobe of an eight) so the scorer can match both granularities.
type TrajectorySegment struct {
	ID         string       `json:"id"`
	ParentID   string       `json:"parent_id,omitempty"`
	StartSeq   int          `json:"start_seq"`
	EndSeq     int          `json:"end_seq"`
	Hypothesis ManeuverType `json:"hypothesis"`
	State      SegmentState `json:"state"`
	Incomplete bool         `json:"incomplete"` // force-closed before a boundary was found

	Children []*TrajectorySegment `json:"children,omitempty"`
}

// PointCount returns the number of trajectory points the segment spans.
func (s *TrajectorySegment) PointCount() int { return s.EndSeq - s.StartSeq + 1 }

// SegmenterConfig holds the figure boundary detection thresholds. These
// are domain-tuned values; the defaults were set against reference footage
// and can be overridden through the tuning file.
type SegmenterConfig struct {
	WindowSize        int           // points in the turn-rate smoothing window
	StartTurnRateDegS float64       // smoothed turn rate that opens a figure
	StopTurnRateDegS  float64       // smoothed turn rate that arms closing
	ConfirmPoints     int           // quiet points required to confirm a close
	MinFigurePoints   int           // segments shorter than this are dropped as noise
	ChildMinPoints    int           // minimum run length for a child sub-segment
	MaxFigureDuration time.Duration // force-close bound
	GapReset          time.Duration // detection gap that breaks tangent continuity
}

// DefaultSegmenterConfig returns the default segmentation thresholds.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		WindowSize:        5,
		StartTurnRateDegS: 25.0,
		StopTurnRateDegS:  10.0,
		ConfirmPoints:     4,
		MinFigurePoints:   12,
		ChildMinPoints:    10,
		MaxFigureDuration: 45 * time.Second,
		GapReset:          1 * time.Second,
	}
}

// signRun is a maximal run of constant turn direction inside a figure,
// used to build child sub-segments and the type hypothesis.
type signRun struct {
	sign     int
	startSeq int
	endSeq   int
	points   int
}

// Segmenter scans the reconstructed trajectory for figure boundaries using
// motion-direction and curvature heuristics. It is fed points strictly in
// store order by the pipeline; it keeps no reference to the store itself.
type Segmenter struct {
	cfg SegmenterConfig

	state SegmentState // SegmentOpen/Closing while a figure is active; "" when idle

	// Path continuity over the unit-sphere trajectory. Turn is measured at
	// the middle of each consecutive point triple, in that point's tangent
	// plane, so geodesic (great-circle) flight reads as zero turn.
	prevPrevUnit geom.Vec3
	prevUnit     geom.Vec3
	prevNanos    int64
	havePrev     bool
	havePrev2    bool

	// Smoothed turn-rate window, deg/s, signed.
	rates []float64

	// Active figure.
	current    *TrajectorySegment
	startNanos int64
	quiet      int
	closingEnd int // EndSeq candidate recorded when closing armed

	// Shape accumulators for the hypothesis and child segments.
	runs       []signRun
	run        signRun
	totalTurn  float64 // radians of |heading change|
	maxZ       float64
	minZ       float64
	sumZ       float64
	shapeCount int
}

// NewSegmenter creates a segmenter with the given thresholds.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	return &Segmenter{cfg: cfg}
}

// Advance feeds the next track point. unit is the point's position
// normalized relative to the hemisphere (center-relative, unit length).
// It returns any segments that closed on this point, parents before
// children.
func (sg *Segmenter) Advance(tp TrackPoint, unit geom.Vec3) []*TrajectorySegment {
	nanos := tp.Detection.UnixNanos

	if sg.havePrev && sg.cfg.GapReset > 0 && nanos-sg.prevNanos > int64(sg.cfg.GapReset) && sg.current == nil {
		// A long tracker gap while idle: restart path continuity so the
		// first point after the gap does not fake a huge turn rate.
		sg.havePrev = false
		sg.havePrev2 = false
		sg.rates = sg.rates[:0]
	}

	if !sg.havePrev {
		sg.prevUnit = unit
		sg.prevNanos = nanos
		sg.havePrev = true
		return nil
	}

	dt := float64(nanos-sg.prevNanos) / 1e9
	if dt <= 0 {
		return nil
	}

	var rateDegS float64
	if sg.havePrev2 {
		// Incoming and outgoing motion directions projected into the tangent
		// plane at the previous point. The angle between them is the geodesic
		// turn at that point.
		in := tangentAt(sg.prevUnit, sg.prevUnit.Sub(sg.prevPrevUnit))
		out := tangentAt(sg.prevUnit, unit.Sub(sg.prevUnit))
		if in.Norm() > 0 && out.Norm() > 0 {
			turn := geom.AngleBetween(in, out)
			if in.Cross(out).Dot(sg.prevUnit) < 0 {
				turn = -turn
			}
			rateDegS = geom.Degrees(turn) / dt
			sg.totalTurn += math.Abs(turn)
		}
	}
	sg.prevPrevUnit = sg.prevUnit
	sg.prevUnit = unit
	sg.prevNanos = nanos
	sg.havePrev2 = true

	sg.rates = append(sg.rates, rateDegS)
	if len(sg.rates) > sg.cfg.WindowSize {
		sg.rates = sg.rates[1:]
	}
	smoothed := mean(sg.rates)

	var closed []*TrajectorySegment

	switch {
	case sg.current == nil:
		if math.Abs(smoothed) >= sg.cfg.StartTurnRateDegS {
			sg.open(tp, unit)
		}

	case sg.current.State == SegmentOpen:
		sg.accumulate(tp, unit, smoothed)
		if math.Abs(smoothed) <= sg.cfg.StopTurnRateDegS {
			sg.current.State = SegmentClosing
			sg.quiet = 1
			sg.closingEnd = tp.Seq
		} else if sg.expired(nanos) {
			if seg := sg.forceClose(tp.Seq); seg != nil {
				closed = append(closed, seg)
			}
		}

	case sg.current.State == SegmentClosing:
		if math.Abs(smoothed) >= sg.cfg.StartTurnRateDegS {
			// Renewed curvature inside the confirmation window: the figure
			// continues.
			sg.current.State = SegmentOpen
			sg.quiet = 0
			sg.accumulate(tp, unit, smoothed)
		} else {
			sg.quiet++
			if sg.quiet >= sg.cfg.ConfirmPoints {
				if seg := sg.close(sg.closingEnd, false); seg != nil {
					closed = append(closed, seg)
				}
			} else if sg.expired(nanos) {
				if seg := sg.forceClose(sg.closingEnd); seg != nil {
					closed = append(closed, seg)
				}
			}
		}
	}

	return closed
}

// Flush force-closes any active figure, e.g. at end of stream. The
// returned segment, if any, is flagged incomplete.
func (sg *Segmenter) Flush(lastSeq int) *TrajectorySegment {
	if sg.current == nil {
		return nil
	}
	return sg.forceClose(lastSeq)
}

func (sg *Segmenter) open(tp TrackPoint, unit geom.Vec3) {
	// Back the start boundary up by the smoothing window so the figure
	// entry is not clipped.
	start := tp.Seq - sg.cfg.WindowSize
	if start < 0 {
		start = 0
	}
	sg.current = &TrajectorySegment{
		ID:       uuid.NewString(),
		StartSeq: start,
		EndSeq:   tp.Seq,
		State:    SegmentOpen,
	}
	sg.startNanos = tp.Detection.UnixNanos
	sg.runs = nil
	sg.run = signRun{startSeq: tp.Seq, endSeq: tp.Seq}
	sg.totalTurn = 0
	sg.maxZ, sg.minZ = unit.Z, unit.Z
	sg.sumZ = 0
	sg.shapeCount = 0
	sg.accumulateShape(tp.Seq, unit, 0)
}

func (sg *Segmenter) accumulate(tp TrackPoint, unit geom.Vec3, rateDegS float64) {
	sg.current.EndSeq = tp.Seq
	sg.accumulateShape(tp.Seq, unit, rateDegS)
}

func (sg *Segmenter) accumulateShape(seq int, unit geom.Vec3, rateDegS float64) {
	if unit.Z > sg.maxZ {
		sg.maxZ = unit.Z
	}
	if unit.Z < sg.minZ {
		sg.minZ = unit.Z
	}
	sg.sumZ += unit.Z
	sg.shapeCount++

	sign := 0
	if rateDegS > sg.cfg.StopTurnRateDegS {
		sign = 1
	} else if rateDegS < -sg.cfg.StopTurnRateDegS {
		sign = -1
	}
	if sign == 0 {
		return
	}
	if sg.run.sign == 0 {
		sg.run.sign = sign
		sg.run.startSeq = seq
	}
	if sign != sg.run.sign {
		sg.endRun()
		sg.run = signRun{sign: sign, startSeq: seq, endSeq: seq, points: 1}
		return
	}
	sg.run.endSeq = seq
	sg.run.points++
}

func (sg *Segmenter) endRun() {
	if sg.run.sign != 0 && sg.run.points >= sg.cfg.ChildMinPoints {
		sg.runs = append(sg.runs, sg.run)
	}
}

func (sg *Segmenter) expired(nanos int64) bool {
	return sg.cfg.MaxFigureDuration > 0 && nanos-sg.startNanos > int64(sg.cfg.MaxFigureDuration)
}

func (sg *Segmenter) forceClose(endSeq int) *TrajectorySegment {
	seg := sg.close(endSeq, true)
	if seg == nil {
		// Too short to keep, but the caller still needs the reset; nothing
		// to report.
		return nil
	}
	return seg
}

// close finalizes the active segment. Returns nil when the segment is too
// short to be a figure.
func (sg *Segmenter) close(endSeq int, incomplete bool) *TrajectorySegment {
	seg := sg.current
	sg.endRun()
	runs := sg.runs

	sg.current = nil
	sg.quiet = 0

	seg.EndSeq = endSeq
	seg.State = SegmentClosed
	seg.Incomplete = incomplete

	if seg.PointCount() < sg.cfg.MinFigurePoints {
		return nil
	}

	seg.Hypothesis = sg.hypothesize(runs)

	// Two or more full-direction runs mean the figure plausibly decomposes
	// into lobe sub-segments (figure eights). Represent them as children
	// referencing the same store rather than exclusive partitions.
	if len(runs) >= 2 {
		for _, r := range runs {
			if r.endSeq > seg.EndSeq {
				r.endSeq = seg.EndSeq
			}
			seg.Children = append(seg.Children, &TrajectorySegment{
				ID:         uuid.NewString(),
				ParentID:   seg.ID,
				StartSeq:   r.startSeq,
				EndSeq:     r.endSeq,
				Hypothesis: ManeuverLoop,
				State:      SegmentClosed,
				Incomplete: incomplete,
			})
		}
	}
	return seg
}

// hypothesize produces the provisional maneuver type from the accumulated
// shape statistics. The scorer treats this only as a tie-breaker.
func (sg *Segmenter) hypothesize(runs []signRun) ManeuverType {
	meanZ := 0.0
	if sg.shapeCount > 0 {
		meanZ = sg.sumZ / float64(sg.shapeCount)
	}
	turns := sg.totalTurn / (2 * math.Pi)

	switch {
	case len(runs) >= 2 && sg.minZ > 0.5:
		return ManeuverOverheadEight
	case len(runs) >= 2 && sg.maxZ > 0.75:
		return ManeuverVerticalEight
	case len(runs) >= 2:
		return ManeuverHorizontalEight
	case sg.maxZ > 0.93 && turns < 0.75:
		return ManeuverWingover
	case math.Abs(sg.maxZ-sg.minZ) < 0.12:
		if meanZ > 0.5 {
			return ManeuverClimb45
		}
		return ManeuverHorizontalCircle
	case meanZ > 0.6:
		return ManeuverTopLoop
	default:
		return ManeuverLoop
	}
}

// tangentAt projects a motion delta into the tangent plane of the unit
// sphere at p. Returns the zero vector when the delta is radial.
func tangentAt(p, d geom.Vec3) geom.Vec3 {
	return d.Sub(p.Scale(d.Dot(p))).Normalize()
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
