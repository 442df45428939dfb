package flight

import (
	"github.com/flightline-data/figure.report/internal/geom"
)

// ProjectorConfig holds the sphere projector's tuning parameters.
type ProjectorConfig struct {
	// MinDetectionConfidence drops detections below this confidence before
	// projection so tracker noise is not amplified into the trajectory.
	MinDetectionConfidence float64
	// MissSoftening controls how quickly reconstruction confidence decays
	// with the ray-sphere miss distance, in metres. A miss of exactly
	// MissSoftening metres halves the confidence.
	MissSoftening float64
}

// DefaultProjectorConfig returns the default projector configuration.
func DefaultProjectorConfig() ProjectorConfig {
	return ProjectorConfig{
		MinDetectionConfidence: 0.15,
		MissSoftening:          1.0,
	}
}

// TrackPoint is one reconstructed 3D position on (or near) the flight
// hemisphere. TrackPoints are appended to the TrajectoryStore in timestamp
// order and never mutated afterwards; recalibration replaces them wholesale.
type TrackPoint struct {
	Seq        int       `json:"seq"` // index in the trajectory store
	Pos        geom.Vec3 `json:"pos"`
	Detection  Detection `json:"detection"`
	Confidence float64   `json:"confidence"`
	Exact      bool      `json:"exact"` // true: on-sphere intersection; false: closest-point fallback
	MissDistM  float64   `json:"miss_dist_m,omitempty"`
}

// Locate reconstructs a 3D track point from a 2D detection. ok is false
// when the detection confidence is below the configured threshold and no
// point should be emitted.
//
// Policy: the ray-sphere intersection nearer the camera is used when the
// ray hits the hemisphere (the aircraft flies the near surface). When the
// ray misses, the closest point on the sphere to the ray is used instead
// and the point is flagged approximate with confidence scaled down by the
// miss distance.
func Locate(det Detection, model *CalibrationModel, cfg ProjectorConfig) (TrackPoint, bool) {
	if det.Confidence < cfg.MinDetectionConfidence {
		return TrackPoint{}, false
	}

	ray := model.Project(det.Pixel)
	pos, miss := geom.ClosestSpherePoint(ray, model.Center, model.Radius)

	conf := det.Confidence
	exact := miss == 0
	if !exact {
		soften := cfg.MissSoftening
		if soften <= 0 {
			soften = DefaultProjectorConfig().MissSoftening
		}
		conf *= soften / (soften + miss)
	}

	return TrackPoint{
		Pos:        pos,
		Detection:  det,
		Confidence: conf,
		Exact:      exact,
		MissDistM:  miss,
	}, true
}
