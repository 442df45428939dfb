// Package flight implements the flight-path reconstruction and
// figure-compliance engine: it turns per-frame 2D aircraft detections into
// a 3D trajectory on the flight hemisphere, segments that trajectory into
// candidate maneuver figures, and scores each figure against the nominal
// F2B geometry catalog.
package flight

// Pixel is an image-plane position in pixels.
type Pixel struct {
	U float64 `json:"u"`
	V float64 `json:"v"`
}

// Detection is a single per-frame observation of the aircraft produced by
// the external tracker.
type Detection struct {
	Pixel      Pixel   `json:"pixel"`
	FrameIndex int64   `json:"frame_index"`
	UnixNanos  int64   `json:"unix_nanos"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// Observation is one frame's worth of tracker output. A nil Detection is
// the explicit "no detection this frame" signal; it records a gap without
// advancing reconstruction state.
type Observation struct {
	FrameIndex int64      `json:"frame_index"`
	UnixNanos  int64      `json:"unix_nanos"`
	Detection  *Detection `json:"detection,omitempty"`
}
