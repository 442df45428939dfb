// synth-flight generates synthetic detection logs for testing and demos:
// ideal or noisy figure flights projected through a standard calibrated
// camera, written as JSONL observations plus the matching calibration file.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/flightline-data/figure.report/internal/flight"
	"github.com/flightline-data/figure.report/internal/geom"
)

var (
	outFile    = flag.String("out", "detections.jsonl", "Output detection log (JSONL)")
	markersOut = flag.String("markers-out", "markers.json", "Output camera calibration file (JSON)")
	figureList = flag.String("figures", "loop", "Comma-separated figure types to fly (loop, top_loop, horizontal_eight, ...)")
	noisePx    = flag.Float64("noise-px", 0, "Gaussian pixel noise sigma")
	seed       = flag.Int64("seed", 1, "Noise RNG seed")
	frameRate  = flag.Float64("frame-rate", 30, "Frames per second")
	figurePts  = flag.Int("figure-points", 110, "Samples per figure component")
	levelPts   = flag.Int("level-points", 45, "Samples per level lap phase")
	confidence = flag.Float64("confidence", 0.9, "Detection confidence to report")
)

// calibration mirrors the analyzer's calibration file format.
type calibration struct {
	Intrinsics    flight.Intrinsics `json:"intrinsics"`
	Markers       []flight.Marker   `json:"markers"`
	FlightRadiusM float64           `json:"flight_radius_m"`
	MarkerRadiusM float64           `json:"marker_radius_m"`
	MarkerHeightM float64           `json:"marker_height_m"`
}

// gapFrames is long enough to reset trajectory continuity between phases
// that do not join smoothly.
const gapFrames = 35

// buildPhases returns the world-space path of one figure, split into
// continuous phases. A loop is stitched into a level lap; other figures
// are flown standalone with continuity breaks around them.
func buildPhases(lib *flight.Library, typ flight.ManeuverType, radius float64) ([][]geom.Vec3, error) {
	tmpl := lib.Get(typ)
	if tmpl == nil {
		return nil, fmt.Errorf("unknown figure type %q", typ)
	}

	center := geom.Vec3{}
	if typ == flight.ManeuverLoop {
		// Entry at the front marker, on the base circle.
		fig := flight.RotateClosedPath(
			flight.FigurePath(tmpl, 0, *figurePts, radius, center),
			geom.Vec3{X: 0, Y: radius, Z: 0},
		)
		path := flight.LevelPath(55, 90, *levelPts, radius, center)
		path = append(path, fig...)
		path = append(path, flight.LevelPath(90, 125, *levelPts, radius, center)...)
		return [][]geom.Vec3{path}, nil
	}

	return [][]geom.Vec3{
		flight.LevelPath(55, 90, *levelPts, radius, center),
		flight.FigurePath(tmpl, 0, *figurePts, radius, center),
		flight.LevelPath(90, 125, *levelPts, radius, center),
	}, nil
}

func writeCalibration(model *flight.CalibrationModel, path string) error {
	worlds := flight.StandardMarkerWorlds(flight.DefaultMarkerRadius, flight.DefaultMarkerHeight)
	var markers []flight.Marker
	for _, name := range []string{flight.MarkerCircleCenter, flight.MarkerFront, flight.MarkerLeft, flight.MarkerRight} {
		w := worlds[name]
		px, ok := model.ProjectWorld(w)
		if !ok {
			return fmt.Errorf("marker %s not visible from synthetic camera", name)
		}
		markers = append(markers, flight.Marker{Name: name, Pixel: px, World: w})
	}

	data, err := json.MarshalIndent(calibration{
		Intrinsics:    model.Intrinsics,
		Markers:       markers,
		FlightRadiusM: model.Radius,
		MarkerRadiusM: flight.DefaultMarkerRadius,
		MarkerHeightM: flight.DefaultMarkerHeight,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func main() {
	flag.Parse()

	model, err := flight.SyntheticCamera()
	if err != nil {
		log.Fatalf("failed to build synthetic camera: %v", err)
	}

	if err := writeCalibration(model, *markersOut); err != nil {
		log.Fatalf("failed to write calibration file: %v", err)
	}

	out, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)

	gen := flight.NewSyntheticGenerator(model, *seed)
	gen.FrameRate = *frameRate
	gen.NoisePx = *noisePx

	lib := flight.DefaultLibrary()
	radius := model.Radius

	emit := func(obs flight.Observation) {
		if err := enc.Encode(obs); err != nil {
			log.Fatalf("failed to write observation: %v", err)
		}
	}

	var frames, skipped int
	for _, name := range strings.Split(*figureList, ",") {
		typ := flight.ManeuverType(strings.TrimSpace(name))
		phases, err := buildPhases(lib, typ, radius)
		if err != nil {
			log.Fatalf("%v (known types: %v)", err, lib.Types())
		}
		for i, phase := range phases {
			if i > 0 {
				for g := 0; g < gapFrames; g++ {
					emit(gen.Gap())
					frames++
				}
			}
			for _, w := range phase {
				obs, ok := gen.Observe(w, *confidence)
				if !ok {
					// Point outside the camera frustum; recorded as a gap.
					skipped++
				}
				emit(obs)
				frames++
			}
		}
		for g := 0; g < gapFrames; g++ {
			emit(gen.Gap())
			frames++
		}
	}

	log.Printf("wrote %d frames (%d off-camera) to %s, calibration to %s", frames, skipped, *outFile, *markersOut)
}
