package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/flightline-data/figure.report/internal/config"
	"github.com/flightline-data/figure.report/internal/flight"
	"github.com/flightline-data/figure.report/internal/flightdb"
	"github.com/flightline-data/figure.report/internal/geom"
)

// writeAnalysisFixture writes a calibration file and a detection log for a
// level approach into one inside loop, seen through the synthetic camera.
func writeAnalysisFixture(t *testing.T, dir string) (markersPath, detectionsPath string) {
	t.Helper()
	model, err := flight.SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}

	worlds := flight.StandardMarkerWorlds(flight.DefaultMarkerRadius, flight.DefaultMarkerHeight)
	var markers []flight.Marker
	for _, name := range []string{flight.MarkerCircleCenter, flight.MarkerFront, flight.MarkerLeft, flight.MarkerRight} {
		w := worlds[name]
		px, ok := model.ProjectWorld(w)
		if !ok {
			t.Fatalf("marker %s outside the synthetic frustum", name)
		}
		markers = append(markers, flight.Marker{Name: name, Pixel: px, World: w})
	}
	cal, err := json.Marshal(calibrationFile{
		Intrinsics:    model.Intrinsics,
		Markers:       markers,
		FlightRadiusM: model.Radius,
		MarkerRadiusM: flight.DefaultMarkerRadius,
		MarkerHeightM: flight.DefaultMarkerHeight,
	})
	if err != nil {
		t.Fatalf("marshal calibration: %v", err)
	}
	markersPath = filepath.Join(dir, "markers.json")
	if err := os.WriteFile(markersPath, cal, 0o644); err != nil {
		t.Fatalf("write calibration: %v", err)
	}

	tmpl := flight.DefaultLibrary().Get(flight.ManeuverLoop)
	if tmpl == nil {
		t.Fatal("loop template missing")
	}
	r := model.Radius
	var path []geom.Vec3
	path = append(path, flight.LevelPath(55, 90, 40, r, geom.Vec3{})...)
	path = append(path, flight.RotateClosedPath(
		flight.FigurePath(tmpl, 0, 110, r, geom.Vec3{}),
		geom.Vec3{X: 0, Y: r, Z: 0})...)
	path = append(path, flight.LevelPath(90, 125, 40, r, geom.Vec3{})...)

	gen := flight.NewSyntheticGenerator(model, 5)
	var lines []byte
	for i, w := range path {
		obs, ok := gen.Observe(w, 0.95)
		if !ok {
			t.Fatalf("world %d behind camera", i)
		}
		b, err := json.Marshal(obs)
		if err != nil {
			t.Fatalf("marshal observation %d: %v", i, err)
		}
		lines = append(lines, b...)
		lines = append(lines, '\n')
	}
	detectionsPath = filepath.Join(dir, "detections.jsonl")
	if err := os.WriteFile(detectionsPath, lines, 0o644); err != nil {
		t.Fatalf("write detections: %v", err)
	}
	return markersPath, detectionsPath
}

// setAnalyzeFlags points the analysis flags at the fixture and loads the
// default config, restoring both when the test ends.
func setAnalyzeFlags(t *testing.T, markersPath, detectionsPath, label string) {
	t.Helper()
	prevMarkers, prevDets, prevLabel := *markersFile, *detections, *sessionLabel
	*markersFile, *detections, *sessionLabel = markersPath, detectionsPath, label
	t.Cleanup(func() {
		*markersFile, *detections, *sessionLabel = prevMarkers, prevDets, prevLabel
	})
	if err := config.Load(t.TempDir()); err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	t.Cleanup(viper.Reset)
}

func openSessionDB(t *testing.T, dir string) *flightdb.DB {
	t.Helper()
	db, err := flightdb.Open(filepath.Join(dir, "flight.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func TestAnalyzeRecordsSession(t *testing.T) {
	dir := t.TempDir()
	markersPath, detectionsPath := writeAnalysisFixture(t, dir)
	setAnalyzeFlags(t, markersPath, detectionsPath, "loop lap")
	db := openSessionDB(t, dir)

	if err := analyze(context.Background(), zerolog.Nop(), db); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Label != "loop lap" {
		t.Errorf("session label %q", s.Label)
	}
	if s.StartedUnixNanos == 0 {
		t.Error("session start not backfilled from the first observation")
	}

	pts, err := db.TrackPoints(s.ID)
	if err != nil {
		t.Fatalf("TrackPoints: %v", err)
	}
	if len(pts) != 190 {
		t.Errorf("recorded %d track points, want 190", len(pts))
	}

	results, err := db.Results(s.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("recorded %d results, want 1", len(results))
	}
	if !results[0].Matched || results[0].Template != flight.ManeuverLoop {
		t.Errorf("got matched=%v template=%q, want loop",
			results[0].Matched, results[0].Template)
	}
}

func TestAnalyzeCancelledRunIsNotAFailure(t *testing.T) {
	dir := t.TempDir()
	markersPath, detectionsPath := writeAnalysisFixture(t, dir)
	setAnalyzeFlags(t, markersPath, detectionsPath, "cancelled")
	db := openSessionDB(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Which path observes the cancellation first depends on scheduling;
	// either way it must read as a cancellation, never a distinct failure.
	if err := analyze(ctx, zerolog.Nop(), db); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled analysis reported %v", err)
	}
}
