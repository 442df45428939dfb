package flight

import (
	"context"
	"errors"
	"testing"

	"github.com/flightline-data/figure.report/internal/geom"
)

func storePoint(nanos int64) TrackPoint {
	return TrackPoint{
		Pos:        geom.Vec3{X: 0, Y: 21, Z: 0},
		Detection:  Detection{UnixNanos: nanos, Confidence: 1},
		Confidence: 1,
		Exact:      true,
	}
}

func TestTrajectoryStoreAppendAssignsSequence(t *testing.T) {
	s := NewTrajectoryStore()
	for i := 0; i < 5; i++ {
		tp, err := s.Append(storePoint(int64(i+1) * 1e9))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if tp.Seq != i {
			t.Errorf("append %d: got seq %d", i, tp.Seq)
		}
	}
	if s.Len() != 5 {
		t.Errorf("expected 5 points, got %d", s.Len())
	}
}

func TestTrajectoryStoreRejectsOutOfOrder(t *testing.T) {
	s := NewTrajectoryStore()
	if _, err := s.Append(storePoint(2e9)); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, nanos := range []int64{2e9, 1e9} { // duplicate, then regression
		_, err := s.Append(storePoint(nanos))
		var ooErr *ErrOutOfOrder
		if !errors.As(err, &ooErr) {
			t.Fatalf("nanos=%d: expected ErrOutOfOrder, got %v", nanos, err)
		}
		if ooErr.LastUnixNanos != 2e9 || ooErr.GotUnixNanos != nanos {
			t.Errorf("nanos=%d: unexpected detail %+v", nanos, ooErr)
		}
	}

	// The rejection must not corrupt the store: a later point still lands.
	if _, err := s.Append(storePoint(3e9)); err != nil {
		t.Fatalf("append after rejection: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 points, got %d", s.Len())
	}
}

func TestTrajectoryStoreLastKAndRange(t *testing.T) {
	s := NewTrajectoryStore()
	for i := 0; i < 10; i++ {
		if _, err := s.Append(storePoint(int64(i+1) * 1e9)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	last := s.LastK(3)
	if len(last) != 3 || last[0].Seq != 7 || last[2].Seq != 9 {
		t.Errorf("LastK(3) returned seqs %d..%d (len %d)", last[0].Seq, last[len(last)-1].Seq, len(last))
	}
	if got := s.LastK(100); len(got) != 10 {
		t.Errorf("LastK over length: got %d", len(got))
	}

	r := s.Range(2, 4)
	if len(r) != 3 || r[0].Seq != 2 || r[2].Seq != 4 {
		t.Errorf("Range(2,4) wrong: len=%d", len(r))
	}
	if got := s.Range(8, 100); len(got) != 2 {
		t.Errorf("clamped range: got %d", len(got))
	}
	if got := s.Range(5, 2); got != nil {
		t.Errorf("inverted range must be empty, got %d", len(got))
	}
}

func TestTrajectoryStoreGaps(t *testing.T) {
	s := NewTrajectoryStore()
	s.RecordGap()
	s.RecordGap()
	if s.Gaps() != 2 {
		t.Errorf("expected 2 gaps, got %d", s.Gaps())
	}
	if s.Len() != 0 {
		t.Error("gaps must not create points")
	}
}

func TestTrajectoryStoreReproject(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	cfg := DefaultProjectorConfig()

	s := NewTrajectoryStore()
	var want []geom.Vec3
	for i, world := range LevelPath(60, 120, 20, model.Radius, model.Center) {
		px, ok := model.ProjectWorld(world)
		if !ok {
			t.Fatalf("path point %d behind camera", i)
		}
		tp, ok := Locate(Detection{Pixel: px, UnixNanos: int64(i+1) * 1e9, Confidence: 1}, model, cfg)
		if !ok {
			t.Fatalf("locate %d failed", i)
		}
		if _, err := s.Append(tp); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		want = append(want, world)
	}

	// Reprojecting under the same model must preserve count, order and
	// positions.
	if err := s.Reproject(context.Background(), model, cfg); err != nil {
		t.Fatalf("Reproject: %v", err)
	}
	if s.Len() != len(want) {
		t.Fatalf("point count changed: %d != %d", s.Len(), len(want))
	}
	for i, w := range want {
		tp := s.At(i)
		if tp.Seq != i {
			t.Errorf("point %d: seq %d", i, tp.Seq)
		}
		if d := tp.Pos.Sub(w).Norm(); d > 0.01 {
			t.Errorf("point %d moved %.4fm", i, d)
		}
	}
}

func TestTrajectoryStoreReprojectCancelled(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	s := NewTrajectoryStore()
	px, _ := model.ProjectWorld(geom.Vec3{X: 0, Y: 21, Z: 0})
	for i := 0; i < 5; i++ {
		tp, _ := Locate(Detection{Pixel: px, UnixNanos: int64(i+1) * 1e9, Confidence: 1}, model, DefaultProjectorConfig())
		if _, err := s.Append(tp); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	before := s.Points()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Reproject(ctx, model, DefaultProjectorConfig()); err == nil {
		t.Fatal("expected cancellation error")
	}

	// Cancellation must leave the store untouched and appendable.
	after := s.Points()
	if len(after) != len(before) {
		t.Fatalf("cancelled reproject changed count: %d != %d", len(after), len(before))
	}
	for i := range before {
		if before[i].Pos != after[i].Pos || before[i].Seq != after[i].Seq {
			t.Errorf("point %d changed after cancelled reproject", i)
		}
	}
	if _, err := s.Append(storePoint(10e9)); err != nil {
		t.Errorf("append after cancelled reproject: %v", err)
	}
}
