package flight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightline-data/figure.report/internal/geom"
)

type captureSink struct {
	points  []TrackPoint
	results []ComplianceResult
}

func (c *captureSink) OnTrackPoint(tp TrackPoint) { c.points = append(c.points, tp) }
func (c *captureSink) OnResult(res ComplianceResult, _ *TrajectorySegment) {
	c.results = append(c.results, res)
}

// flightWorlds is level flight into a loop and out, entirely on the camera
// side of the hemisphere.
func flightWorlds(t *testing.T, radius float64) []geom.Vec3 {
	t.Helper()
	tmpl := DefaultLibrary().Get(ManeuverLoop)
	if tmpl == nil {
		t.Fatal("loop template missing")
	}
	var worlds []geom.Vec3
	worlds = append(worlds, LevelPath(55, 90, 40, radius, geom.Vec3{})...)
	worlds = append(worlds, RotateClosedPath(FigurePath(tmpl, 0, 110, radius, geom.Vec3{}), geom.Vec3{X: 0, Y: radius, Z: 0})...)
	worlds = append(worlds, LevelPath(90, 125, 40, radius, geom.Vec3{})...)
	return worlds
}

func runPipeline(t *testing.T, p *Pipeline, submit func(ctx context.Context)) error {
	t.Helper()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	submit(ctx)
	p.Close()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("pipeline did not drain")
		return nil
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 1)
	sink := &captureSink{}
	p := NewPipeline(model, DefaultLibrary(), DefaultPipelineConfig(), zerolog.Nop(), sink)

	worlds := flightWorlds(t, model.Radius)
	gaps := 0
	if err := runPipeline(t, p, func(ctx context.Context) {
		for i, w := range worlds {
			obs, ok := gen.Observe(w, 0.95)
			if !ok {
				t.Fatalf("world %d behind camera", i)
			}
			if err := p.Submit(ctx, obs); err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
			// A short tracking dropout mid-approach.
			if i == 10 || i == 11 {
				if err := p.Submit(ctx, gen.Gap()); err != nil {
					t.Fatalf("submit gap: %v", err)
				}
				gaps++
			}
		}
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	store := p.Store()
	if store.Len() != len(worlds) {
		t.Errorf("store has %d points, want %d", store.Len(), len(worlds))
	}
	if int(store.Gaps()) != gaps {
		t.Errorf("store has %d gaps, want %d", store.Gaps(), gaps)
	}
	if len(sink.points) != store.Len() {
		t.Errorf("sink saw %d points, store %d", len(sink.points), store.Len())
	}

	// Reconstructed points sit on the hemisphere near their true worlds.
	for i, w := range worlds {
		if d := store.At(i).Pos.Sub(w).Norm(); d > 0.05 {
			t.Fatalf("point %d reconstructed %.3fm off", i, d)
		}
	}

	segs := p.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].State != SegmentScored {
		t.Errorf("segment state %q, want %q", segs[0].State, SegmentScored)
	}

	results := p.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if !res.Matched || res.Template != ManeuverLoop {
		t.Fatalf("got matched=%v template=%q score=%g, want loop", res.Matched, res.Template, res.Score)
	}
	if res.Score > 0.5 {
		t.Errorf("clean loop score %g", res.Score)
	}
	if len(sink.results) != 1 {
		t.Errorf("sink saw %d results", len(sink.results))
	}
	if res.SegmentID != segs[0].ID {
		t.Errorf("result for segment %q, want %q", res.SegmentID, segs[0].ID)
	}
}

func TestPipelineIsolatesOutOfOrderFrames(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 2)
	p := NewPipeline(model, DefaultLibrary(), DefaultPipelineConfig(), zerolog.Nop())

	worlds := LevelPath(60, 90, 20, model.Radius, geom.Vec3{})
	if err := runPipeline(t, p, func(ctx context.Context) {
		for i, w := range worlds {
			obs, ok := gen.Observe(w, 0.95)
			if !ok {
				t.Fatalf("world %d behind camera", i)
			}
			if i == 10 {
				// A frame with a regressed timestamp must be rejected
				// without disturbing its neighbors.
				obs.Detection.UnixNanos = 1
			}
			if err := p.Submit(ctx, obs); err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
		}
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if p.Store().Len() != len(worlds)-1 {
		t.Errorf("store has %d points, want %d", p.Store().Len(), len(worlds)-1)
	}
	pts := p.Store().Points()
	for i := 1; i < len(pts); i++ {
		if pts[i].Detection.UnixNanos <= pts[i-1].Detection.UnixNanos {
			t.Fatalf("ordering violated at %d", i)
		}
	}
}

func TestPipelineSubmitAfterClose(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	p := NewPipeline(model, DefaultLibrary(), DefaultPipelineConfig(), zerolog.Nop())
	p.Close()
	err = p.Submit(context.Background(), Observation{})
	if !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("expected ErrPipelineClosed, got %v", err)
	}
}

func TestPipelineSubmitBackpressure(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	cfg := DefaultPipelineConfig()
	cfg.QueueSize = 1
	p := NewPipeline(model, DefaultLibrary(), cfg, zerolog.Nop())

	// With no consumer running, the second submit must block until the
	// context gives up rather than dropping the observation.
	if err := p.Submit(context.Background(), Observation{FrameIndex: 1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = p.Submit(ctx, Observation{FrameIndex: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("submit returned before the context deadline")
	}
}

func TestPipelineRunCancellation(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 3)
	p := NewPipeline(model, DefaultLibrary(), DefaultPipelineConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for _, w := range LevelPath(60, 90, 10, model.Radius, geom.Vec3{}) {
		obs, ok := gen.Observe(w, 0.95)
		if !ok {
			t.Fatal("world behind camera")
		}
		if err := p.Submit(ctx, obs); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Cancellation must leave the trajectory consistent: strictly ordered
	// timestamps, sequential numbering.
	pts := p.Store().Points()
	for i := 1; i < len(pts); i++ {
		if pts[i].Seq != pts[i-1].Seq+1 || pts[i].Detection.UnixNanos <= pts[i-1].Detection.UnixNanos {
			t.Fatalf("inconsistent store after cancellation at %d", i)
		}
	}
}

func TestSelectGranularity(t *testing.T) {
	m := func(id string, matched bool, score float64) scoredSegment {
		return scoredSegment{
			seg: &TrajectorySegment{ID: id},
			res: ComplianceResult{SegmentID: id, Matched: matched, Score: score},
		}
	}
	cases := []struct {
		name     string
		parent   scoredSegment
		children []scoredSegment
		want     []string
	}{
		{"no children", m("p", true, 0.3), nil, []string{"p"}},
		{"unmatched lobe keeps whole figure", m("p", true, 0.3),
			[]scoredSegment{m("a", true, 0.2), m("b", false, 0)}, []string{"p"}},
		{"whole figure beats lobes", m("p", true, 0.2),
			[]scoredSegment{m("a", true, 0.25), m("b", true, 0.4)}, []string{"p"}},
		{"lobes beat whole figure", m("p", true, 0.5),
			[]scoredSegment{m("a", true, 0.2), m("b", true, 0.3)}, []string{"a", "b"}},
		{"only lobes matched", m("p", false, 0),
			[]scoredSegment{m("a", true, 0.2), m("b", true, 0.3)}, []string{"a", "b"}},
		{"nothing matched", m("p", false, 0),
			[]scoredSegment{m("a", false, 0), m("b", false, 0)}, []string{"p"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := selectGranularity(tc.parent, tc.children)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d results, want %d", len(got), len(tc.want))
			}
			for i, ss := range got {
				if ss.seg.ID != tc.want[i] {
					t.Errorf("result %d: segment %q, want %q", i, ss.seg.ID, tc.want[i])
				}
			}
		})
	}
}

// One flown figure surfaces as exactly one exported result even when the
// segmenter over-decomposes it into lobe children that match nothing.
func TestPipelineReportsOneResultPerFigure(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 2)
	sink := &captureSink{}
	cfg := DefaultPipelineConfig()
	p := NewPipeline(model, DefaultLibrary(), cfg, zerolog.Nop(), sink)

	tmpl := DefaultLibrary().Get(ManeuverLoop)
	if tmpl == nil {
		t.Fatal("loop template missing")
	}
	loop := RotateClosedPath(
		FigurePath(tmpl, 0, 110, model.Radius, geom.Vec3{}),
		geom.Vec3{X: 0, Y: model.Radius, Z: 0})
	for i, w := range loop {
		obs, ok := gen.Observe(w, 0.95)
		if !ok {
			t.Fatalf("world %d behind camera", i)
		}
		tp, ok := Locate(*obs.Detection, model, cfg.Projector)
		if !ok {
			t.Fatalf("detection %d gated", i)
		}
		if _, err := p.store.Append(tp); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// A full loop with two spurious half-loop children, as a noisy
	// segmenter can produce them.
	last := p.store.Len() - 1
	half := last / 2
	seg := &TrajectorySegment{
		ID: "fig", StartSeq: 0, EndSeq: last,
		Hypothesis: ManeuverLoop, State: SegmentClosed,
		Children: []*TrajectorySegment{
			{ID: "lobe-a", ParentID: "fig", StartSeq: 0, EndSeq: half,
				Hypothesis: ManeuverLoop, State: SegmentClosed},
			{ID: "lobe-b", ParentID: "fig", StartSeq: half + 1, EndSeq: last,
				Hypothesis: ManeuverLoop, State: SegmentClosed},
		},
	}
	p.finalize(seg, model)

	results := p.Results()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	res := results[0]
	if res.SegmentID != "fig" || !res.Matched || res.Template != ManeuverLoop {
		t.Fatalf("got segment=%q matched=%v template=%q, want the whole figure as a loop",
			res.SegmentID, res.Matched, res.Template)
	}
	if len(sink.results) != 1 {
		t.Errorf("sink saw %d results, want 1", len(sink.results))
	}
	if seg.State != SegmentScored {
		t.Errorf("figure state %q, want %q", seg.State, SegmentScored)
	}
	for _, ch := range seg.Children {
		if ch.State == SegmentScored {
			t.Errorf("child %s scored despite the whole-figure report", ch.ID)
		}
	}
}

// Recalibrating while observations are in flight must not leave any stored
// point positioned under the previous model: reprojection and appends are
// serialized on the calibration lock.
func TestPipelineRecalibrateMidStream(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 7)
	cfg := DefaultPipelineConfig()
	p := NewPipeline(model, DefaultLibrary(), cfg, zerolog.Nop())

	wider := *model
	wider.Radius = model.Radius * 1.05

	worlds := LevelPath(60, 170, 120, model.Radius, geom.Vec3{})
	if err := runPipeline(t, p, func(ctx context.Context) {
		for i, w := range worlds {
			obs, ok := gen.Observe(w, 0.95)
			if !ok {
				t.Fatalf("world %d behind camera", i)
			}
			if err := p.Submit(ctx, obs); err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
			// Swap models while the queue still holds observations
			// projected-to-be under the old one.
			if i == len(worlds)/2 {
				if err := p.Recalibrate(ctx, &wider); err != nil {
					t.Fatalf("Recalibrate: %v", err)
				}
			}
		}
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := p.Model()
	if final != &wider {
		t.Fatal("recalibrated model not installed")
	}
	for i, tp := range p.Store().Points() {
		want, ok := Locate(tp.Detection, final, cfg.Projector)
		if !ok {
			t.Fatalf("point %d no longer locatable", i)
		}
		if d := want.Pos.Sub(tp.Pos).Norm(); d > 1e-6 {
			t.Errorf("point %d sits %.6fm from its position under the current model", i, d)
		}
	}
}

func TestPipelineRecalibrate(t *testing.T) {
	model, err := SyntheticCamera()
	if err != nil {
		t.Fatalf("SyntheticCamera: %v", err)
	}
	gen := NewSyntheticGenerator(model, 4)
	p := NewPipeline(model, DefaultLibrary(), DefaultPipelineConfig(), zerolog.Nop())

	worlds := LevelPath(60, 120, 30, model.Radius, geom.Vec3{})
	if err := runPipeline(t, p, func(ctx context.Context) {
		for _, w := range worlds {
			obs, ok := gen.Observe(w, 0.95)
			if !ok {
				t.Fatal("world behind camera")
			}
			if err := p.Submit(ctx, obs); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	countBefore := p.Store().Len()

	// Recalibrating against the same camera must keep every point, in
	// order, at (numerically) the same position.
	before := p.Store().Points()
	if err := p.Recalibrate(context.Background(), model); err != nil {
		t.Fatalf("Recalibrate: %v", err)
	}
	after := p.Store().Points()
	if len(after) != countBefore {
		t.Fatalf("recalibration changed count: %d != %d", len(after), countBefore)
	}
	for i := range before {
		if d := after[i].Pos.Sub(before[i].Pos).Norm(); d > 0.01 {
			t.Errorf("point %d moved %.4fm under identical model", i, d)
		}
		if after[i].Seq != before[i].Seq {
			t.Errorf("point %d renumbered", i)
		}
	}

	// A cancelled recalibration leaves the old model in place.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Recalibrate(cancelled, model); err == nil {
		t.Fatal("expected cancellation error")
	}
	if p.Model() != model {
		t.Error("cancelled recalibration must not swap the model")
	}
	if p.Store().Len() != countBefore {
		t.Error("cancelled recalibration must not touch the store")
	}
}
