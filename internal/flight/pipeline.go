package flight

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives the pipeline's outputs: the live track point stream for
// AR overlay rendering and, on each segment close, the compliance result.
// Sinks are invoked from the pipeline's consumer goroutine; implementations
// must not block for long.
type Sink interface {
	OnTrackPoint(tp TrackPoint)
	OnResult(res ComplianceResult, seg *TrajectorySegment)
}

// PipelineConfig bundles all pipeline stage configurations.
type PipelineConfig struct {
	QueueSize int
	Projector ProjectorConfig
	Segmenter SegmenterConfig
	Scorer    ScorerConfig
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize: 128,
		Projector: DefaultProjectorConfig(),
		Segmenter: DefaultSegmenterConfig(),
		Scorer:    DefaultScorerConfig(),
	}
}

// ErrPipelineClosed is returned by Submit after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

// Pipeline is the single-threaded reconstruction pipeline for one video
// source. The external tracker submits observations through a bounded
// queue (blocking when full, so frame processing throttles to pipeline
// speed instead of dropping frames); a single consumer drains the queue in
// strict timestamp order through projection, segmentation and scoring.
type Pipeline struct {
	cfg   PipelineConfig
	store *TrajectoryStore
	seg   *Segmenter
	sc    *Scorer
	log   zerolog.Logger
	sinks []Sink

	obs    chan Observation
	closed chan struct{}
	once   sync.Once

	// calMu guards the calibration model. The consumer read-locks per
	// observation; Recalibrate write-locks for its whole reprojection
	// pass, so appends queue up behind it and apply afterwards.
	calMu sync.RWMutex
	model *CalibrationModel

	mu       sync.Mutex
	results  []ComplianceResult
	segments []*TrajectorySegment
	dropped  int64
}

// NewPipeline creates a pipeline over a calibrated session.
func NewPipeline(model *CalibrationModel, lib *Library, cfg PipelineConfig, log zerolog.Logger, sinks ...Sink) *Pipeline {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultPipelineConfig().QueueSize
	}
	return &Pipeline{
		cfg:    cfg,
		store:  NewTrajectoryStore(),
		seg:    NewSegmenter(cfg.Segmenter),
		sc:     NewScorer(lib, cfg.Scorer),
		log:    log,
		sinks:  sinks,
		model:  model,
		obs:    make(chan Observation, cfg.QueueSize),
		closed: make(chan struct{}),
	}
}

// Store exposes the trajectory store (read access for overlays/reports).
func (p *Pipeline) Store() *TrajectoryStore { return p.store }

// Model returns the current calibration model.
func (p *Pipeline) Model() *CalibrationModel {
	p.calMu.RLock()
	defer p.calMu.RUnlock()
	return p.model
}

// Submit enqueues one observation. It blocks while the queue is full
// (backpressure throttles the producer) and fails only on cancellation or
// after Close.
func (p *Pipeline) Submit(ctx context.Context, obs Observation) error {
	select {
	case <-p.closed:
		return ErrPipelineClosed
	default:
	}
	select {
	case p.obs <- obs:
		return nil
	case <-p.closed:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting observations. Run drains what was already queued
// and then returns.
func (p *Pipeline) Close() {
	p.once.Do(func() { close(p.closed) })
}

// Run drains the observation queue until Close (queue fully drained) or
// context cancellation. Cancellation leaves the trajectory store in a
// consistent, appendable state. Any figure still open at the end of the
// stream is force-closed and flagged incomplete.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-p.obs:
			p.process(o)
		case <-p.closed:
			// Drain the remaining queue, then flush.
			for {
				select {
				case o := <-p.obs:
					p.process(o)
				default:
					p.flush()
					return nil
				}
			}
		}
	}
}

func (p *Pipeline) process(o Observation) {
	if o.Detection == nil {
		p.store.RecordGap()
		return
	}

	// Held across Locate and Append so a concurrent Recalibrate cannot
	// reproject the store between projecting this point under the old
	// model and landing it: every stored point is consistent with the
	// model current at the time it was appended.
	p.calMu.RLock()
	defer p.calMu.RUnlock()
	model := p.model

	tp, ok := Locate(*o.Detection, model, p.cfg.Projector)
	if !ok {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.Debug().
			Int64("frame", o.Detection.FrameIndex).
			Float64("confidence", o.Detection.Confidence).
			Msg("detection below confidence threshold, dropped")
		return
	}

	tp, err := p.store.Append(tp)
	if err != nil {
		// Out-of-order frames are isolated to that frame; the pipeline
		// continues and the ordering invariant holds.
		p.log.Warn().Err(err).Int64("frame", o.Detection.FrameIndex).Msg("rejected track point")
		return
	}
	if !tp.Exact {
		p.log.Debug().
			Int("seq", tp.Seq).
			Float64("miss_m", tp.MissDistM).
			Msg("ray missed sphere, approximate point")
	}

	for _, s := range p.sinks {
		s.OnTrackPoint(tp)
	}

	unit := tp.Pos.Sub(model.Center).Normalize()
	for _, seg := range p.seg.Advance(tp, unit) {
		p.finalize(seg, model)
	}
}

// scoredSegment pairs a segment with its compliance result while the
// reporting granularity is being chosen.
type scoredSegment struct {
	seg *TrajectorySegment
	res ComplianceResult
}

// selectGranularity picks which scoring granularity reports a figure: the
// whole segment or its lobe decomposition. The lobes win only when every
// lobe matched a template and the worst lobe fit still beats the
// whole-figure fit; anything else reports the whole figure as one result.
func selectGranularity(parent scoredSegment, children []scoredSegment) []scoredSegment {
	if len(children) == 0 {
		return []scoredSegment{parent}
	}
	worst := 0.0
	for _, c := range children {
		if !c.res.Matched {
			return []scoredSegment{parent}
		}
		if c.res.Score > worst {
			worst = c.res.Score
		}
	}
	if parent.res.Matched && parent.res.Score <= worst {
		return []scoredSegment{parent}
	}
	return children
}

// finalize records a closed segment, scores it at both the whole-figure
// and lobe granularity and reports only the better reading, unless it was
// force-closed incomplete.
func (p *Pipeline) finalize(seg *TrajectorySegment, model *CalibrationModel) {
	p.mu.Lock()
	p.segments = append(p.segments, seg)
	p.mu.Unlock()

	if seg.Incomplete {
		// Never reached a closing boundary: excluded from scoring.
		p.log.Info().Str("segment", seg.ID).Msg("segment force-closed incomplete, not scored")
		return
	}

	score := func(s *TrajectorySegment) scoredSegment {
		pts := p.store.Range(s.StartSeq, s.EndSeq)
		return scoredSegment{seg: s, res: p.sc.Score(s, pts, model)}
	}

	parent := score(seg)
	children := make([]scoredSegment, 0, len(seg.Children))
	for _, c := range seg.Children {
		children = append(children, score(c))
	}

	for _, ss := range selectGranularity(parent, children) {
		ss.seg.State = SegmentScored

		p.mu.Lock()
		p.results = append(p.results, ss.res)
		p.mu.Unlock()

		ev := p.log.Info().
			Str("segment", ss.seg.ID).
			Str("hypothesis", string(ss.seg.Hypothesis)).
			Bool("matched", ss.res.Matched)
		if ss.res.Matched {
			ev = ev.Str("template", string(ss.res.Template)).Float64("score", ss.res.Score)
		}
		ev.Msg("segment scored")

		for _, sink := range p.sinks {
			sink.OnResult(ss.res, ss.seg)
		}
	}
}

// flush force-closes an in-progress figure at end of stream.
func (p *Pipeline) flush() {
	last := p.store.Len() - 1
	if last < 0 {
		return
	}
	if seg := p.seg.Flush(last); seg != nil {
		p.calMu.RLock()
		defer p.calMu.RUnlock()
		p.finalize(seg, p.model)
	}
}

// Recalibrate swaps in a new calibration model and reprojects every stored
// point under it. It holds exclusive access to the store for the duration
// of the pass; observations submitted meanwhile queue up and are applied
// after reprojection completes. On cancellation the store and the previous
// model are left untouched.
func (p *Pipeline) Recalibrate(ctx context.Context, model *CalibrationModel) error {
	p.calMu.Lock()
	defer p.calMu.Unlock()

	if err := p.store.Reproject(ctx, model, p.cfg.Projector); err != nil {
		return err
	}
	p.model = model
	p.log.Info().Int("points", p.store.Len()).Msg("recalibrated, trajectory reprojected")
	return nil
}

// Results returns the ordered compliance results produced so far.
func (p *Pipeline) Results() []ComplianceResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ComplianceResult, len(p.results))
	copy(out, p.results)
	return out
}

// Segments returns the closed segments recorded so far.
func (p *Pipeline) Segments() []*TrajectorySegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TrajectorySegment, len(p.segments))
	copy(out, p.segments)
	return out
}

// Dropped returns the count of detections dropped below the confidence
// threshold.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
