package flightdb

import (
	"github.com/rs/zerolog"

	"github.com/flightline-data/figure.report/internal/flight"
)

// Recorder is a pipeline sink that persists the live output of one
// session: track points in batches, segments and results as they close.
// The pipeline invokes sinks from its single consumer goroutine, so the
// recorder needs no locking; call Flush once the pipeline has drained.
type Recorder struct {
	db        *DB
	sessionID string
	log       zerolog.Logger

	batch     []flight.TrackPoint
	batchSize int
}

// NewRecorder creates a recorder for one session.
func NewRecorder(db *DB, sessionID string, log zerolog.Logger) *Recorder {
	return &Recorder{
		db:        db,
		sessionID: sessionID,
		log:       log,
		batchSize: 256,
	}
}

// OnTrackPoint buffers a reconstructed point, flushing full batches.
func (r *Recorder) OnTrackPoint(tp flight.TrackPoint) {
	r.batch = append(r.batch, tp)
	if len(r.batch) >= r.batchSize {
		if err := r.Flush(); err != nil {
			r.log.Error().Err(err).Msg("track point batch write failed")
		}
	}
}

// OnResult persists a scored segment and its compliance result.
func (r *Recorder) OnResult(res flight.ComplianceResult, seg *flight.TrajectorySegment) {
	// The segment's points may still be buffered; results reference the
	// store by sequence range, so write order does not matter, but flush
	// anyway so a crash loses at most the open batch.
	if err := r.Flush(); err != nil {
		r.log.Error().Err(err).Msg("track point flush failed")
	}
	if err := r.db.InsertSegment(r.sessionID, seg); err != nil {
		r.log.Error().Err(err).Str("segment", seg.ID).Msg("segment write failed")
		return
	}
	if err := r.db.InsertResult(r.sessionID, res); err != nil {
		r.log.Error().Err(err).Str("segment", seg.ID).Msg("result write failed")
	}
}

// Flush writes any buffered track points.
func (r *Recorder) Flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	if err := r.db.InsertTrackPoints(r.sessionID, r.batch); err != nil {
		return err
	}
	r.batch = r.batch[:0]
	return nil
}
