package flight

import (
	"context"
	"fmt"
	"sync"
)

// ErrOutOfOrder is returned by Append when a point's timestamp does not
// strictly increase. Frames arrive in order; duplicates and reordering are
// rejected rather than silently fixed.
type ErrOutOfOrder struct {
	LastUnixNanos int64
	GotUnixNanos  int64
}

func (e *ErrOutOfOrder) Error() string {
	return fmt.Sprintf("out-of-order track point: last=%d got=%d", e.LastUnixNanos, e.GotUnixNanos)
}

// TrajectoryStore is the append-only, timestamp-ordered sequence of
// reconstructed track points for one session. Appends are O(1) and the
// last K points are available in O(1) for the segmenter's sliding window.
// The sole permitted mutation of existing entries is Reproject, used on
// recalibration.
type TrajectoryStore struct {
	mu        sync.RWMutex
	points    []TrackPoint
	gaps      int64
	lastNanos int64
}

// NewTrajectoryStore creates an empty trajectory store.
func NewTrajectoryStore() *TrajectoryStore {
	return &TrajectoryStore{}
}

// Append adds a reconstructed point. The point's sequence number is
// assigned here. Non-increasing timestamps are rejected with ErrOutOfOrder.
func (s *TrajectoryStore) Append(tp TrackPoint) (TrackPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) > 0 && tp.Detection.UnixNanos <= s.lastNanos {
		return TrackPoint{}, &ErrOutOfOrder{LastUnixNanos: s.lastNanos, GotUnixNanos: tp.Detection.UnixNanos}
	}
	tp.Seq = len(s.points)
	s.points = append(s.points, tp)
	s.lastNanos = tp.Detection.UnixNanos
	return tp, nil
}

// RecordGap notes an explicit no-detection frame. Gaps do not advance
// reconstruction state; they are only counted.
func (s *TrajectoryStore) RecordGap() {
	s.mu.Lock()
	s.gaps++
	s.mu.Unlock()
}

// Gaps returns the number of recorded no-detection frames.
func (s *TrajectoryStore) Gaps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gaps
}

// Len returns the number of stored points.
func (s *TrajectoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// At returns the point at sequence index i.
func (s *TrajectoryStore) At(i int) TrackPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points[i]
}

// LastK returns the most recent k points (fewer if the store is shorter).
// The returned slice shares storage with the store; callers must not
// modify it. Points are never mutated in place so sharing is safe.
func (s *TrajectoryStore) LastK(k int) []TrackPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k > len(s.points) {
		k = len(s.points)
	}
	return s.points[len(s.points)-k:]
}

// Range returns points with sequence numbers in [start, end] inclusive.
func (s *TrajectoryStore) Range(start, end int) []TrackPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 0 {
		start = 0
	}
	if end >= len(s.points) {
		end = len(s.points) - 1
	}
	if start > end {
		return nil
	}
	out := make([]TrackPoint, end-start+1)
	copy(out, s.points[start:end+1])
	return out
}

// Points returns a snapshot copy of all stored points.
func (s *TrajectoryStore) Points() []TrackPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackPoint, len(s.points))
	copy(out, s.points)
	return out
}

// Reproject replaces every stored point with its projection under a new
// calibration model, preserving order, count and sequence numbers. It
// holds the store's write lock for the whole pass, so concurrent appends
// queue up and apply after reprojection completes. The confidence gate is
// not re-applied: a detection accepted under the old model stays in the
// trajectory (possibly as an approximate point) so the point count is
// stable across recalibration.
//
// Cancellation aborts the swap entirely; the store is left untouched and
// appendable.
func (s *TrajectoryStore) Reproject(ctx context.Context, model *CalibrationModel, cfg ProjectorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reproject into a fresh slice; swap only on full success.
	next := make([]TrackPoint, len(s.points))
	for i, old := range s.points {
		if err := ctx.Err(); err != nil {
			return err
		}
		det := old.Detection
		// Bypass the confidence gate: project unconditionally.
		gate := cfg
		gate.MinDetectionConfidence = 0
		tp, _ := Locate(det, model, gate)
		tp.Seq = i
		next[i] = tp
	}
	s.points = next
	return nil
}
