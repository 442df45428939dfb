package flightdb

import (
	"encoding/json"
	"fmt"

	"github.com/flightline-data/figure.report/internal/flight"
)

// InsertSegment stores one closed figure segment.
func (db *DB) InsertSegment(sessionID string, seg *flight.TrajectorySegment) error {
	incomplete := 0
	if seg.Incomplete {
		incomplete = 1
	}
	_, err := db.Exec(`
		INSERT INTO segments (id, session_id, parent_id, start_seq, end_seq, hypothesis, state, incomplete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, seg.ID, sessionID, seg.ParentID, seg.StartSeq, seg.EndSeq, string(seg.Hypothesis), string(seg.State), incomplete)
	if err != nil {
		return fmt.Errorf("failed to insert segment %s: %w", seg.ID, err)
	}
	return nil
}

// InsertResult stores one compliance result.
func (db *DB) InsertResult(sessionID string, res flight.ComplianceResult) error {
	matched := 0
	if res.Matched {
		matched = 1
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO results (segment_id, session_id, template, matched, score, yaw_deg, metrics_json, scored_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, res.SegmentID, sessionID, string(res.Template), matched, res.Score, res.YawDeg, string(metricsJSON), res.ScoredUnixNanos)
	if err != nil {
		return fmt.Errorf("failed to insert result for segment %s: %w", res.SegmentID, err)
	}
	return nil
}

// Segments loads a session's figure segments in start order, children
// attached to their parents.
func (db *DB) Segments(sessionID string) ([]*flight.TrajectorySegment, error) {
	rows, err := db.Query(`
		SELECT id, parent_id, start_seq, end_seq, hypothesis, state, incomplete
		FROM segments WHERE session_id = ? ORDER BY start_seq, parent_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*flight.TrajectorySegment)
	var flat []*flight.TrajectorySegment
	for rows.Next() {
		var (
			seg        flight.TrajectorySegment
			hypothesis string
			state      string
			incomplete int
		)
		if err := rows.Scan(&seg.ID, &seg.ParentID, &seg.StartSeq, &seg.EndSeq, &hypothesis, &state, &incomplete); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		seg.Hypothesis = flight.ManeuverType(hypothesis)
		seg.State = flight.SegmentState(state)
		seg.Incomplete = incomplete != 0
		byID[seg.ID] = &seg
		flat = append(flat, &seg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var roots []*flight.TrajectorySegment
	for _, seg := range flat {
		if seg.ParentID == "" {
			roots = append(roots, seg)
			continue
		}
		if parent, ok := byID[seg.ParentID]; ok {
			parent.Children = append(parent.Children, seg)
		} else {
			roots = append(roots, seg)
		}
	}
	return roots, nil
}

// Results loads a session's compliance results in scoring order.
func (db *DB) Results(sessionID string) ([]flight.ComplianceResult, error) {
	rows, err := db.Query(`
		SELECT segment_id, template, matched, score, yaw_deg, metrics_json, scored_unix_nanos
		FROM results WHERE session_id = ? ORDER BY scored_unix_nanos, segment_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []flight.ComplianceResult
	for rows.Next() {
		var (
			res         flight.ComplianceResult
			template    string
			matched     int
			metricsJSON string
		)
		if err := rows.Scan(&res.SegmentID, &template, &matched, &res.Score, &res.YawDeg, &metricsJSON, &res.ScoredUnixNanos); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Template = flight.ManeuverType(template)
		res.Matched = matched != 0
		if err := json.Unmarshal([]byte(metricsJSON), &res.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics for segment %s: %w", res.SegmentID, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
