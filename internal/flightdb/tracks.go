package flightdb

import (
	"fmt"

	"github.com/flightline-data/figure.report/internal/flight"
	"github.com/flightline-data/figure.report/internal/geom"
)

// InsertTrackPoints stores a batch of reconstructed points for a session
// in one transaction.
func (db *DB) InsertTrackPoints(sessionID string, pts []flight.TrackPoint) error {
	if len(pts) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin track point batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO track_points (session_id, seq, unix_nanos, frame_index, x, y, z, px_u, px_v, confidence, exact_hit, miss_dist_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare track point insert: %w", err)
	}
	defer stmt.Close()

	for _, tp := range pts {
		exact := 0
		if tp.Exact {
			exact = 1
		}
		if _, err := stmt.Exec(
			sessionID, tp.Seq, tp.Detection.UnixNanos, tp.Detection.FrameIndex,
			tp.Pos.X, tp.Pos.Y, tp.Pos.Z,
			tp.Detection.Pixel.U, tp.Detection.Pixel.V,
			tp.Confidence, exact, tp.MissDistM,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert track point %d: %w", tp.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track point batch: %w", err)
	}
	return nil
}

// ReplaceTrackPoints deletes and rewrites a session's trajectory, used
// after recalibration invalidates previously stored points.
func (db *DB) ReplaceTrackPoints(sessionID string, pts []flight.TrackPoint) error {
	if _, err := db.Exec(`DELETE FROM track_points WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear track points: %w", err)
	}
	return db.InsertTrackPoints(sessionID, pts)
}

// TrackPoints loads a session's trajectory in sequence order.
func (db *DB) TrackPoints(sessionID string) ([]flight.TrackPoint, error) {
	rows, err := db.Query(`
		SELECT seq, unix_nanos, frame_index, x, y, z, px_u, px_v, confidence, exact_hit, miss_dist_m
		FROM track_points WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query track points: %w", err)
	}
	defer rows.Close()

	var out []flight.TrackPoint
	for rows.Next() {
		var (
			tp    flight.TrackPoint
			pos   geom.Vec3
			exact int
		)
		if err := rows.Scan(
			&tp.Seq, &tp.Detection.UnixNanos, &tp.Detection.FrameIndex,
			&pos.X, &pos.Y, &pos.Z,
			&tp.Detection.Pixel.U, &tp.Detection.Pixel.V,
			&tp.Confidence, &exact, &tp.MissDistM,
		); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		tp.Pos = pos
		tp.Exact = exact != 0
		out = append(out, tp)
	}
	return out, rows.Err()
}
