package flightdb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Session is one analyzed flight video.
type Session struct {
	ID               string  `json:"id"`
	Label            string  `json:"label"`
	StartedUnixNanos int64   `json:"started_unix_nanos"`
	FlightRadiusM    float64 `json:"flight_radius_m"`
	MarkerRadiusM    float64 `json:"marker_radius_m"`
	MarkerHeightM    float64 `json:"marker_height_m"`
}

// ErrSessionNotFound is returned by GetSession for unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession inserts a new session record. A missing ID is assigned.
func (db *DB) CreateSession(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := db.Exec(`
		INSERT INTO sessions (id, label, started_unix_nanos, flight_radius_m, marker_radius_m, marker_height_m)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Label, s.StartedUnixNanos, s.FlightRadiusM, s.MarkerRadiusM, s.MarkerHeightM)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSessionStart sets the session's start timestamp, known only once
// the first observation of the log has been seen.
func (db *DB) UpdateSessionStart(id string, startedUnixNanos int64) error {
	res, err := db.Exec(`UPDATE sessions SET started_unix_nanos = ? WHERE id = ?`, startedUnixNanos, id)
	if err != nil {
		return fmt.Errorf("failed to update session start: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession loads one session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT id, label, started_unix_nanos, flight_radius_m, marker_radius_m, marker_height_m
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.Label, &s.StartedUnixNanos, &s.FlightRadiusM, &s.MarkerRadiusM, &s.MarkerHeightM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT id, label, started_unix_nanos, flight_radius_m, marker_radius_m, marker_height_m
		FROM sessions ORDER BY started_unix_nanos DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Label, &s.StartedUnixNanos, &s.FlightRadiusM, &s.MarkerRadiusM, &s.MarkerHeightM); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
