// Package flightdb persists flight sessions: reconstructed trajectories,
// figure segments and compliance results, in sqlite.
package flightdb

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the session database.
type DB struct {
	*sql.DB
}

// schema.sql mirrors the latest migrations/ state; InitSchema applies it
// directly for ephemeral databases (tests, one-shot analysis runs) where
// running the migration chain is overkill.
//
//go:embed schema.sql
var schemaSQL string

// Open opens (creating if needed) the session database at path. Use
// ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{db}, nil
}

// InitSchema applies the embedded schema. Idempotent.
func (db *DB) InitSchema() error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
