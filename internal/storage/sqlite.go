package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Registry and dispatcher write while holding their own locks; a single
	// connection keeps those writes strictly ordered.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
//
// Oracle records, consumers and evaluations are stored as JSON documents
// next to the columns needed for lookups and ordering.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS oracles (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    worker TEXT NOT NULL,
    active INTEGER NOT NULL,
    record TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS consumers (
    address TEXT PRIMARY KEY,
    used TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    requester TEXT NOT NULL,
    complete INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    time INTEGER NOT NULL,
    request TEXT,
    oracle TEXT,
    attrs TEXT
);

CREATE INDEX IF NOT EXISTS idx_oracles_worker ON oracles(worker);
CREATE INDEX IF NOT EXISTS idx_evaluations_complete ON evaluations(complete);
CREATE INDEX IF NOT EXISTS idx_evaluations_requester ON evaluations(requester);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request);
CREATE INDEX IF NOT EXISTS idx_events_oracle ON events(oracle);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
