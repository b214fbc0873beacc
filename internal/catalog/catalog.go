// Package catalog is the durable, transactional store of spec §4.1 — the
// only component that owns persistent state (spec §3 Ownership). Every
// mutation here is atomic; partial observers never see a job in two
// states at once.
//
// Storage engine and schema-bootstrap idiom are lifted from the teacher's
// internal/index.Open/ensureSchema: database/sql over modernc.org/sqlite,
// the same PRAGMA set, "begin tx, defer Rollback, commit last."
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Catalog wraps a *sql.DB with the operations spec §4.1 names.
type Catalog struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the sqlite database at dbPath,
// matching the Catalog.url configuration key (spec §6.6).
func Open(dbPath string) (*Catalog, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// A single connection keeps sqlite's writer-serialization simple and
	// matches the teacher's pattern; WAL mode still lets readers proceed
	// concurrently with the one writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", p, err)
		}
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			root TEXT NOT NULL,
			rel_path TEXT NOT NULL,
			size INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			tag_source TEXT NOT NULL DEFAULT 'none',
			rule_id INTEGER,
			status TEXT NOT NULL DEFAULT 'discovered',
			last_error TEXT NOT NULL DEFAULT '',
			UNIQUE(root, rel_path)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_files_fingerprint ON files(fingerprint);`,
		`CREATE TABLE IF NOT EXISTS tagging_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT NOT NULL,
			tag TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS parser_bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			source_bytes BLOB NOT NULL DEFAULT x'',
			dependencies TEXT NOT NULL DEFAULT '[]',
			schema_contract TEXT NOT NULL,
			sink_kind TEXT NOT NULL,
			sink_path_template TEXT NOT NULL,
			sink_table TEXT NOT NULL DEFAULT '',
			UNIQUE(name, source_hash)
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			tag TEXT NOT NULL,
			parser_binding_id INTEGER NOT NULL REFERENCES parser_bindings(id),
			PRIMARY KEY (tag, parser_binding_id)
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES files(id),
			file_fingerprint TEXT NOT NULL,
			parser_binding_id INTEGER NOT NULL REFERENCES parser_bindings(id),
			status TEXT NOT NULL DEFAULT 'queued',
			claimed_at TEXT,
			ended_at TEXT,
			worker_id TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			row_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint_binding ON jobs(file_fingerprint, parser_binding_id);`,
		`CREATE TABLE IF NOT EXISTS worker_registrations (
			worker_id TEXT PRIMARY KEY,
			last_heartbeat TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS lineage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			event_time TEXT NOT NULL,
			file_fingerprint TEXT NOT NULL DEFAULT '',
			job_id INTEGER,
			parser_name TEXT NOT NULL DEFAULT '',
			parser_version TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			row_count INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
