package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// SetupSQLiteDB opens an in-memory sqlite database mirroring the Postgres schema.
// The production statements stick to $n placeholders, Go-side UTC timestamps and
// RETURNING, all of which sqlite accepts, so storage-path unit tests run without
// a Postgres instance. Column types are sqlite-friendly equivalents (TIMESTAMP so
// the driver scans time.Time, INTEGER PRIMARY KEY for serials).
func SetupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close sqlite: %v", err)
		}
	})
	// Single connection: an in-memory sqlite db vanishes when its last conn closes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}

	stmts := []string{
		`CREATE TABLE streamers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			twitch_id TEXT UNIQUE,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			record_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			title TEXT,
			category TEXT,
			viewer_count INTEGER,
			live_since TIMESTAMP,
			last_stream_title TEXT,
			last_stream_category TEXT,
			last_stream_thumbnail TEXT,
			last_stream_ended_at TIMESTAMP,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE stream_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			streamer_id INTEGER NOT NULL REFERENCES streamers(id) ON DELETE CASCADE,
			title TEXT,
			category TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			recording_path TEXT,
			thumbnail_path TEXT,
			file_size BIGINT DEFAULT 0,
			duration_seconds INTEGER,
			archived_url TEXT,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES stream_sessions(id) ON DELETE CASCADE,
			username TEXT,
			message TEXT,
			abs_timestamp TIMESTAMP,
			rel_timestamp DOUBLE PRECISION,
			badges TEXT,
			emotes TEXT,
			color TEXT,
			created_at TIMESTAMP
		)`,
		`CREATE TABLE kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMP
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("create test schema: %v", err)
		}
	}
	return db
}
