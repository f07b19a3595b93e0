// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN. Defaulting lives in
// config.Load so there is exactly one place that decides what DB_DSN means.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streamers (
			id SERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			twitch_id TEXT UNIQUE,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			record_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			title TEXT,
			category TEXT,
			viewer_count INTEGER,
			live_since TIMESTAMPTZ,
			last_stream_title TEXT,
			last_stream_category TEXT,
			last_stream_thumbnail TEXT,
			last_stream_ended_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id SERIAL PRIMARY KEY,
			streamer_id INTEGER NOT NULL REFERENCES streamers(id) ON DELETE CASCADE,
			title TEXT,
			category TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			recording_path TEXT,
			thumbnail_path TEXT,
			file_size BIGINT DEFAULT 0,
			duration_seconds INTEGER,
			archived_url TEXT,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES stream_sessions(id) ON DELETE CASCADE,
			username TEXT,
			message TEXT,
			abs_timestamp TIMESTAMPTZ,
			rel_timestamp DOUBLE PRECISION,
			badges TEXT,
			emotes TEXT,
			color TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streamers_username ON streamers(username)`,
		`CREATE INDEX IF NOT EXISTS idx_streamers_is_live ON streamers(is_live)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_streamer_started ON stream_sessions(streamer_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ended ON stream_sessions(ended_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session_rel ON chat_messages(session_id, rel_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session_abs ON chat_messages(session_id, abs_timestamp)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores or updates a small bookkeeping value (job cursors, circuit state, rolling stats).
// The timestamp is computed here so the statement runs unchanged under sqlite in tests.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,$3)
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// GetKV retrieves a stored value; ok is false when the key is absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (value string, ok bool, err error) {
	var v sql.NullString
	err = dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}
