// Package recording owns stream sessions and the capture pipeline that turns a
// live broadcast into files on disk: the streamlink capture itself, remux and
// thumbnail post-processing, directory reconciliation, and retention cleanup.
// All filesystem access goes through safepath resolvers so a corrupted path in
// the database can never reach outside the configured roots.
package recording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Serph91P/StreamVault-sub006/db"
)

// ErrNotFound is returned when the referenced session row does not exist.
var ErrNotFound = errors.New("session not found")

// Session mirrors a stream_sessions row. RecordingPath and ThumbnailPath are
// stored relative to their respective roots; resolving them back to absolute
// paths is the caller's job and always goes through safepath.
type Session struct {
	ID              int64
	StreamerID      int64
	Title           sql.NullString
	Category        sql.NullString
	StartedAt       time.Time
	EndedAt         sql.NullTime
	RecordingPath   sql.NullString
	ThumbnailPath   sql.NullString
	FileSize        int64
	DurationSeconds sql.NullInt64
	ArchivedURL     sql.NullString
	Pinned          bool
	CreatedAt       sql.NullTime
	UpdatedAt       sql.NullTime
}

// Open reports whether the session's broadcast is still running.
func (s Session) Open() bool { return !s.EndedAt.Valid }

// OpenSession is a session row joined with its streamer's username, used by
// the scanner to match stray files back to the channel that produced them.
type OpenSession struct {
	Session
	Username string
}

const sessionCols = `id, streamer_id, title, category, started_at, ended_at,
	recording_path, thumbnail_path, file_size, duration_seconds, archived_url, pinned,
	created_at, updated_at`

// Store reads and writes stream_sessions against an injected database handle.
type Store struct {
	db *sql.DB
}

func NewStore(dbc *sql.DB) *Store { return &Store{db: dbc} }

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	var size sql.NullInt64
	err := row.Scan(&s.ID, &s.StreamerID, &s.Title, &s.Category, &s.StartedAt, &s.EndedAt,
		&s.RecordingPath, &s.ThumbnailPath, &size, &s.DurationSeconds, &s.ArchivedURL, &s.Pinned,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	s.FileSize = size.Int64
	return s, nil
}

// OpenSession returns the streamer's currently open session, creating one when
// none exists. Duplicate online deliveries for the same broadcast land on the
// same row instead of forking a second session.
func (s *Store) OpenSession(ctx context.Context, streamerID int64, title, category string, startedAt time.Time) (Session, error) {
	existing, err := s.openFor(ctx, streamerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	now := time.Now().UTC()
	started := startedAt.UTC()
	if started.IsZero() {
		started = now
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO stream_sessions (streamer_id, title, category, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		streamerID, title, category, started, now).Scan(&id)
	if err != nil {
		return Session{}, fmt.Errorf("open session: %w", err)
	}
	slog.Info("session opened", slog.Int64("session_id", id), slog.Int64("streamer_id", streamerID), slog.String("title", title), slog.String("component", "recording"))
	return s.Get(ctx, id)
}

func (s *Store) openFor(ctx context.Context, streamerID int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
		WHERE streamer_id=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, streamerID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query open session: %w", err)
	}
	return sess, nil
}

// CloseSession stamps ended_at and the wall-clock duration. Closing an
// already-closed session is a no-op that returns the current row, so duplicate
// offline deliveries are harmless.
func (s *Store) CloseSession(ctx context.Context, sessionID int64, endedAt time.Time) (Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.EndedAt.Valid {
		return sess, nil
	}
	ended := endedAt.UTC()
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	dur := int64(ended.Sub(sess.StartedAt.UTC()).Seconds())
	if dur < 0 {
		dur = 0
	}
	_, err = s.db.ExecContext(ctx, `UPDATE stream_sessions
		SET ended_at=$1, duration_seconds=$2, updated_at=$3
		WHERE id=$4 AND ended_at IS NULL`,
		ended, dur, time.Now().UTC(), sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	slog.Info("session closed", slog.Int64("session_id", sessionID), slog.Int64("duration_seconds", dur), slog.String("component", "recording"))
	return s.Get(ctx, sessionID)
}

// CloseOpenSession closes the streamer's open session if one exists. The bool
// reports whether a session was actually closed.
func (s *Store) CloseOpenSession(ctx context.Context, streamerID int64, endedAt time.Time) (Session, bool, error) {
	open, err := s.openFor(ctx, streamerID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess, err := s.CloseSession(ctx, open.ID, endedAt)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// AttachRecording records where the capture landed and how large it is. The
// path is relative to the recordings root.
func (s *Store) AttachRecording(ctx context.Context, sessionID int64, relPath string, size int64) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET recording_path=$1, file_size=$2, updated_at=$3 WHERE id=$4`,
		relPath, size, time.Now().UTC(), sessionID)
}

// AttachThumbnail records the rendered thumbnail, relative to the thumbnails root.
func (s *Store) AttachThumbnail(ctx context.Context, sessionID int64, relPath string) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET thumbnail_path=$1, updated_at=$2 WHERE id=$3`,
		relPath, time.Now().UTC(), sessionID)
}

// SetArchivedURL stores the object-storage location after a successful upload.
func (s *Store) SetArchivedURL(ctx context.Context, sessionID int64, url string) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET archived_url=$1, updated_at=$2 WHERE id=$3`,
		url, time.Now().UTC(), sessionID)
}

// SetPinned marks or unmarks a session as exempt from retention cleanup.
func (s *Store) SetPinned(ctx context.Context, sessionID int64, pinned bool) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET pinned=$1, updated_at=$2 WHERE id=$3`,
		pinned, time.Now().UTC(), sessionID)
}

// ClearArtifacts drops the file references after the files themselves are gone.
// The row survives as broadcast history; file_size keeps its last value so the
// catalog can still show how large the recording was.
func (s *Store) ClearArtifacts(ctx context.Context, sessionID int64) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET recording_path=NULL, thumbnail_path=NULL, updated_at=$1 WHERE id=$2`,
		time.Now().UTC(), sessionID)
}

// ClearRecording drops only the recording reference, used when the scanner
// finds the file missing on disk.
func (s *Store) ClearRecording(ctx context.Context, sessionID int64) error {
	return s.update(ctx, sessionID, `UPDATE stream_sessions SET recording_path=NULL, updated_at=$1 WHERE id=$2`,
		time.Now().UTC(), sessionID)
}

func (s *Store) update(ctx context.Context, sessionID int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %d: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %d rows affected: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a single session by id.
func (s *Store) Get(ctx context.Context, sessionID int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions WHERE id=$1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// List returns sessions newest-first. A streamerID of 0 lists across all
// streamers. Limit defaults to 50 and is capped at 200.
func (s *Store) List(ctx context.Context, streamerID int64, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	var rows *sql.Rows
	var err error
	if streamerID > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
			WHERE streamer_id=$1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, streamerID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
			ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("close session rows", slog.Any("err", err), slog.String("component", "recording"))
		}
	}()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListOpen returns every session without an end timestamp, joined with the
// streamer's username so orphaned files can be matched back by directory.
func (s *Store) ListOpen(ctx context.Context) ([]OpenSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.streamer_id, s.title, s.category, s.started_at, s.ended_at,
		s.recording_path, s.thumbnail_path, s.file_size, s.duration_seconds, s.archived_url, s.pinned,
		s.created_at, s.updated_at, st.username
		FROM stream_sessions s JOIN streamers st ON st.id = s.streamer_id
		WHERE s.ended_at IS NULL ORDER BY s.started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("close open session rows", slog.Any("err", err), slog.String("component", "recording"))
		}
	}()
	var out []OpenSession
	for rows.Next() {
		var o OpenSession
		var size sql.NullInt64
		err := rows.Scan(&o.ID, &o.StreamerID, &o.Title, &o.Category, &o.StartedAt, &o.EndedAt,
			&o.RecordingPath, &o.ThumbnailPath, &size, &o.DurationSeconds, &o.ArchivedURL, &o.Pinned,
			&o.CreatedAt, &o.UpdatedAt, &o.Username)
		if err != nil {
			return nil, fmt.Errorf("scan open session: %w", err)
		}
		o.FileSize = size.Int64
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListWithRecordings returns sessions that still reference a recording file,
// oldest first, which is the order retention considers them in.
func (s *Store) ListWithRecordings(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM stream_sessions
		WHERE recording_path IS NOT NULL AND recording_path != '' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions with recordings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("close recorded session rows", slog.Any("err", err), slog.String("component", "recording"))
		}
	}()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recorded session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordedPaths maps every referenced recording path to its session id. The
// scanner diffs this against what is actually on disk.
func (s *Store) RecordedPaths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recording_path FROM stream_sessions
		WHERE recording_path IS NOT NULL AND recording_path != ''`)
	if err != nil {
		return nil, fmt.Errorf("list recorded paths: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("close recorded path rows", slog.Any("err", err), slog.String("component", "recording"))
		}
	}()
	out := make(map[string]int64)
	for rows.Next() {
		var id int64
		var rel string
		if err := rows.Scan(&id, &rel); err != nil {
			return nil, fmt.Errorf("scan recorded path: %w", err)
		}
		out[rel] = id
	}
	return out, rows.Err()
}

// Delete removes the session row. Callers that also need the files gone use
// RemoveSession, which deletes files first so a failed pass can be retried.
func (s *Store) Delete(ctx context.Context, sessionID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	slog.Info("session deleted", slog.Int64("session_id", sessionID), slog.String("component", "recording"))
	return nil
}

// JournalCapture folds one finished capture into the rolling pipeline stats
// kept in kv, and stamps the last-run marker.
func (s *Store) JournalCapture(ctx context.Context, captureDur, postDur time.Duration) {
	updateMovingAvg(ctx, s.db, "avg_capture_ms", float64(captureDur.Milliseconds()))
	updateMovingAvg(ctx, s.db, "avg_postprocess_ms", float64(postDur.Milliseconds()))
	updateMovingAvg(ctx, s.db, "avg_total_ms", float64((captureDur + postDur).Milliseconds()))
	if err := db.SetKV(ctx, s.db, "capture_last_finished", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("journal capture timestamp", slog.Any("err", err), slog.String("component", "recording"))
	}
}

// updateMovingAvg maintains an exponential moving average in kv. Stored as
// integer milliseconds; alpha 0.2 weighs recent runs without thrashing.
func updateMovingAvg(ctx context.Context, dbc *sql.DB, key string, newVal float64) {
	cur, ok, err := db.GetKV(ctx, dbc, key)
	if err != nil {
		slog.Warn("read moving average", slog.String("key", key), slog.Any("err", err), slog.String("component", "recording"))
		return
	}
	avg := newVal
	if ok && cur != "" {
		if prev, err := strconv.ParseFloat(cur, 64); err == nil {
			avg = 0.2*newVal + 0.8*prev
		}
	}
	if err := db.SetKV(ctx, dbc, key, strconv.FormatInt(int64(avg), 10)); err != nil {
		slog.Warn("write moving average", slog.String("key", key), slog.Any("err", err), slog.String("component", "recording"))
	}
}
