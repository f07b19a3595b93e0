// Package streamstate owns the streamers table: tracked channels, their live flag,
// and the atomic online/offline transitions that flip it. All timestamps are computed
// here in Go as UTC so the same statements behave identically under Postgres and the
// sqlite test harness. API responses never read rows directly; they go through Project.
package streamstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned when the referenced streamer row does not exist.
var ErrNotFound = errors.New("streamer not found")

// Streamer mirrors a streamers row. Live fields (Title, Category, ViewerCount,
// LiveSince) carry data only while IsLive; last-known fields describe the most
// recently finished broadcast. Both sets may be populated on the row; Project
// decides which set a caller is allowed to see.
type Streamer struct {
	ID            int64
	Username      string
	TwitchID      sql.NullString
	IsLive        bool
	RecordEnabled bool
	Title         sql.NullString
	Category      sql.NullString
	ViewerCount   sql.NullInt64
	LiveSince     sql.NullTime

	LastStreamTitle     sql.NullString
	LastStreamCategory  sql.NullString
	LastStreamThumbnail sql.NullString
	LastStreamEndedAt   sql.NullTime

	CreatedAt sql.NullTime
	UpdatedAt sql.NullTime
}

// LiveSnapshot is the metadata observed for a currently live channel.
type LiveSnapshot struct {
	Title        string
	Category     string
	ViewerCount  int
	ThumbnailURL string
	StartedAt    time.Time
}

// LastSnapshot is the final live metadata captured just before a channel went
// offline. The offline transition persists it as the last-known fields.
type LastSnapshot struct {
	Title        string
	Category     string
	ThumbnailURL string
}

// TransitionResult reports whether a transition actually flipped the live flag.
// Transitioned=false with a nil error means the row was already in the target
// state (duplicate delivery); callers treat that as success.
type TransitionResult struct {
	Transitioned bool
	At           time.Time
}

// Recorder applies live-state transitions against an injected database handle.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder { return &Recorder{db: db} }

// RecordOnline flips a streamer to live and stores the observed snapshot. The flip is a
// single compare-and-set UPDATE guarded on is_live=FALSE, so concurrent deliveries of the
// same event resolve to one transition; the losers degrade to a metadata refresh.
func (r *Recorder) RecordOnline(ctx context.Context, streamerID int64, snap LiveSnapshot) (TransitionResult, error) {
	now := time.Now().UTC()
	since := snap.StartedAt.UTC()
	if since.IsZero() {
		since = now
	}
	res, err := r.db.ExecContext(ctx, `UPDATE streamers
		SET is_live=TRUE, title=$1, category=$2, viewer_count=$3, live_since=$4, updated_at=$5
		WHERE id=$6 AND is_live=FALSE`,
		snap.Title, snap.Category, snap.ViewerCount, since, now, streamerID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("record online: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("record online rows affected: %w", err)
	}
	if n == 1 {
		slog.Info("streamer went live", slog.Int64("streamer_id", streamerID), slog.String("title", snap.Title), slog.String("component", "streamstate"))
		return TransitionResult{Transitioned: true, At: now}, nil
	}
	// No row flipped: either the streamer is unknown or already live. Already
	// live means this is a duplicate or a mid-stream update; refresh metadata.
	if _, err := r.get(ctx, streamerID); err != nil {
		return TransitionResult{}, err
	}
	if err := r.RefreshLiveMetadata(ctx, streamerID, snap); err != nil {
		return TransitionResult{}, err
	}
	slog.Debug("online event for already-live streamer, metadata refreshed", slog.Int64("streamer_id", streamerID), slog.String("component", "streamstate"))
	return TransitionResult{Transitioned: false, At: now}, nil
}

// RefreshLiveMetadata overwrites the current live fields without touching live_since.
// It is a no-op when the streamer is not live.
func (r *Recorder) RefreshLiveMetadata(ctx context.Context, streamerID int64, snap LiveSnapshot) error {
	_, err := r.db.ExecContext(ctx, `UPDATE streamers
		SET title=$1, category=$2, viewer_count=$3, updated_at=$4
		WHERE id=$5 AND is_live=TRUE`,
		snap.Title, snap.Category, snap.ViewerCount, time.Now().UTC(), streamerID)
	if err != nil {
		return fmt.Errorf("refresh live metadata: %w", err)
	}
	return nil
}

// RecordOffline flips a streamer to offline: clears the live fields, stores the
// last-known snapshot and stamps last_stream_ended_at, all in one guarded UPDATE.
// A delivery for an already-offline streamer changes nothing (Transitioned=false,
// last-known fields keep their values from the transition that won).
func (r *Recorder) RecordOffline(ctx context.Context, streamerID int64, snap LastSnapshot) (TransitionResult, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `UPDATE streamers
		SET is_live=FALSE, title=NULL, category=NULL, viewer_count=NULL, live_since=NULL,
			last_stream_title=$1, last_stream_category=$2, last_stream_thumbnail=$3,
			last_stream_ended_at=$4, updated_at=$5
		WHERE id=$6 AND is_live=TRUE`,
		snap.Title, snap.Category, snap.ThumbnailURL, now, now, streamerID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("record offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("record offline rows affected: %w", err)
	}
	if n == 1 {
		slog.Info("streamer went offline", slog.Int64("streamer_id", streamerID), slog.String("component", "streamstate"))
		return TransitionResult{Transitioned: true, At: now}, nil
	}
	if _, err := r.get(ctx, streamerID); err != nil {
		return TransitionResult{}, err
	}
	slog.Debug("offline event for already-offline streamer, ignoring", slog.Int64("streamer_id", streamerID), slog.String("component", "streamstate"))
	return TransitionResult{Transitioned: false, At: now}, nil
}

const streamerCols = `id, username, twitch_id, is_live, record_enabled, title, category, viewer_count, live_since,
	last_stream_title, last_stream_category, last_stream_thumbnail, last_stream_ended_at,
	created_at, updated_at`

func scanStreamer(row interface{ Scan(...any) error }) (Streamer, error) {
	var s Streamer
	err := row.Scan(&s.ID, &s.Username, &s.TwitchID, &s.IsLive, &s.RecordEnabled, &s.Title, &s.Category,
		&s.ViewerCount, &s.LiveSince, &s.LastStreamTitle, &s.LastStreamCategory,
		&s.LastStreamThumbnail, &s.LastStreamEndedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *Recorder) get(ctx context.Context, id int64) (Streamer, error) {
	s, err := scanStreamer(r.db.QueryRowContext(ctx, `SELECT `+streamerCols+` FROM streamers WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return Streamer{}, ErrNotFound
	}
	if err != nil {
		return Streamer{}, fmt.Errorf("get streamer: %w", err)
	}
	return s, nil
}

// GetStreamer fetches a single streamer row by id.
func (r *Recorder) GetStreamer(ctx context.Context, id int64) (Streamer, error) {
	return r.get(ctx, id)
}

// GetStreamerByUsername fetches a single streamer row by login name. Logins
// are stored lowercase, so the lookup folds case.
func (r *Recorder) GetStreamerByUsername(ctx context.Context, username string) (Streamer, error) {
	s, err := scanStreamer(r.db.QueryRowContext(ctx, `SELECT `+streamerCols+` FROM streamers WHERE username=$1`, strings.ToLower(username)))
	if err == sql.ErrNoRows {
		return Streamer{}, ErrNotFound
	}
	if err != nil {
		return Streamer{}, fmt.Errorf("get streamer by username: %w", err)
	}
	return s, nil
}

// ListStreamers returns all tracked streamers ordered by username.
func (r *Recorder) ListStreamers(ctx context.Context) ([]Streamer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+streamerCols+` FROM streamers ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list streamers: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "streamstate"))
		}
	}()
	var out []Streamer
	for rows.Next() {
		s, err := scanStreamer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan streamer: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListLiveStreamers returns only currently live streamers, most viewers first.
func (r *Recorder) ListLiveStreamers(ctx context.Context) ([]Streamer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+streamerCols+` FROM streamers WHERE is_live=TRUE ORDER BY viewer_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("list live streamers: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "streamstate"))
		}
	}()
	var out []Streamer
	for rows.Next() {
		s, err := scanStreamer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan streamer: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateStreamer inserts a new tracked streamer. Twitch logins are lowercase,
// so the username is folded before insert. The twitch id may be empty and
// filled in later once Helix resolves the login.
func (r *Recorder) CreateStreamer(ctx context.Context, username, twitchID string) (Streamer, error) {
	now := time.Now().UTC()
	var id int64
	err := r.db.QueryRowContext(ctx, `INSERT INTO streamers (username, twitch_id, is_live, created_at)
		VALUES ($1, $2, FALSE, $3) RETURNING id`,
		strings.ToLower(username), nullString(twitchID), now).Scan(&id)
	if err != nil {
		return Streamer{}, fmt.Errorf("create streamer: %w", err)
	}
	return r.get(ctx, id)
}

// SetTwitchID stores the Helix user id for a streamer once resolved.
func (r *Recorder) SetTwitchID(ctx context.Context, streamerID int64, twitchID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE streamers SET twitch_id=$1, updated_at=$2 WHERE id=$3`,
		twitchID, time.Now().UTC(), streamerID)
	if err != nil {
		return fmt.Errorf("set twitch id: %w", err)
	}
	return nil
}

// SetRecordEnabled toggles automatic capture for a streamer. Live-state
// tracking continues either way; the flag only gates recording.
func (r *Recorder) SetRecordEnabled(ctx context.Context, streamerID int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE streamers SET record_enabled=$1, updated_at=$2 WHERE id=$3`,
		enabled, time.Now().UTC(), streamerID)
	if err != nil {
		return fmt.Errorf("set record enabled: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStreamer removes a streamer row; sessions and chat cascade in Postgres.
func (r *Recorder) DeleteStreamer(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM streamers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete streamer: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
