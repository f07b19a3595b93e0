package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Serph91P/StreamVault-sub006/safepath"
)

// RetentionPolicy defines which finished recordings are eligible for cleanup.
// Pinned sessions and sessions still being captured are never touched.
type RetentionPolicy struct {
	// KeepLastNDays: recordings older than this many days are eligible (0 = disabled)
	KeepLastNDays int
	// KeepLastNSessions: keep only the N most recent recordings (0 = disabled)
	KeepLastNSessions int
	// MinFreeBytes: delete oldest recordings until the disk has at least this
	// much free space (0 = disabled). Overrides age and count retention,
	// except for pinned and open sessions.
	MinFreeBytes int64
	// DryRun: when true, log actions but don't delete files or update rows
	DryRun bool
	// Interval: how often to run the cleanup job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNSessions = n
		}
	}
	if s := os.Getenv("RETENTION_MIN_FREE_BYTES"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			policy.MinFreeBytes = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// Enabled reports whether any cleanup rule is configured.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepLastNDays > 0 || p.KeepLastNSessions > 0 || p.MinFreeBytes > 0
}

// RetentionReport summarizes one cleanup pass.
type RetentionReport struct {
	Cleaned    int   `json:"cleaned"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	BytesFreed int64 `json:"bytes_freed"`
	DryRun     bool  `json:"dry_run"`
}

// Retention deletes old recording files according to its policy. Files go
// first, through the safepath resolvers; the session rows survive as broadcast
// history with their file references cleared.
type Retention struct {
	store   *Store
	records *safepath.Resolver
	thumbs  *safepath.Resolver
	policy  RetentionPolicy
}

func NewRetention(store *Store, records, thumbs *safepath.Resolver, policy RetentionPolicy) *Retention {
	return &Retention{store: store, records: records, thumbs: thumbs, policy: policy}
}

// diskFree reports available bytes on the filesystem containing path.
// Swapped out in tests.
var diskFree = func(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Run periodically applies the policy until the context is canceled.
func (r *Retention) Run(ctx context.Context) {
	if !r.policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)")
		return
	}
	slog.Info("retention job starting",
		slog.Int("keep_days", r.policy.KeepLastNDays),
		slog.Int("keep_count", r.policy.KeepLastNSessions),
		slog.Int64("min_free_bytes", r.policy.MinFreeBytes),
		slog.Bool("dry_run", r.policy.DryRun),
		slog.Duration("interval", r.policy.Interval))

	if _, err := r.Cleanup(ctx); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// Cleanup performs a single retention pass and reports what it did.
func (r *Retention) Cleanup(ctx context.Context) (RetentionReport, error) {
	logger := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", r.policy.DryRun))
	rep := RetentionReport{DryRun: r.policy.DryRun}

	sessions, err := r.store.ListWithRecordings(ctx)
	if err != nil {
		return rep, fmt.Errorf("list recorded sessions: %w", err)
	}
	if len(sessions) == 0 {
		return rep, nil
	}

	protected := make(map[int64]bool)
	for _, s := range sessions {
		if s.Pinned || s.Open() {
			protected[s.ID] = true
		}
	}

	retained := make(map[int64]bool)
	if r.policy.KeepLastNDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -r.policy.KeepLastNDays)
		for _, s := range sessions {
			if s.StartedAt.UTC().After(cutoff) {
				retained[s.ID] = true
			}
		}
	}
	if n := r.policy.KeepLastNSessions; n > 0 {
		// Sessions are ordered oldest first; the newest n stay.
		for _, s := range sessions[max(0, len(sessions)-n):] {
			retained[s.ID] = true
		}
	}
	logger.Debug("retention pass", slog.Int("candidates", len(sessions)), slog.Int("retained", len(retained)), slog.Int("protected", len(protected)))

	deleted := make(map[int64]bool)
	if r.policy.KeepLastNDays > 0 || r.policy.KeepLastNSessions > 0 {
		for _, s := range sessions {
			if protected[s.ID] || retained[s.ID] {
				rep.Skipped++
				continue
			}
			freed, err := r.deleteArtifacts(ctx, s, logger)
			if err != nil {
				rep.Errors++
				continue
			}
			deleted[s.ID] = true
			rep.Cleaned++
			rep.BytesFreed += freed
		}
	}

	if r.policy.MinFreeBytes > 0 {
		free, err := diskFree(r.records.Root())
		if err != nil {
			return rep, fmt.Errorf("stat filesystem: %w", err)
		}
		if r.policy.DryRun {
			// Deletions above were simulated, so credit their estimate.
			free += rep.BytesFreed
		}
		for _, s := range sessions {
			if free >= r.policy.MinFreeBytes {
				break
			}
			if deleted[s.ID] || protected[s.ID] {
				continue
			}
			freed, err := r.deleteArtifacts(ctx, s, logger)
			if err != nil {
				rep.Errors++
				continue
			}
			deleted[s.ID] = true
			rep.Cleaned++
			rep.BytesFreed += freed
			free += freed
		}
		if free < r.policy.MinFreeBytes {
			logger.Warn("free space still below floor after cleanup",
				slog.Int64("free_bytes", free), slog.Int64("min_free_bytes", r.policy.MinFreeBytes))
		}
	}

	mode := "cleanup"
	if r.policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("cleaned", rep.Cleaned),
		slog.Int("skipped", rep.Skipped),
		slog.Int("errors", rep.Errors),
		slog.Int64("bytes_freed", rep.BytesFreed))
	return rep, nil
}

// deleteArtifacts removes a session's recording and thumbnail files and clears
// the row's references. Returns the bytes freed (or estimated, in dry-run).
func (r *Retention) deleteArtifacts(ctx context.Context, s Session, logger *slog.Logger) (int64, error) {
	rel := s.RecordingPath.String
	abs, err := r.records.Resolve(ctx, rel, safepath.OpDelete)
	if errors.Is(err, safepath.ErrNotFound) {
		// File already gone, just clear the references.
		logger.Debug("file already missing, clearing references", slog.Int64("session_id", s.ID), slog.String("path", rel))
		if r.policy.DryRun {
			return 0, nil
		}
		return 0, r.store.ClearArtifacts(ctx, s.ID)
	}
	if err != nil {
		logger.Warn("resolve recording for deletion", slog.Int64("session_id", s.ID), slog.String("path", rel), slog.Any("err", err))
		return 0, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		logger.Warn("stat recording", slog.Int64("session_id", s.ID), slog.Any("err", err))
		return 0, err
	}
	size := fi.Size()

	if r.policy.DryRun {
		logger.Info("dry-run: would delete recording",
			slog.Int64("session_id", s.ID),
			slog.String("path", rel),
			slog.Time("started_at", s.StartedAt),
			slog.Int64("size_bytes", size))
		return size, nil
	}

	if err := os.Remove(abs); err != nil {
		logger.Warn("delete recording", slog.Int64("session_id", s.ID), slog.String("path", rel), slog.Any("err", err))
		return 0, err
	}
	r.removeThumbnail(ctx, s, logger)
	if err := r.store.ClearArtifacts(ctx, s.ID); err != nil {
		logger.Warn("clear references after deletion", slog.Int64("session_id", s.ID), slog.Any("err", err))
		return size, err
	}
	logger.Info("deleted old recording",
		slog.Int64("session_id", s.ID),
		slog.String("path", rel),
		slog.Time("started_at", s.StartedAt),
		slog.Int64("size_bytes", size))
	return size, nil
}

func (r *Retention) removeThumbnail(ctx context.Context, s Session, logger *slog.Logger) {
	if !s.ThumbnailPath.Valid || s.ThumbnailPath.String == "" {
		return
	}
	abs, err := r.thumbs.Resolve(ctx, s.ThumbnailPath.String, safepath.OpDelete)
	if err != nil {
		if !errors.Is(err, safepath.ErrNotFound) {
			logger.Warn("resolve thumbnail for deletion", slog.Int64("session_id", s.ID), slog.Any("err", err))
		}
		return
	}
	if err := os.Remove(abs); err != nil {
		logger.Warn("delete thumbnail", slog.Int64("session_id", s.ID), slog.Any("err", err))
	}
}

// RemoveSession deletes a session's files through the resolvers and then the
// row itself. File errors abort before the row is touched so a retry still
// finds the paths.
func RemoveSession(ctx context.Context, store *Store, records, thumbs *safepath.Resolver, sessionID int64) error {
	sess, err := store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.RecordingPath.Valid && sess.RecordingPath.String != "" {
		if err := removeViaResolver(ctx, records, sess.RecordingPath.String); err != nil {
			return fmt.Errorf("remove recording: %w", err)
		}
	}
	if sess.ThumbnailPath.Valid && sess.ThumbnailPath.String != "" {
		if err := removeViaResolver(ctx, thumbs, sess.ThumbnailPath.String); err != nil {
			return fmt.Errorf("remove thumbnail: %w", err)
		}
	}
	return store.Delete(ctx, sessionID)
}

// removeViaResolver deletes one file inside a root. A file that is already
// gone counts as deleted.
func removeViaResolver(ctx context.Context, r *safepath.Resolver, rel string) error {
	abs, err := r.Resolve(ctx, rel, safepath.OpDelete)
	if errors.Is(err, safepath.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(abs)
}
