package recording

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Serph91P/StreamVault-sub006/safepath"
)

// Scanner reconciles the recordings directory with session rows. Captures that
// died before committing their path are adopted back into the open session for
// their streamer, rows pointing at deleted files are cleared, and files that
// match no session are reported as orphans.
type Scanner struct {
	store    *Store
	records  *safepath.Resolver
	interval time.Duration
}

// flushDelay batches filesystem events so a burst of writes triggers a single
// reconcile pass.
const flushDelay = 15 * time.Second

func NewScanner(store *Store, records *safepath.Resolver, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scanner{store: store, records: records, interval: interval}
}

// ScanReport summarizes one reconcile pass.
type ScanReport struct {
	ScannedFiles int      `json:"scanned_files"`
	Adopted      int      `json:"adopted"`
	ClearedRows  int      `json:"cleared_rows"`
	Orphans      []string `json:"orphans,omitempty"`
}

// Reconcile walks the recordings root once and diffs it against the database.
func (sc *Scanner) Reconcile(ctx context.Context) (ScanReport, error) {
	var rep ScanReport

	known, err := sc.store.RecordedPaths(ctx)
	if err != nil {
		return rep, err
	}
	open, err := sc.store.ListOpen(ctx)
	if err != nil {
		return rep, err
	}
	// Open sessions without a recording yet, keyed by the directory their
	// capture would have written into.
	openByDir := make(map[string]OpenSession)
	for _, o := range open {
		if o.RecordingPath.Valid && o.RecordingPath.String != "" {
			continue
		}
		dir, err := safepath.SanitizeFilename(o.Username)
		if err != nil {
			continue
		}
		openByDir[dir] = o
	}

	root := sc.records.Root()
	seen := make(map[string]bool)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".ts" && ext != ".mp4" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rep.ScannedFiles++
		seen[rel] = true
		if _, ok := known[rel]; ok {
			return nil
		}
		if o, ok := openByDir[filepath.Dir(rel)]; ok {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if err := sc.store.AttachRecording(ctx, o.ID, rel, fi.Size()); err != nil {
				slog.Warn("adopt orphan capture", slog.String("path", rel), slog.Any("err", err), slog.String("component", "scanner"))
				return nil
			}
			rep.Adopted++
			delete(openByDir, filepath.Dir(rel))
			slog.Info("adopted orphan capture", slog.Int64("session_id", o.ID), slog.String("path", rel), slog.String("component", "scanner"))
			return nil
		}
		rep.Orphans = append(rep.Orphans, rel)
		return nil
	})
	if walkErr != nil {
		return rep, fmt.Errorf("walk recordings root: %w", walkErr)
	}

	for rel, id := range known {
		if seen[rel] {
			continue
		}
		if err := sc.store.ClearRecording(ctx, id); err != nil {
			slog.Warn("clear missing recording", slog.Int64("session_id", id), slog.Any("err", err), slog.String("component", "scanner"))
			continue
		}
		rep.ClearedRows++
		slog.Warn("recording file missing, cleared reference", slog.Int64("session_id", id), slog.String("path", rel), slog.String("component", "scanner"))
	}

	if rep.Adopted > 0 || rep.ClearedRows > 0 || len(rep.Orphans) > 0 {
		slog.Info("scan complete",
			slog.Int("scanned", rep.ScannedFiles),
			slog.Int("adopted", rep.Adopted),
			slog.Int("cleared", rep.ClearedRows),
			slog.Int("orphans", len(rep.Orphans)),
			slog.String("component", "scanner"))
	}
	return rep, nil
}

// Run watches the recordings root with fsnotify and reconciles after bursts of
// filesystem activity, plus a periodic full pass as a backstop for events the
// watcher missed. Blocks until the context is canceled.
func (sc *Scanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Warn("close fs watcher", slog.Any("err", err), slog.String("component", "scanner"))
		}
	}()

	root := sc.records.Root()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch recordings root: %w", err)
	}

	slog.Info("scanner started", slog.String("root", root), slog.Duration("interval", sc.interval), slog.String("component", "scanner"))
	if _, err := sc.Reconcile(ctx); err != nil {
		slog.Error("initial scan failed", slog.Any("err", err), slog.String("component", "scanner"))
	}

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	flush := time.NewTimer(flushDelay)
	if !flush.Stop() {
		<-flush.C
	}
	dirty := false

	for {
		select {
		case <-ctx.Done():
			slog.Info("scanner stopped", slog.String("component", "scanner"))
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				// New streamer directories need their own watch.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						slog.Warn("watch new directory", slog.String("path", ev.Name), slog.Any("err", err), slog.String("component", "scanner"))
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if !dirty {
					dirty = true
					flush.Reset(flushDelay)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("fs watcher error", slog.Any("err", err), slog.String("component", "scanner"))
		case <-flush.C:
			dirty = false
			if _, err := sc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scan failed", slog.Any("err", err), slog.String("component", "scanner"))
			}
		case <-ticker.C:
			if _, err := sc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scan failed", slog.Any("err", err), slog.String("component", "scanner"))
			}
		}
	}
}
