package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub006/safepath"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

// postprocess remuxes a raw .ts capture into a faststart mp4 and renders a
// mid-point thumbnail. The session row is repointed at the mp4 before the raw
// file is removed, so an interruption between the two leaves a valid state.
func (c *Capturer) postprocess(ctx context.Context, sessionID int64, relRaw string) error {
	logger := slog.Default().With(slog.Int64("session_id", sessionID), slog.String("component", "postprocess"))

	relVideo := relRaw
	if strings.EqualFold(filepath.Ext(relRaw), ".ts") {
		absRaw, err := c.records.Resolve(ctx, relRaw, safepath.OpRead)
		if err != nil {
			return err
		}
		relMP4 := strings.TrimSuffix(relRaw, filepath.Ext(relRaw)) + ".mp4"
		absMP4, err := c.records.Resolve(ctx, relMP4, safepath.OpWrite)
		if err != nil {
			return err
		}
		if err := c.remux(ctx, absRaw, absMP4); err != nil {
			return fmt.Errorf("remux: %w", err)
		}
		fi, err := os.Stat(absMP4)
		if err != nil {
			return fmt.Errorf("stat remuxed file: %w", err)
		}
		if fi.Size() == 0 {
			return fmt.Errorf("remux produced empty file %s", relMP4)
		}
		if err := c.store.AttachRecording(ctx, sessionID, relMP4, fi.Size()); err != nil {
			return err
		}
		if err := os.Remove(absRaw); err != nil {
			logger.Warn("remove raw capture", slog.Any("err", err))
		}
		relVideo = relMP4
		logger.Info("remux complete", slog.String("path", relMP4), slog.Int64("bytes", fi.Size()))
	}

	if err := c.renderThumbnail(ctx, sessionID, relVideo); err != nil {
		// Thumbnails are cosmetic; the recording itself is already attached.
		logger.Warn("thumbnail failed", slog.Any("err", err))
	}
	return nil
}

// Reprocess re-runs the post-processing stage for a stored session: a raw .ts
// recording is remuxed again, an existing mp4 just gets a fresh thumbnail.
func (c *Capturer) Reprocess(ctx context.Context, sessionID int64) error {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.RecordingPath.Valid || sess.RecordingPath.String == "" {
		return fmt.Errorf("session %d has no recording", sessionID)
	}
	start := time.Now()
	err = c.postprocess(ctx, sessionID, sess.RecordingPath.String)
	telemetry.PostprocessDuration.Observe(time.Since(start).Seconds())
	return err
}

func (c *Capturer) remux(ctx context.Context, src, dst string) error {
	args := []string{"-loglevel", "error", "-i", src, "-c", "copy", "-movflags", "+faststart", "-f", "mp4", "-y", dst}
	cmd := exec.CommandContext(ctx, c.opts.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg remux: %v: %s", err, tailOf(out))
	}
	return nil
}

// renderThumbnail grabs a frame from the middle of the video (or second 2 for
// short clips) and writes it under the thumbnails root, mirroring the
// recording's relative path with a .jpg extension.
func (c *Capturer) renderThumbnail(ctx context.Context, sessionID int64, relVideo string) error {
	absVideo, err := c.records.Resolve(ctx, relVideo, safepath.OpRead)
	if err != nil {
		return err
	}
	relThumb := strings.TrimSuffix(relVideo, filepath.Ext(relVideo)) + ".jpg"
	if dir := filepath.Dir(relThumb); dir != "." {
		dirAbs, err := c.thumbs.Resolve(ctx, dir, safepath.OpInspect)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dirAbs, 0o755); err != nil {
			return fmt.Errorf("create thumbnail directory: %w", err)
		}
	}
	absThumb, err := c.thumbs.Resolve(ctx, relThumb, safepath.OpWrite)
	if err != nil {
		return err
	}

	seek := 2
	if dur, err := c.probeDuration(ctx, absVideo); err == nil && dur > 10 {
		seek = int(dur / 2)
	}
	args := []string{"-i", absVideo, "-ss", strconv.Itoa(seek), "-vframes", "1", "-vf", "scale=480:360", "-q:v", "2", "-y", absThumb}
	cmd := exec.CommandContext(ctx, c.opts.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %v: %s", err, tailOf(out))
	}
	if err := c.store.AttachThumbnail(ctx, sessionID, relThumb); err != nil {
		return err
	}
	slog.Info("thumbnail rendered", slog.Int64("session_id", sessionID), slog.String("path", relThumb), slog.String("component", "postprocess"))
	return nil
}

func (c *Capturer) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, c.opts.FFprobePath,
		"-v", "quiet", "-select_streams", "v:0", "-show_entries", "stream=duration", "-of", "csv=p=0", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	dur, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return dur, nil
}

func tailOf(out []byte) string {
	const max = 512
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return strings.TrimSpace(string(out))
}
