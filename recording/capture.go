package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub006/safepath"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

// Options configure the capture pipeline: binary paths, stream quality, and
// startup retry behavior.
type Options struct {
	StreamlinkPath string
	FFmpegPath     string
	FFprobePath    string
	Quality        string
	MaxAttempts    int
	BackoffBase    time.Duration
}

func (o Options) withDefaults() Options {
	if o.StreamlinkPath == "" {
		o.StreamlinkPath = "streamlink"
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.Quality == "" {
		o.Quality = "best"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	return o
}

// startupWindow separates startup failures from mid-broadcast ones. An attempt
// that ran longer than this produced real footage, so a non-zero exit is
// treated as the broadcast ending rather than a reason to retry and truncate
// the output file.
const startupWindow = 60 * time.Second

// Capturer records live broadcasts with streamlink and post-processes them
// with ffmpeg. Every output path is resolved through safepath before any
// process is spawned.
type Capturer struct {
	store   *Store
	records *safepath.Resolver
	thumbs  *safepath.Resolver
	opts    Options

	activeMu      sync.Mutex
	activeCancels map[string]context.CancelFunc
}

// NewCapturer wires a capturer to its session store and the two output roots.
func NewCapturer(store *Store, records, thumbs *safepath.Resolver, opts Options) *Capturer {
	return &Capturer{
		store:         store,
		records:       records,
		thumbs:        thumbs,
		opts:          opts.withDefaults(),
		activeCancels: map[string]context.CancelFunc{},
	}
}

// Cancel aborts the running capture for a streamer. Returns false when no
// capture is active for that username.
func (c *Capturer) Cancel(username string) bool {
	key := strings.ToLower(username)
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if cancel, ok := c.activeCancels[key]; ok {
		cancel()
		delete(c.activeCancels, key)
		return true
	}
	return false
}

// Active returns the usernames with a capture in flight, sorted.
func (c *Capturer) Active() []string {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	out := make([]string, 0, len(c.activeCancels))
	for k := range c.activeCancels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Capturer) register(username string, cancel context.CancelFunc) {
	c.activeMu.Lock()
	c.activeCancels[strings.ToLower(username)] = cancel
	c.activeMu.Unlock()
}

func (c *Capturer) deregister(username string) {
	c.activeMu.Lock()
	delete(c.activeCancels, strings.ToLower(username))
	c.activeMu.Unlock()
}

// Capture records one live broadcast to disk, blocking until the stream ends,
// the capture is canceled, or startup attempts are exhausted. On success the
// raw capture is attached to the session and handed to post-processing. Meant
// to run on its own goroutine per live streamer.
func (c *Capturer) Capture(ctx context.Context, sess Session, username string) error {
	if !acquireCaptureSlot(ctx) {
		return ctx.Err()
	}
	defer releaseCaptureSlot()

	logger := slog.Default().With(slog.Int64("session_id", sess.ID), slog.String("username", username), slog.String("component", "capture"))
	telemetry.CapturesStarted.Inc()
	telemetry.AddActiveCaptures(1)
	defer telemetry.AddActiveCaptures(-1)

	relPath, absPath, err := c.planOutput(ctx, sess, username)
	if err != nil {
		telemetry.CapturesFailed.Inc()
		return fmt.Errorf("plan capture output: %w", err)
	}
	logger.Info("capture starting", slog.String("path", relPath))

	captureStart := time.Now()
	err = c.runStreamlink(ctx, username, absPath, logger)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Process shutdown: leave whatever was written for the scanner to
		// adopt on the next start.
		return err
	case errors.Is(err, context.Canceled):
		logger.Info("capture canceled, keeping partial file")
	default:
		telemetry.CapturesFailed.Inc()
		return err
	}
	captureDur := time.Since(captureStart)
	telemetry.CaptureDuration.Observe(captureDur.Seconds())

	fi, err := os.Stat(absPath)
	if err != nil {
		telemetry.CapturesFailed.Inc()
		return fmt.Errorf("stat capture output: %w", err)
	}
	if fi.Size() == 0 {
		telemetry.CapturesFailed.Inc()
		return fmt.Errorf("capture produced empty file %s", relPath)
	}
	if err := c.store.AttachRecording(ctx, sess.ID, relPath, fi.Size()); err != nil {
		telemetry.CapturesFailed.Inc()
		return fmt.Errorf("attach recording: %w", err)
	}
	telemetry.CapturesSucceeded.Inc()
	logger.Info("capture finished", slog.Int64("bytes", fi.Size()), slog.Duration("duration", captureDur))

	postStart := time.Now()
	if err := c.postprocess(ctx, sess.ID, relPath); err != nil {
		// The raw capture is attached and safe on disk; post-processing can be
		// re-run later through the reprocess endpoint.
		logger.Warn("post-processing failed", slog.Any("err", err))
	}
	postDur := time.Since(postStart)
	telemetry.PostprocessDuration.Observe(postDur.Seconds())
	c.store.JournalCapture(ctx, captureDur, postDur)
	return nil
}

// planOutput picks the relative output path <streamer>/<timestamp>-<title>.ts,
// creates the streamer directory, and write-checks the final path.
func (c *Capturer) planOutput(ctx context.Context, sess Session, username string) (rel, abs string, err error) {
	dir, err := safepath.SanitizeFilename(username)
	if err != nil {
		return "", "", fmt.Errorf("sanitize username: %w", err)
	}
	base, err := safepath.SanitizeFilename(strings.TrimSpace(sess.Title.String))
	if err != nil {
		base = "stream"
	}
	// Leave room for the timestamp prefix and extension within the filename limit.
	if len(base) > 180 {
		base = base[:180]
	}
	name := sess.StartedAt.UTC().Format("20060102-150405") + "-" + base + ".ts"
	rel = filepath.Join(dir, name)

	dirAbs, err := c.records.Resolve(ctx, dir, safepath.OpInspect)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dirAbs, 0o755); err != nil {
		return "", "", fmt.Errorf("create streamer directory: %w", err)
	}
	abs, err = c.records.Resolve(ctx, rel, safepath.OpWrite)
	if err != nil {
		return "", "", err
	}
	return rel, abs, nil
}

// runStreamlink retries startup failures with exponential backoff + jitter.
// An attempt that outlives startupWindow is never retried: its non-zero exit
// means the broadcast ended or the pipe broke, and the footage is kept.
func (c *Capturer) runStreamlink(ctx context.Context, username, outPath string, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.opts.BackoffBase * time.Duration(1<<attempt)
			jitter := time.Duration(rand.Int63n(int64(c.opts.BackoffBase)))
			backoff += jitter
			logger.Warn("retrying capture", slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		capCtx, cancel := context.WithCancel(ctx)
		c.register(username, cancel)
		attemptStart := time.Now()
		err := c.spawnStreamlink(capCtx, username, outPath)
		c.deregister(username)
		cancel()

		if err == nil {
			return nil
		}
		if capCtx.Err() != nil {
			return fmt.Errorf("capture canceled: %w", context.Canceled)
		}
		if time.Since(attemptStart) > startupWindow {
			logger.Warn("capture ended with error after running, keeping footage", slog.Any("err", err))
			return nil
		}
		lastErr = err
		if IsFatalError(err) {
			logger.Warn("capture failed permanently", slog.Any("err", err))
			return err
		}
	}
	return lastErr
}

func (c *Capturer) spawnStreamlink(ctx context.Context, username, outPath string) error {
	args := []string{
		"--twitch-disable-ads",
		"--force",
		"-o", outPath,
		"https://twitch.tv/" + username,
		c.opts.Quality,
	}
	cmd := exec.CommandContext(ctx, c.opts.StreamlinkPath, args...)
	var tail tailWriter
	cmd.Stdout = &tail
	cmd.Stderr = &tail
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("streamlink %s: %v: %s", username, err, tail.String())
	}
	return nil
}

// tailWriter keeps the last chunk of process output for error reporting.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
}

const tailWriterMax = 4096

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailWriterMax {
		t.buf = t.buf[len(t.buf)-tailWriterMax:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
